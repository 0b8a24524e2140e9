package app

import (
	"fmt"
	"strings"
	"time"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""
)

func BuildVersion() string {
	if v := strings.TrimSpace(Version); v != "" {
		return v
	}

	return "dev"
}

// BuildVersionWithDate renders "0.3.0 (2026-08-12)" for startup logs and
// the version flag.
func BuildVersionWithDate() string {
	version := BuildVersion()
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		return version
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return fmt.Sprintf("%s (%s)", version, parsed.Format(time.DateOnly))
	}

	return fmt.Sprintf("%s (%s)", version, raw)
}
