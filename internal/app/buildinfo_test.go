package app

import "testing"

func TestBuildVersion(t *testing.T) {
	original := Version
	t.Cleanup(func() {
		Version = original
	})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "defaults to dev", in: "", want: "dev"},
		{name: "trims value", in: " 1.2.3 ", want: "1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version = tt.in
			if got := BuildVersion(); got != tt.want {
				t.Fatalf("BuildVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildVersionWithDate(t *testing.T) {
	originalVersion := Version
	originalBuildDate := BuildDate
	t.Cleanup(func() {
		Version = originalVersion
		BuildDate = originalBuildDate
	})

	tests := []struct {
		name    string
		version string
		date    string
		want    string
	}{
		{name: "no date", version: "0.1.2", date: "", want: "0.1.2"},
		{name: "rfc3339 date", version: "0.1.2", date: "2026-01-30T14:55:03Z", want: "0.1.2 (2026-01-30)"},
		{name: "opaque date passes through", version: "0.1.2", date: "nightly", want: "0.1.2 (nightly)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version = tt.version
			BuildDate = tt.date
			if got := BuildVersionWithDate(); got != tt.want {
				t.Fatalf("BuildVersionWithDate() = %q, want %q", got, tt.want)
			}
		})
	}
}
