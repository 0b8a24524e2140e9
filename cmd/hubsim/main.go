package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hubgo/internal/config"
	"hubgo/internal/domain"
	"hubgo/internal/hubsim"
	"hubgo/internal/logging"
	"hubgo/internal/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("hubsim failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	listen := flag.String("listen", "127.0.0.1:9300", "address to serve the simulated hub on")
	name := flag.String("name", "hubsim", "hub display name reported in the handshake")
	firmware := flag.String("firmware", "", "firmware string reported in the handshake")
	slots := flag.Int("slots", 0, "number of program slots (0 uses the default)")
	seed := flag.Bool("seed", false, "pre-populate a couple of slots with demo programs")
	marker := flag.String("marker", config.DefaultFrameMarker, "frame start marker, two hex bytes")
	checksum := flag.String("checksum", config.DefaultChecksum, "frame checksum algorithm (fletcher16|sum16|crc16-ccitt)")
	dropEvery := flag.Int("drop-every", 0, "swallow every Nth outbound frame to exercise peer retries")
	corruptEvery := flag.Int("corrupt-every", 0, "corrupt every Nth outbound frame to exercise peer resync")
	logLevel := flag.String("log-level", "info", "log level (debug|info|warn|error)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logMgr := logging.NewManager()
	if err := logMgr.Configure(config.LoggingConfig{Level: *logLevel}, ""); err != nil {
		return err
	}
	defer logMgr.Close()
	logger := logMgr.Logger("sim")

	frameCfg, err := frameConfigFromFlags(*marker, *checksum)
	if err != nil {
		return err
	}

	device := hubsim.New(hubsim.Config{
		SlotCount:  *slots,
		Firmware:   *firmware,
		DeviceName: *name,
	})
	if *seed {
		if err := seedDemoPrograms(device); err != nil {
			return err
		}
		logger.Info("seeded demo programs", "slots", []int{0, 3})
	}

	server := hubsim.NewServer(logger, device, hubsim.ServerConfig{
		Frame:         frameCfg,
		DropEveryN:    *dropEvery,
		CorruptEveryN: *corruptEvery,
	})

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *listen, err)
	}

	return server.Serve(ctx, ln)
}

// frameConfigFromFlags resolves the marker and checksum flags the same
// way hubctl resolves its protocol config section.
func frameConfigFromFlags(marker, checksum string) (transport.FrameConfig, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(marker))
	if err != nil || len(raw) != 2 {
		return transport.FrameConfig{}, fmt.Errorf("marker must be two hex bytes, got %q", marker)
	}
	kind, err := transport.ParseChecksumKind(checksum)
	if err != nil {
		return transport.FrameConfig{}, err
	}

	cfg := transport.DefaultFrameConfig()
	cfg.Marker = [2]byte{raw[0], raw[1]}
	cfg.Checksum = kind

	return cfg, nil
}

func seedDemoPrograms(device *hubsim.Device) error {
	blinker := []byte("from hub import light_matrix\nwhile True:\n    light_matrix.show_image('HEART')\n")
	if err := device.Seed(0, "blinker", domain.ProgramTypePython, blinker); err != nil {
		return err
	}

	sorter := []byte{0x50, 0x4B, 0x03, 0x04, 0x01, 0x02, 0x03, 0x04}
	return device.Seed(3, "sorter", domain.ProgramTypeScratch, sorter)
}
