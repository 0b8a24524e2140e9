package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConnectorType identifies which transport backend should be used.
type ConnectorType string

const (
	ConnectorSerial ConnectorType = "serial"
	ConnectorRFCOMM ConnectorType = "rfcomm"
	ConnectorBLE    ConnectorType = "ble"
	ConnectorTCP    ConnectorType = "tcp"

	DefaultSerialBaud       = 115200
	DefaultFrameMarker      = "af7e"
	DefaultChecksum         = "fletcher16"
	DefaultRequestTimeoutMs = 2000
	DefaultRequestAttempts  = 3
	DefaultTransferLogCap   = 512
)

// ChecksumNames lists the frame checksum algorithms accepted in the
// protocol section. The transport layer resolves them by the same names.
var ChecksumNames = []string{"fletcher16", "sum16", "crc16-ccitt"}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// ConnectionConfig contains connector-specific connection parameters.
type ConnectionConfig struct {
	Connector        ConnectorType `json:"connector"`
	Host             string        `json:"host"`
	SerialPort       string        `json:"serial_port"`
	SerialBaud       int           `json:"serial_baud"`
	BluetoothAddress string        `json:"bluetooth_address"`
	BluetoothAdapter string        `json:"bluetooth_adapter"`
}

// ProtocolConfig tunes the wire protocol for a device family. Hubs with
// different firmware lines vary only in frame marker and checksum choice.
// ChunkSizeLimit caps transfer chunks below what the device offers; zero
// leaves the negotiated size alone.
type ProtocolConfig struct {
	FrameMarker      string `json:"frame_marker"`
	Checksum         string `json:"checksum"`
	RequestTimeoutMs int    `json:"request_timeout_ms"`
	RequestAttempts  int    `json:"request_attempts"`
	ChunkSizeLimit   int    `json:"chunk_size_limit"`
}

// StorageConfig controls the local hub/transfer history database.
type StorageConfig struct {
	DisableHistory bool `json:"disable_history"`
	TransferLogCap int  `json:"transfer_log_cap"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Connection ConnectionConfig `json:"connection"`
	Protocol   ProtocolConfig   `json:"protocol"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Connector:        ConnectorSerial,
			Host:             "",
			SerialPort:       "",
			SerialBaud:       DefaultSerialBaud,
			BluetoothAddress: "",
			BluetoothAdapter: "",
		},
		Protocol: ProtocolConfig{
			FrameMarker:      DefaultFrameMarker,
			Checksum:         DefaultChecksum,
			RequestTimeoutMs: DefaultRequestTimeoutMs,
			RequestAttempts:  DefaultRequestAttempts,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Storage: StorageConfig{
			DisableHistory: false,
			TransferLogCap: DefaultTransferLogCap,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Connection.Connector == "" {
		c.Connection.Connector = ConnectorSerial
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if c.Protocol.FrameMarker == "" {
		c.Protocol.FrameMarker = DefaultFrameMarker
	}
	if c.Protocol.Checksum == "" {
		c.Protocol.Checksum = DefaultChecksum
	}
	if c.Protocol.RequestTimeoutMs <= 0 {
		c.Protocol.RequestTimeoutMs = DefaultRequestTimeoutMs
	}
	if c.Protocol.RequestAttempts <= 0 {
		c.Protocol.RequestAttempts = DefaultRequestAttempts
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.TransferLogCap <= 0 {
		c.Storage.TransferLogCap = DefaultTransferLogCap
	}
}

// RequestTimeout converts the per-attempt timeout into a duration.
func (p ProtocolConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutMs) * time.Millisecond
}

// Marker decodes the configured frame marker into its two wire bytes.
func (p ProtocolConfig) Marker() ([2]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(p.FrameMarker))
	if err != nil {
		return [2]byte{}, fmt.Errorf("decode frame marker: %w", err)
	}
	if len(raw) != 2 {
		return [2]byte{}, fmt.Errorf("frame marker must be 2 bytes, got %d", len(raw))
	}

	return [2]byte{raw[0], raw[1]}, nil
}

func (c AppConfig) Validate() error {
	switch c.Connection.Connector {
	case ConnectorTCP:
		if strings.TrimSpace(c.Connection.Host) == "" {
			return errors.New("tcp host is required")
		}
	case ConnectorSerial:
		if strings.TrimSpace(c.Connection.SerialPort) == "" {
			return errors.New("serial port is required")
		}
		if c.Connection.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	case ConnectorRFCOMM, ConnectorBLE:
		if strings.TrimSpace(c.Connection.BluetoothAddress) == "" {
			return errors.New("bluetooth address is required")
		}
	default:
		return fmt.Errorf("unknown connector: %s", c.Connection.Connector)
	}

	if _, err := c.Protocol.Marker(); err != nil {
		return err
	}
	if !validChecksumName(c.Protocol.Checksum) {
		return fmt.Errorf("unknown checksum: %s", c.Protocol.Checksum)
	}
	if c.Protocol.RequestTimeoutMs <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.Protocol.RequestAttempts < 1 {
		return errors.New("request attempts must be at least 1")
	}
	if c.Protocol.ChunkSizeLimit < 0 {
		return errors.New("chunk size limit cannot be negative")
	}

	return nil
}

func validChecksumName(name string) bool {
	for _, known := range ChecksumNames {
		if name == known {
			return true
		}
	}

	return false
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
