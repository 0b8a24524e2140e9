package app

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"hubgo/internal/config"
	"hubgo/internal/transport"
)

// FrameConfigFromProtocol resolves the configured frame marker and
// checksum algorithm into codec settings.
func FrameConfigFromProtocol(proto config.ProtocolConfig) (transport.FrameConfig, error) {
	marker, err := proto.Marker()
	if err != nil {
		return transport.FrameConfig{}, err
	}
	kind, err := transport.ParseChecksumKind(proto.Checksum)
	if err != nil {
		return transport.FrameConfig{}, err
	}

	cfg := transport.DefaultFrameConfig()
	cfg.Marker = marker
	cfg.Checksum = kind

	return cfg, nil
}

// NewTransportForConnection builds the connector named by cfg, framed
// per the protocol section.
func NewTransportForConnection(cfg config.ConnectionConfig, proto config.ProtocolConfig) (transport.Transport, error) {
	frameCfg, err := FrameConfigFromProtocol(proto)
	if err != nil {
		return nil, err
	}
	codec := transport.NewFrameCodec(frameCfg)

	switch cfg.Connector {
	case config.ConnectorTCP:
		host, port, err := splitHostPort(cfg.Host)
		if err != nil {
			return nil, err
		}

		return transport.NewTCPTransport(host, port, codec), nil
	case config.ConnectorSerial:
		return transport.NewSerialTransport(cfg.SerialPort, cfg.SerialBaud, codec), nil
	case config.ConnectorRFCOMM:
		return transport.NewRFCOMMTransport(cfg.BluetoothAddress, cfg.BluetoothAdapter, codec), nil
	case config.ConnectorBLE:
		return transport.NewBLETransport(cfg.BluetoothAddress, cfg.BluetoothAdapter, codec), nil
	default:
		return nil, fmt.Errorf("unknown connector: %q", cfg.Connector)
	}
}

// ParseTarget applies a CLI target string like "serial:/dev/ttyACM0",
// "tcp:hub.local:9300", "rfcomm:AA:BB:CC:DD:EE:FF", or
// "ble:AA:BB:CC:DD:EE:FF" on top of base. Anything without a known
// scheme prefix is taken as a serial device path.
func ParseTarget(raw string, base config.ConnectionConfig) (config.ConnectionConfig, error) {
	out := base
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return out, fmt.Errorf("empty connection target")
	}

	scheme, rest, _ := strings.Cut(trimmed, ":")
	switch config.ConnectorType(scheme) {
	case config.ConnectorSerial:
		out.Connector = config.ConnectorSerial
		out.SerialPort = rest
	case config.ConnectorTCP:
		out.Connector = config.ConnectorTCP
		out.Host = rest
	case config.ConnectorRFCOMM:
		out.Connector = config.ConnectorRFCOMM
		out.BluetoothAddress = rest
	case config.ConnectorBLE:
		out.Connector = config.ConnectorBLE
		out.BluetoothAddress = rest
	default:
		out.Connector = config.ConnectorSerial
		out.SerialPort = trimmed
	}

	if out.Connector != config.ConnectorSerial && strings.TrimSpace(rest) == "" {
		return out, fmt.Errorf("target %q is missing an address", trimmed)
	}

	return out, nil
}

// ConnectionTarget renders the canonical "connector:address" form used
// in status output and the known-hubs store.
func ConnectionTarget(cfg config.ConnectionConfig) string {
	switch cfg.Connector {
	case config.ConnectorTCP:
		return string(config.ConnectorTCP) + ":" + strings.TrimSpace(cfg.Host)
	case config.ConnectorSerial:
		return string(config.ConnectorSerial) + ":" + strings.TrimSpace(cfg.SerialPort)
	case config.ConnectorRFCOMM:
		return string(config.ConnectorRFCOMM) + ":" + strings.TrimSpace(cfg.BluetoothAddress)
	case config.ConnectorBLE:
		return string(config.ConnectorBLE) + ":" + strings.TrimSpace(cfg.BluetoothAddress)
	default:
		return ""
	}
}

// splitHostPort accepts "host:port" or a bare host; a bare host falls
// back to the transport's default port.
func splitHostPort(raw string) (string, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, fmt.Errorf("tcp host is required")
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return raw, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid tcp port: %q", portStr)
	}

	return host, port, nil
}
