package hubsim

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"hubgo/internal/transport"
)

// ServerConfig hosts a Device behind a TCP listener. The fault knobs act
// on outbound frames so a peer's retransmit and resync paths can be
// exercised over a real socket.
type ServerConfig struct {
	Frame transport.FrameConfig

	// DropEveryN swallows every Nth outbound frame.
	DropEveryN int
	// CorruptEveryN mangles the checksum of every Nth outbound frame.
	CorruptEveryN int
}

type Server struct {
	logger *slog.Logger
	device *Device
	codec  *transport.FrameCodec
	cfg    ServerConfig

	mu   sync.Mutex
	sent int
}

func NewServer(logger *slog.Logger, device *Device, cfg ServerConfig) *Server {
	return &Server{
		logger: logger.With("component", "hubsim"),
		device: device,
		codec:  transport.NewFrameCodec(cfg.Frame),
		cfg:    cfg,
	}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// The device state is shared across connections, like a real hub that is
// unplugged and plugged back in.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info("listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.logger.Info("client connected", "remote", conn.RemoteAddr().String())
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.logger.Info("client disconnected", "remote", conn.RemoteAddr().String())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReader(conn)
	readFull := func(buf []byte) error {
		_, err := io.ReadFull(reader, buf)

		return err
	}

	for {
		payload, err := s.codec.Read(readFull)
		if err != nil {
			if errors.Is(err, transport.ErrFrameCorrupt) {
				s.logger.Warn("corrupt inbound frame", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warn("connection read failed", "error", err)
			}
			return
		}

		for _, out := range s.device.Handle(payload) {
			if err := s.writeFrame(conn, out); err != nil {
				s.logger.Warn("connection write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn net.Conn, payload []byte) error {
	frame, err := s.codec.Encode(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sent++
	n := s.sent
	s.mu.Unlock()

	if s.cfg.DropEveryN > 0 && n%s.cfg.DropEveryN == 0 {
		s.logger.Debug("dropping outbound frame", "seq", n)
		return nil
	}
	if s.cfg.CorruptEveryN > 0 && n%s.cfg.CorruptEveryN == 0 {
		s.logger.Debug("corrupting outbound frame", "seq", n)
		frame[len(frame)-1] ^= 0xFF
	}

	_, err = conn.Write(frame)

	return err
}
