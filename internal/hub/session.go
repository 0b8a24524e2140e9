package hub

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hubgo/internal/bus"
	"hubgo/internal/domain"
	"hubgo/internal/events"
	"hubgo/internal/transport"
)

const (
	defaultRequestTimeout  = 2 * time.Second
	defaultRequestAttempts = 3

	// corruptFrameLimit is how many consecutive corrupt frames the reader
	// tolerates before declaring the link unusable.
	corruptFrameLimit = 5
)

// SessionConfig tunes the request/response engine. Zero values pick the
// defaults. ChunkSizeLimit caps the negotiated transfer chunk below
// whatever the device offers; zero means no extra cap.
type SessionConfig struct {
	RequestTimeout  time.Duration
	RequestAttempts int
	ChunkSizeLimit  int
}

type pendingRequest struct {
	op   Opcode
	id   uint8
	resp chan Message
}

// Session owns one connected transport: a dedicated reader goroutine
// demultiplexes responses and pushes, and requests go out strictly one at
// a time with bounded retransmits. All methods are safe for concurrent
// use; concurrent requests are serialized.
type Session struct {
	logger    *slog.Logger
	bus       bus.MessageBus
	transport transport.Transport

	timeout    time.Duration
	attempts   int
	chunkLimit int

	// requestMu admits one in-flight request at a time.
	requestMu sync.Mutex

	mu      sync.Mutex
	pending *pendingRequest
	nextID  uint8
	state   events.ConnectionState
	corrupt int
	reason  error
	info    HandshakeInfo
	profile Profile

	readCancel context.CancelFunc
	closed     chan struct{}
	closeOnce  sync.Once
}

func NewSession(logger *slog.Logger, b bus.MessageBus, tr transport.Transport, cfg SessionConfig) *Session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RequestAttempts < 1 {
		cfg.RequestAttempts = defaultRequestAttempts
	}

	return &Session{
		logger:     logger,
		bus:        b,
		transport:  tr,
		timeout:    cfg.RequestTimeout,
		attempts:   cfg.RequestAttempts,
		chunkLimit: cfg.ChunkSizeLimit,
		state:      events.ConnectionStateDisconnected,
		closed:     make(chan struct{}),
	}
}

// Open connects the transport, starts the reader, and performs the
// handshake. On any failure the session is left closed.
func (s *Session) Open(ctx context.Context) (domain.HubInfo, error) {
	target := statusTarget(s.transport)
	s.setState(events.ConnectionStateConnecting, nil)

	if err := s.transport.Connect(ctx); err != nil {
		s.setState(events.ConnectionStateDisconnected, err)
		return domain.HubInfo{}, &ConnectionError{Target: target, Err: err}
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	s.readCancel = cancel
	go s.runReader(readerCtx)

	s.setState(events.ConnectionStateHandshaking, nil)
	info, err := s.handshake(ctx)
	if err != nil {
		_ = s.shutdown(err)
		return domain.HubInfo{}, &ConnectionError{Target: target, Err: err}
	}

	s.setState(events.ConnectionStateReady, nil)
	hubInfo := domain.HubInfo{
		Target:      target,
		DeviceName:  info.DeviceName,
		Firmware:    info.Firmware,
		Protocol:    int(info.Protocol),
		SlotCount:   info.SlotCount,
		MaxChunk:    info.MaxChunk,
		ConnectedAt: time.Now(),
	}
	s.bus.Publish(events.TopicHubInfo, hubInfo)
	s.logger.Info("session ready",
		"device", info.DeviceName,
		"firmware", info.Firmware,
		"protocol", info.Protocol,
		"slots", info.SlotCount,
		"max_chunk", info.MaxChunk,
	)

	return hubInfo, nil
}

func (s *Session) Close() error {
	return s.shutdown(nil)
}

func (s *Session) shutdown(reason error) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.closed)
		if s.readCancel != nil {
			s.readCancel()
		}
		closeErr = s.transport.Close()
		s.setState(events.ConnectionStateDisconnected, reason)
	})

	return closeErr
}

func (s *Session) fail(err error) {
	s.logger.Error("session failed", "error", err)
	_ = s.shutdown(err)
}

func (s *Session) disconnectedErr() error {
	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()
	if reason != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, reason)
	}

	return ErrDisconnected
}

// HandshakeResult returns the negotiated device identity.
func (s *Session) HandshakeResult() HandshakeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.info
}

func (s *Session) NegotiatedProfile() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.profile
}

// ChunkCap is the hard upper bound on transfer chunk sizes: the
// negotiated protocol ceiling, further reduced by any configured limit.
func (s *Session) ChunkCap() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.profile.MaxChunk
	if s.chunkLimit > 0 && (limit == 0 || s.chunkLimit < limit) {
		limit = s.chunkLimit
	}

	return limit
}

func (s *Session) Target() string {
	return statusTarget(s.transport)
}

func (s *Session) State() events.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// SetBusy flips the session between ready and busy around transfers. A
// session that already died keeps its disconnected state.
func (s *Session) SetBusy(busy bool) {
	s.mu.Lock()
	dead := s.state == events.ConnectionStateDisconnected
	s.mu.Unlock()
	if dead {
		return
	}

	if busy {
		s.setState(events.ConnectionStateBusy, nil)
		return
	}
	s.setState(events.ConnectionStateReady, nil)
}

func (s *Session) runReader(ctx context.Context) {
	for {
		payload, err := s.transport.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrFrameCorrupt) {
				if s.noteCorrupt(err) {
					continue
				}
				s.fail(fmt.Errorf("link unstable: %w", err))
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.fail(err)
			return
		}
		s.resetCorrupt()
		s.bus.Publish(events.TopicRawFrameIn, rawFrameEvent(payload))

		msg, err := DecodeMessage(payload)
		if err != nil {
			if s.noteCorrupt(err) {
				continue
			}
			s.fail(fmt.Errorf("link unstable: %w", err))
			return
		}

		switch {
		case msg.Opcode.IsPush():
			s.handlePush(msg)
		case msg.IsResponse():
			s.dispatchResponse(msg)
		default:
			s.logger.Warn("unexpected request opcode from device", "opcode", msg.Opcode.String())
		}
	}
}

// noteCorrupt counts consecutive corrupt frames and reports whether the
// link is still considered usable.
func (s *Session) noteCorrupt(err error) bool {
	s.mu.Lock()
	s.corrupt++
	n := s.corrupt
	s.mu.Unlock()
	s.logger.Warn("corrupt frame", "consecutive", n, "error", err)

	return n < corruptFrameLimit
}

func (s *Session) resetCorrupt() {
	s.mu.Lock()
	s.corrupt = 0
	s.mu.Unlock()
}

func (s *Session) handlePush(msg Message) {
	switch msg.Opcode {
	case OpSlotChanged:
		slot, err := ParseSlotChangedPush(msg.Body)
		if err != nil {
			s.logger.Warn("bad slot-changed push", "error", err)
			return
		}
		s.logger.Debug("slot changed on device", "slot", slot)
		s.bus.Publish(events.TopicSlotChanged, events.SlotChanged{Slot: slot, Timestamp: time.Now()})
	default:
		s.logger.Debug("ignoring unknown push", "opcode", msg.Opcode.String())
	}
}

func (s *Session) dispatchResponse(msg Message) {
	s.mu.Lock()
	p := s.pending
	if p != nil && p.id == msg.ID && p.op == msg.RequestOpcode() {
		s.pending = nil
		s.mu.Unlock()
		p.resp <- msg
		return
	}
	s.mu.Unlock()

	// A response for a request we already gave up on (or a duplicate after
	// a retransmit the device answered twice). Drop it.
	s.logger.Debug("dropping stray response", "opcode", msg.Opcode.String(), "id", msg.ID)
}

func (s *Session) setPending(p *pendingRequest) {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
}

func (s *Session) clearPending(p *pendingRequest) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
}

func (s *Session) takeID() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}

	return s.nextID
}

// request performs one stop-and-wait exchange. The encoded bytes are built
// once so every retransmit is byte-identical and the device can
// deduplicate by message id.
func (s *Session) request(ctx context.Context, op Opcode, body []byte) (Message, error) {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	select {
	case <-s.closed:
		return Message{}, s.disconnectedErr()
	default:
	}

	id := s.takeID()
	payload := EncodeMessage(Message{Opcode: op, ID: id, Body: body})

	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Message{}, cancelErr(op, err)
		}

		p := &pendingRequest{op: op, id: id, resp: make(chan Message, 1)}
		s.setPending(p)

		writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.transport.WriteFrame(writeCtx, payload)
		cancel()
		if err != nil {
			s.clearPending(p)
			s.fail(fmt.Errorf("write %s: %w", op, err))
			return Message{}, s.disconnectedErr()
		}
		s.bus.Publish(events.TopicRawFrameOut, rawFrameEvent(payload))

		timer := time.NewTimer(s.timeout)
		select {
		case msg := <-p.resp:
			timer.Stop()
			return msg, nil
		case <-timer.C:
			s.clearPending(p)
			// The response may have been claimed between the timer firing
			// and the pending slot being cleared.
			select {
			case msg := <-p.resp:
				return msg, nil
			default:
			}
			s.logger.Warn("request attempt timed out", "opcode", op.String(), "id", id, "attempt", attempt, "timeout", s.timeout)
		case <-ctx.Done():
			timer.Stop()
			s.clearPending(p)
			select {
			case msg := <-p.resp:
				return msg, nil
			default:
			}
			return Message{}, cancelErr(op, ctx.Err())
		case <-s.closed:
			timer.Stop()
			s.clearPending(p)
			return Message{}, s.disconnectedErr()
		}
	}

	return Message{}, fmt.Errorf("%s after %d attempts: %w", op, s.attempts, ErrTimeout)
}

// cancelErr translates a caller context error into the session's
// taxonomy: an abandoned caller gets ErrCancelled, an expired caller
// deadline passes through as-is.
func cancelErr(op Opcode, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ErrCancelled)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// roundTrip sends a request and unwraps the response status. A non-OK
// status is a definitive device answer, never retried.
func (s *Session) roundTrip(ctx context.Context, op Opcode, body []byte) ([]byte, error) {
	msg, err := s.request(ctx, op, body)
	if err != nil {
		return nil, err
	}
	status, rest, err := SplitResponse(msg)
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", op, err)
	}
	if status != StatusOK {
		return nil, &DeviceError{Op: op, Code: status}
	}

	return rest, nil
}

func (s *Session) handshake(ctx context.Context) (HandshakeInfo, error) {
	rest, err := s.roundTrip(ctx, OpHandshake, BuildHandshake(MaxProtocolVersion))
	if err != nil {
		return HandshakeInfo{}, err
	}
	info, err := ParseHandshakeResponse(rest)
	if err != nil {
		return HandshakeInfo{}, err
	}

	profile, ok := ProfileFor(info.Protocol)
	if !ok || info.Protocol > MaxProtocolVersion {
		return HandshakeInfo{}, &IncompatibleDeviceError{Version: info.Protocol}
	}
	if info.MaxChunk > profile.MaxChunk {
		s.logger.Warn("device chunk exceeds protocol ceiling, clamping", "device", info.MaxChunk, "ceiling", profile.MaxChunk)
		info.MaxChunk = profile.MaxChunk
	}
	if s.chunkLimit > 0 && info.MaxChunk > s.chunkLimit {
		s.logger.Debug("configured chunk limit applied", "device", info.MaxChunk, "limit", s.chunkLimit)
		info.MaxChunk = s.chunkLimit
	}

	s.mu.Lock()
	s.info = info
	s.profile = profile
	s.mu.Unlock()

	return info, nil
}

func (s *Session) ListSlots(ctx context.Context) ([]domain.Slot, error) {
	rest, err := s.roundTrip(ctx, OpListSlots, BuildListSlots())
	if err != nil {
		return nil, err
	}

	return ParseListSlotsResponse(rest)
}

func (s *Session) SlotInfo(ctx context.Context, slot int) (domain.Slot, error) {
	rest, err := s.roundTrip(ctx, OpSlotInfo, BuildSlotInfo(slot))
	if err != nil {
		return domain.Slot{}, err
	}

	return ParseSlotInfoResponse(rest)
}

func (s *Session) BeginUpload(ctx context.Context, slot int, progType domain.ProgramType, total int, name string) (UploadPlan, error) {
	body, err := BuildBeginUpload(slot, progType, total, name)
	if err != nil {
		return UploadPlan{}, err
	}
	rest, err := s.roundTrip(ctx, OpBeginUpload, body)
	if err != nil {
		return UploadPlan{}, err
	}

	return ParseBeginUploadResponse(rest)
}

func (s *Session) UploadChunk(ctx context.Context, offset int, data []byte) (int, error) {
	rest, err := s.roundTrip(ctx, OpUploadChunk, BuildUploadChunk(offset, data))
	if err != nil {
		return 0, err
	}

	return ParseUploadChunkResponse(rest)
}

func (s *Session) CommitUpload(ctx context.Context, crc uint32) (CommitResult, error) {
	rest, err := s.roundTrip(ctx, OpCommitUpload, BuildCommitUpload(crc))
	if err != nil {
		return CommitResult{}, err
	}

	return ParseCommitUploadResponse(rest)
}

func (s *Session) BeginDownload(ctx context.Context, slot int) (DownloadPlan, error) {
	rest, err := s.roundTrip(ctx, OpBeginDownload, BuildBeginDownload(slot))
	if err != nil {
		return DownloadPlan{}, err
	}

	return ParseBeginDownloadResponse(rest)
}

func (s *Session) ReadChunk(ctx context.Context, offset, maxLen int) (int, []byte, error) {
	rest, err := s.roundTrip(ctx, OpReadChunk, BuildReadChunk(offset, maxLen))
	if err != nil {
		return 0, nil, err
	}

	return ParseReadChunkResponse(rest)
}

func (s *Session) CancelTransfer(ctx context.Context) error {
	_, err := s.roundTrip(ctx, OpCancelTransfer, BuildCancelTransfer())

	return err
}

func (s *Session) Uninstall(ctx context.Context, slot int) error {
	_, err := s.roundTrip(ctx, OpUninstall, BuildUninstall(slot))

	return err
}

func (s *Session) setState(state events.ConnectionState, err error) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	status := events.ConnStatus{
		State:         state,
		TransportName: s.transport.Name(),
		Target:        statusTarget(s.transport),
		Timestamp:     time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	s.bus.Publish(events.TopicConnStatus, status)
}

func statusTarget(tr transport.Transport) string {
	if resolver, ok := tr.(transport.StatusTargetResolver); ok {
		return resolver.StatusTarget()
	}

	return ""
}

func rawFrameEvent(payload []byte) events.RawFrame {
	return events.RawFrame{
		Hex: strings.ToUpper(hex.EncodeToString(payload)),
		Len: len(payload),
	}
}
