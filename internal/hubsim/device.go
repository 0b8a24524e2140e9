// Package hubsim is an in-memory hub device that speaks the real slot
// protocol. The protocol tests run against it directly and cmd/hubsim
// hosts it behind a TCP listener so the CLI can be exercised without
// hardware.
package hubsim

import (
	"errors"
	"sync"
	"time"

	"hubgo/internal/domain"
	"hubgo/internal/hub"
)

const (
	defaultSlotCount = 20
	defaultCapacity  = 256 * 1024
	defaultFirmware  = "sim-0.9.0"
	defaultName      = "hubsim"
)

// Config shapes the simulated device. Zero values pick the defaults.
type Config struct {
	Protocol   uint8 // highest protocol version the device speaks
	SlotCount  int
	MaxChunk   int // cap below the protocol's chunk size, 0 for no cap
	Capacity   int // total program storage in bytes
	Firmware   string
	DeviceName string

	// DropEveryN makes the device swallow every Nth request without
	// answering, which forces the peer into its retransmit path.
	DropEveryN int

	// Clock stamps commits; tests pin it for deterministic output.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Protocol == 0 {
		c.Protocol = hub.MaxProtocolVersion
	}
	if c.SlotCount <= 0 || c.SlotCount > 255 {
		c.SlotCount = defaultSlotCount
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.Firmware == "" {
		c.Firmware = defaultFirmware
	}
	if c.DeviceName == "" {
		c.DeviceName = defaultName
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}

	return c
}

type slotRecord struct {
	occupied   bool
	programID  uint32
	name       string
	progType   domain.ProgramType
	data       []byte
	modifiedAt time.Time
}

type uploadState struct {
	slot  int
	typ   domain.ProgramType
	total int
	name  string
	buf   []byte
}

type downloadState struct {
	data []byte
}

// Device is the simulated hub. All methods are safe for concurrent use,
// though a real hub serves a single link at a time.
type Device struct {
	mu     sync.Mutex
	cfg    Config
	chunk  int
	slots  []slotRecord
	up     *uploadState
	down   *downloadState
	nextID uint32

	drops int

	// Stop-and-wait peers retransmit byte-identical requests; the device
	// answers a repeated (opcode, id) with the cached response instead of
	// executing it twice.
	lastKey  [2]byte
	lastResp []byte
}

func New(cfg Config) *Device {
	cfg = cfg.withDefaults()

	d := &Device{
		cfg:    cfg,
		slots:  make([]slotRecord, cfg.SlotCount),
		nextID: 1,
	}
	d.chunk = d.chunkFor(cfg.Protocol)

	return d
}

func (d *Device) chunkFor(version uint8) int {
	profile, ok := hub.ProfileFor(version)
	if !ok {
		profile, _ = hub.ProfileFor(1)
	}
	chunk := profile.MaxChunk
	if d.cfg.MaxChunk > 0 && d.cfg.MaxChunk < chunk {
		chunk = d.cfg.MaxChunk
	}

	return chunk
}

// Seed installs a program directly into storage, bypassing the wire.
func (d *Device) Seed(slot int, name string, progType domain.ProgramType, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if slot < 0 || slot >= len(d.slots) {
		return errors.New("seed slot out of range")
	}
	if len(data) == 0 {
		return errors.New("seed data empty")
	}

	d.slots[slot] = slotRecord{
		occupied:   true,
		programID:  d.nextID,
		name:       name,
		progType:   progType,
		data:       append([]byte(nil), data...),
		modifiedAt: d.cfg.Clock(),
	}
	d.nextID++

	return nil
}

// SlotData returns a copy of the stored image, for assertions.
func (d *Device) SlotData(slot int) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if slot < 0 || slot >= len(d.slots) || !d.slots[slot].occupied {
		return nil, false
	}

	return append([]byte(nil), d.slots[slot].data...), true
}

// Handle executes one request payload and returns the payloads to send
// back: usually one response, sometimes followed by a slot-changed push.
// A nil return means the request was dropped or unintelligible.
func (d *Device) Handle(request []byte) [][]byte {
	msg, err := hub.DecodeMessage(request)
	if err != nil {
		return nil
	}
	if msg.IsResponse() || msg.Opcode.IsPush() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.DropEveryN > 0 {
		d.drops++
		if d.drops%d.cfg.DropEveryN == 0 {
			return nil
		}
	}

	key := [2]byte{byte(msg.Opcode), msg.ID}
	if key == d.lastKey && d.lastResp != nil {
		return [][]byte{append([]byte(nil), d.lastResp...)}
	}

	status, body, pushes := d.dispatch(msg)
	resp := hub.BuildResponse(msg, status, body)
	d.lastKey = key
	d.lastResp = append([]byte(nil), resp...)

	out := [][]byte{resp}
	out = append(out, pushes...)

	return out
}

func (d *Device) dispatch(msg hub.Message) (hub.Status, []byte, [][]byte) {
	switch msg.Opcode {
	case hub.OpHandshake:
		return d.handleHandshake(msg.Body)
	case hub.OpListSlots:
		return d.handleListSlots()
	case hub.OpSlotInfo:
		return d.handleSlotInfo(msg.Body)
	case hub.OpBeginUpload:
		return d.handleBeginUpload(msg.Body)
	case hub.OpUploadChunk:
		return d.handleUploadChunk(msg.Body)
	case hub.OpCommitUpload:
		return d.handleCommitUpload(msg.Body)
	case hub.OpBeginDownload:
		return d.handleBeginDownload(msg.Body)
	case hub.OpReadChunk:
		return d.handleReadChunk(msg.Body)
	case hub.OpCancelTransfer:
		return d.handleCancelTransfer()
	case hub.OpUninstall:
		return d.handleUninstall(msg.Body)
	default:
		return hub.StatusUnknownOpcode, nil, nil
	}
}

func (d *Device) handleHandshake(body []byte) (hub.Status, []byte, [][]byte) {
	clientMax, err := hub.ParseHandshake(body)
	if err != nil || clientMax == 0 {
		return hub.StatusBadRequest, nil, nil
	}

	version := d.cfg.Protocol
	if clientMax < version {
		version = clientMax
	}
	if _, ok := hub.ProfileFor(version); !ok {
		version = 1
	}
	d.chunk = d.chunkFor(version)

	// A fresh handshake abandons any half-open transfer.
	d.up = nil
	d.down = nil

	info := hub.HandshakeInfo{
		Protocol:   version,
		SlotCount:  len(d.slots),
		MaxChunk:   d.chunk,
		Firmware:   d.cfg.Firmware,
		DeviceName: d.cfg.DeviceName,
	}

	return hub.StatusOK, hub.BuildHandshakeResponse(info), nil
}

func (d *Device) handleListSlots() (hub.Status, []byte, [][]byte) {
	occupied := make([]domain.Slot, 0, len(d.slots))
	for i, rec := range d.slots {
		if rec.occupied {
			occupied = append(occupied, d.slotModel(i))
		}
	}
	body, err := hub.BuildListSlotsResponse(occupied)
	if err != nil {
		return hub.StatusInternal, nil, nil
	}

	return hub.StatusOK, body, nil
}

func (d *Device) handleSlotInfo(body []byte) (hub.Status, []byte, [][]byte) {
	slot, err := hub.ParseSlotRequest(body)
	if err != nil {
		return hub.StatusBadRequest, nil, nil
	}
	if slot < 0 || slot >= len(d.slots) {
		return hub.StatusSlotOutOfRange, nil, nil
	}

	resp, err := hub.BuildSlotInfoResponse(d.slotModel(slot))
	if err != nil {
		return hub.StatusInternal, nil, nil
	}

	return hub.StatusOK, resp, nil
}

func (d *Device) handleBeginUpload(body []byte) (hub.Status, []byte, [][]byte) {
	req, err := hub.ParseBeginUpload(body)
	if err != nil {
		if errors.Is(err, hub.ErrUnknownProgramType) {
			return hub.StatusBadType, nil, nil
		}
		return hub.StatusBadRequest, nil, nil
	}
	if req.Slot >= len(d.slots) {
		return hub.StatusSlotOutOfRange, nil, nil
	}
	if req.Total <= 0 {
		return hub.StatusBadRequest, nil, nil
	}
	if d.up != nil || d.down != nil {
		return hub.StatusBusy, nil, nil
	}
	if d.usedBytes()-len(d.slots[req.Slot].data)+req.Total > d.cfg.Capacity {
		return hub.StatusNoSpace, nil, nil
	}

	d.up = &uploadState{
		slot:  req.Slot,
		typ:   req.Type,
		total: req.Total,
		name:  req.Name,
		buf:   make([]byte, 0, req.Total),
	}

	return hub.StatusOK, hub.BuildBeginUploadResponse(d.chunk), nil
}

func (d *Device) handleUploadChunk(body []byte) (hub.Status, []byte, [][]byte) {
	offset, data, err := hub.ParseUploadChunk(body)
	if err != nil {
		return hub.StatusBadRequest, nil, nil
	}
	if d.up == nil {
		return hub.StatusNoTransfer, nil, nil
	}

	switch {
	case offset == len(d.up.buf):
		if len(d.up.buf)+len(data) > d.up.total {
			return hub.StatusBadRequest, nil, nil
		}
		d.up.buf = append(d.up.buf, data...)
	case offset < len(d.up.buf):
		// Duplicate of data already held; just re-acknowledge the mark.
	default:
		return hub.StatusBadOffset, nil, nil
	}

	return hub.StatusOK, hub.BuildUploadChunkResponse(len(d.up.buf)), nil
}

func (d *Device) handleCommitUpload(body []byte) (hub.Status, []byte, [][]byte) {
	crc, err := hub.ParseCommitUpload(body)
	if err != nil {
		return hub.StatusBadRequest, nil, nil
	}
	if d.up == nil {
		return hub.StatusNoTransfer, nil, nil
	}
	up := d.up
	d.up = nil

	if len(up.buf) != up.total {
		return hub.StatusBadRequest, nil, nil
	}
	if hub.ImageChecksum(up.buf) != crc {
		return hub.StatusChecksumMismatch, nil, nil
	}

	d.slots[up.slot] = slotRecord{
		occupied:   true,
		programID:  d.nextID,
		name:       up.name,
		progType:   up.typ,
		data:       up.buf,
		modifiedAt: d.cfg.Clock(),
	}
	d.nextID++

	result := hub.CommitResult{
		ProgramID:  d.slots[up.slot].programID,
		ModifiedAt: d.slots[up.slot].modifiedAt,
	}
	push := hub.EncodeMessage(hub.Message{
		Opcode: hub.OpSlotChanged,
		ID:     0,
		Body:   hub.BuildSlotChangedPush(up.slot),
	})

	return hub.StatusOK, hub.BuildCommitUploadResponse(result), [][]byte{push}
}

func (d *Device) handleBeginDownload(body []byte) (hub.Status, []byte, [][]byte) {
	slot, err := hub.ParseSlotRequest(body)
	if err != nil {
		return hub.StatusBadRequest, nil, nil
	}
	if slot >= len(d.slots) {
		return hub.StatusSlotOutOfRange, nil, nil
	}
	if d.up != nil || d.down != nil {
		return hub.StatusBusy, nil, nil
	}
	rec := d.slots[slot]
	if !rec.occupied {
		return hub.StatusSlotEmpty, nil, nil
	}

	d.down = &downloadState{data: rec.data}
	resp, err := hub.BuildBeginDownloadResponse(hub.DownloadPlan{
		Type:      rec.progType,
		Total:     len(rec.data),
		CRC:       hub.ImageChecksum(rec.data),
		ChunkSize: d.chunk,
	})
	if err != nil {
		d.down = nil
		return hub.StatusInternal, nil, nil
	}

	return hub.StatusOK, resp, nil
}

func (d *Device) handleReadChunk(body []byte) (hub.Status, []byte, [][]byte) {
	offset, maxLen, err := hub.ParseReadChunkRequest(body)
	if err != nil || maxLen <= 0 {
		return hub.StatusBadRequest, nil, nil
	}
	if d.down == nil {
		return hub.StatusNoTransfer, nil, nil
	}
	if offset < 0 || offset >= len(d.down.data) {
		return hub.StatusBadOffset, nil, nil
	}

	n := maxLen
	if n > d.chunk {
		n = d.chunk
	}
	if remaining := len(d.down.data) - offset; n > remaining {
		n = remaining
	}
	piece := d.down.data[offset : offset+n]
	resp := hub.BuildReadChunkResponse(offset, piece)

	// The device closes the download once the tail has been served.
	if offset+n == len(d.down.data) {
		d.down = nil
	}

	return hub.StatusOK, resp, nil
}

func (d *Device) handleCancelTransfer() (hub.Status, []byte, [][]byte) {
	if d.up == nil && d.down == nil {
		return hub.StatusNoTransfer, nil, nil
	}
	d.up = nil
	d.down = nil

	return hub.StatusOK, nil, nil
}

func (d *Device) handleUninstall(body []byte) (hub.Status, []byte, [][]byte) {
	slot, err := hub.ParseSlotRequest(body)
	if err != nil {
		return hub.StatusBadRequest, nil, nil
	}
	if slot >= len(d.slots) {
		return hub.StatusSlotOutOfRange, nil, nil
	}
	if !d.slots[slot].occupied {
		return hub.StatusSlotEmpty, nil, nil
	}

	d.slots[slot] = slotRecord{}
	push := hub.EncodeMessage(hub.Message{
		Opcode: hub.OpSlotChanged,
		ID:     0,
		Body:   hub.BuildSlotChangedPush(slot),
	})

	return hub.StatusOK, nil, [][]byte{push}
}

func (d *Device) slotModel(index int) domain.Slot {
	rec := d.slots[index]
	if !rec.occupied {
		return domain.Slot{Index: index, State: domain.SlotStateEmpty}
	}

	return domain.Slot{
		Index:      index,
		State:      domain.SlotStateOccupied,
		ProgramID:  rec.programID,
		Name:       rec.name,
		Type:       rec.progType,
		Size:       len(rec.data),
		ModifiedAt: rec.modifiedAt,
	}
}

func (d *Device) usedBytes() int {
	used := 0
	for _, rec := range d.slots {
		used += len(rec.data)
	}

	return used
}
