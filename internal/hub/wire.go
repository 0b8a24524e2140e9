package hub

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"hubgo/internal/domain"
)

// Messages ride inside frame payloads:
//
//	request:  [opcode u8][id u8][body]
//	response: [opcode|0x80 u8][id u8][status u8][body]
//	push:     [opcode u8][0x00][body]        (opcodes 0x60..0x7F)
//
// Multi-byte integers are big-endian. Strings are length-prefixed with a
// single byte.
const (
	responseFlag  = 0x80
	pushOpcodeMin = 0x60

	messageHeaderLen = 2
	maxWireString    = 255
)

type Opcode uint8

const (
	OpHandshake      Opcode = 0x01
	OpListSlots      Opcode = 0x02
	OpSlotInfo       Opcode = 0x03
	OpBeginUpload    Opcode = 0x10
	OpUploadChunk    Opcode = 0x11
	OpCommitUpload   Opcode = 0x12
	OpBeginDownload  Opcode = 0x13
	OpReadChunk      Opcode = 0x14
	OpCancelTransfer Opcode = 0x1F
	OpUninstall      Opcode = 0x20
	OpSlotChanged    Opcode = 0x60
)

func (o Opcode) String() string {
	switch o &^ responseFlag {
	case OpHandshake:
		return "handshake"
	case OpListSlots:
		return "list-slots"
	case OpSlotInfo:
		return "slot-info"
	case OpBeginUpload:
		return "begin-upload"
	case OpUploadChunk:
		return "upload-chunk"
	case OpCommitUpload:
		return "commit-upload"
	case OpBeginDownload:
		return "begin-download"
	case OpReadChunk:
		return "read-chunk"
	case OpCancelTransfer:
		return "cancel-transfer"
	case OpUninstall:
		return "uninstall"
	case OpSlotChanged:
		return "slot-changed"
	default:
		return fmt.Sprintf("opcode-0x%02x", uint8(o))
	}
}

// IsPush reports whether the opcode is an unsolicited notification.
func (o Opcode) IsPush() bool {
	return o >= pushOpcodeMin && o&responseFlag == 0
}

// Status is the first response body byte: the device's verdict.
type Status uint8

const (
	StatusOK               Status = 0x00
	StatusBadRequest       Status = 0x01
	StatusUnknownOpcode    Status = 0x02
	StatusSlotOutOfRange   Status = 0x03
	StatusSlotEmpty        Status = 0x04
	StatusNoSpace          Status = 0x05
	StatusBadType          Status = 0x06
	StatusNoTransfer       Status = 0x07
	StatusBadOffset        Status = 0x08
	StatusChecksumMismatch Status = 0x09
	StatusBusy             Status = 0x0A
	StatusInternal         Status = 0x0B
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad request"
	case StatusUnknownOpcode:
		return "unknown opcode"
	case StatusSlotOutOfRange:
		return "slot out of range"
	case StatusSlotEmpty:
		return "slot empty"
	case StatusNoSpace:
		return "no space"
	case StatusBadType:
		return "bad program type"
	case StatusNoTransfer:
		return "no transfer in progress"
	case StatusBadOffset:
		return "bad offset"
	case StatusChecksumMismatch:
		return "checksum mismatch"
	case StatusBusy:
		return "busy"
	case StatusInternal:
		return "internal device error"
	default:
		return fmt.Sprintf("status-0x%02x", uint8(s))
	}
}

// Message is one decoded wire message.
type Message struct {
	Opcode Opcode
	ID     uint8
	Body   []byte
}

func (m Message) IsResponse() bool {
	return m.Opcode&responseFlag != 0
}

// RequestOpcode strips the response flag.
func (m Message) RequestOpcode() Opcode {
	return m.Opcode &^ responseFlag
}

func EncodeMessage(m Message) []byte {
	out := make([]byte, messageHeaderLen+len(m.Body))
	out[0] = uint8(m.Opcode)
	out[1] = m.ID
	copy(out[messageHeaderLen:], m.Body)

	return out
}

func DecodeMessage(payload []byte) (Message, error) {
	if len(payload) < messageHeaderLen {
		return Message{}, fmt.Errorf("message too short: %d bytes", len(payload))
	}

	return Message{
		Opcode: Opcode(payload[0]),
		ID:     payload[1],
		Body:   payload[messageHeaderLen:],
	}, nil
}

// BuildResponse assembles a response payload for a request: the opcode
// with the response flag set, the same id, and the status byte ahead of
// the body.
func BuildResponse(req Message, status Status, body []byte) []byte {
	out := make([]byte, 0, messageHeaderLen+1+len(body))
	out = append(out, byte(req.Opcode|responseFlag), req.ID, byte(status))
	out = append(out, body...)

	return out
}

// ImageChecksum is the whole-image checksum carried by commit-upload and
// begin-download: CRC-32 (IEEE) over the complete program bytes.
func ImageChecksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// SplitResponse separates the status byte from the response body.
func SplitResponse(m Message) (Status, []byte, error) {
	if !m.IsResponse() {
		return 0, nil, fmt.Errorf("%s is not a response", m.Opcode)
	}
	if len(m.Body) < 1 {
		return 0, nil, errors.New("response body missing status byte")
	}

	return Status(m.Body[0]), m.Body[1:], nil
}

// bodyWriter builds message bodies field by field.
type bodyWriter struct {
	buf []byte
}

func (w *bodyWriter) u8(v uint8) *bodyWriter {
	w.buf = append(w.buf, v)
	return w
}

func (w *bodyWriter) u16(v uint16) *bodyWriter {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *bodyWriter) u32(v uint32) *bodyWriter {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *bodyWriter) i64(v int64) *bodyWriter {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
	return w
}

func (w *bodyWriter) str(s string) *bodyWriter {
	if len(s) > maxWireString {
		s = s[:maxWireString]
	}
	w.buf = append(w.buf, uint8(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

func (w *bodyWriter) bytes(b []byte) *bodyWriter {
	w.buf = append(w.buf, b...)
	return w
}

// bodyReader consumes message bodies with sticky error handling: after the
// first short read every accessor returns zero values and err() reports it.
type bodyReader struct {
	buf  []byte
	off  int
	fail error
}

func newBodyReader(buf []byte) *bodyReader {
	return &bodyReader{buf: buf}
}

func (r *bodyReader) take(n int) []byte {
	if r.fail != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.fail = fmt.Errorf("truncated body: need %d bytes at offset %d of %d", n, r.off, len(r.buf))
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n

	return out
}

func (r *bodyReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *bodyReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *bodyReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *bodyReader) i64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *bodyReader) str() string {
	n := int(r.u8())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *bodyReader) rest() []byte {
	if r.fail != nil {
		return nil
	}
	out := r.buf[r.off:]
	r.off = len(r.buf)

	return out
}

func (r *bodyReader) err() error {
	return r.fail
}

// HandshakeInfo is the parsed handshake response.
type HandshakeInfo struct {
	Protocol   uint8
	SlotCount  int
	MaxChunk   int
	Firmware   string
	DeviceName string
}

func BuildHandshake(maxProtocol uint8) []byte {
	w := &bodyWriter{}
	return w.u8(maxProtocol).buf
}

func ParseHandshakeResponse(body []byte) (HandshakeInfo, error) {
	r := newBodyReader(body)
	info := HandshakeInfo{
		Protocol:   r.u8(),
		SlotCount:  int(r.u8()),
		MaxChunk:   int(r.u16()),
		Firmware:   r.str(),
		DeviceName: r.str(),
	}
	if err := r.err(); err != nil {
		return HandshakeInfo{}, fmt.Errorf("parse handshake response: %w", err)
	}
	if info.SlotCount == 0 {
		return HandshakeInfo{}, errors.New("handshake reported zero slots")
	}
	if info.MaxChunk == 0 {
		return HandshakeInfo{}, errors.New("handshake reported zero chunk size")
	}

	return info, nil
}

const (
	wireProgramTypePython  = 0x01
	wireProgramTypeScratch = 0x02
)

// ErrUnknownProgramType reports a program type byte outside the catalog.
var ErrUnknownProgramType = errors.New("unknown program type")

func programTypeToWire(t domain.ProgramType) (uint8, error) {
	switch t {
	case domain.ProgramTypePython:
		return wireProgramTypePython, nil
	case domain.ProgramTypeScratch:
		return wireProgramTypeScratch, nil
	default:
		return 0, fmt.Errorf("unsupported program type: %d", t)
	}
}

func programTypeFromWire(v uint8) (domain.ProgramType, error) {
	switch v {
	case wireProgramTypePython:
		return domain.ProgramTypePython, nil
	case wireProgramTypeScratch:
		return domain.ProgramTypeScratch, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownProgramType, v)
	}
}

// readSlotEntry parses one occupied-slot record:
// [index u8][type u8][programID u32][size u32][modified i64 ms][name str]
func readSlotEntry(r *bodyReader) (domain.Slot, error) {
	index := int(r.u8())
	typeByte := r.u8()
	slot := domain.Slot{
		Index:     index,
		State:     domain.SlotStateOccupied,
		ProgramID: r.u32(),
		Size:      int(r.u32()),
	}
	slot.ModifiedAt = time.UnixMilli(r.i64())
	slot.Name = r.str()
	if err := r.err(); err != nil {
		return domain.Slot{}, err
	}
	pt, err := programTypeFromWire(typeByte)
	if err != nil {
		return domain.Slot{}, err
	}
	slot.Type = pt

	return slot, nil
}

func writeSlotEntry(w *bodyWriter, slot domain.Slot) error {
	typeByte, err := programTypeToWire(slot.Type)
	if err != nil {
		return err
	}
	// #nosec G115 -- slot indexes are device-bounded (max 255 slots).
	w.u8(uint8(slot.Index)).
		u8(typeByte).
		u32(slot.ProgramID).
		u32(uint32(slot.Size)).
		i64(slot.ModifiedAt.UnixMilli()).
		str(slot.Name)

	return nil
}

func BuildListSlots() []byte {
	return nil
}

func ParseListSlotsResponse(body []byte) ([]domain.Slot, error) {
	r := newBodyReader(body)
	count := int(r.u8())
	slots := make([]domain.Slot, 0, count)
	for i := 0; i < count; i++ {
		slot, err := readSlotEntry(r)
		if err != nil {
			return nil, fmt.Errorf("parse slot entry %d: %w", i, err)
		}
		slots = append(slots, slot)
	}
	if err := r.err(); err != nil {
		return nil, fmt.Errorf("parse list-slots response: %w", err)
	}

	return slots, nil
}

func BuildListSlotsResponse(slots []domain.Slot) ([]byte, error) {
	w := &bodyWriter{}
	// #nosec G115 -- slot counts are device-bounded (max 255 slots).
	w.u8(uint8(len(slots)))
	for _, slot := range slots {
		if err := writeSlotEntry(w, slot); err != nil {
			return nil, err
		}
	}

	return w.buf, nil
}

func BuildSlotInfo(slot int) []byte {
	w := &bodyWriter{}
	// #nosec G115 -- callers validate the slot index against the hub's range.
	return w.u8(uint8(slot)).buf
}

const (
	wireSlotEmpty    = 0x00
	wireSlotOccupied = 0x01
)

func ParseSlotInfoResponse(body []byte) (domain.Slot, error) {
	r := newBodyReader(body)
	index := int(r.u8())
	occupancy := r.u8()
	if err := r.err(); err != nil {
		return domain.Slot{}, fmt.Errorf("parse slot-info response: %w", err)
	}
	switch occupancy {
	case wireSlotEmpty:
		return domain.Slot{Index: index, State: domain.SlotStateEmpty}, nil
	case wireSlotOccupied:
		slot, err := readSlotEntry(r)
		if err != nil {
			return domain.Slot{}, fmt.Errorf("parse slot-info response: %w", err)
		}
		if slot.Index != index {
			return domain.Slot{}, fmt.Errorf("slot-info index mismatch: header %d, entry %d", index, slot.Index)
		}
		return slot, nil
	default:
		return domain.Slot{}, fmt.Errorf("unknown slot occupancy byte: 0x%02x", occupancy)
	}
}

func BuildSlotInfoResponse(slot domain.Slot) ([]byte, error) {
	w := &bodyWriter{}
	// #nosec G115 -- slot indexes are device-bounded (max 255 slots).
	w.u8(uint8(slot.Index))
	if slot.State != domain.SlotStateOccupied {
		w.u8(wireSlotEmpty)
		return w.buf, nil
	}
	w.u8(wireSlotOccupied)
	if err := writeSlotEntry(w, slot); err != nil {
		return nil, err
	}

	return w.buf, nil
}

// UploadPlan is the begin-upload response: the chunk size the device
// committed to for this transfer.
type UploadPlan struct {
	ChunkSize int
}

func BuildBeginUpload(slot int, progType domain.ProgramType, total int, name string) ([]byte, error) {
	typeByte, err := programTypeToWire(progType)
	if err != nil {
		return nil, err
	}
	if len(name) > maxWireString {
		return nil, fmt.Errorf("program name too long: %d bytes, max %d", len(name), maxWireString)
	}
	w := &bodyWriter{}
	// #nosec G115 -- callers validate slot and size bounds before building.
	w.u8(uint8(slot)).u8(typeByte).u32(uint32(total)).str(name)

	return w.buf, nil
}

func ParseBeginUploadResponse(body []byte) (UploadPlan, error) {
	r := newBodyReader(body)
	plan := UploadPlan{ChunkSize: int(r.u16())}
	if err := r.err(); err != nil {
		return UploadPlan{}, fmt.Errorf("parse begin-upload response: %w", err)
	}
	if plan.ChunkSize == 0 {
		return UploadPlan{}, errors.New("device offered zero chunk size")
	}

	return plan, nil
}

func BuildUploadChunk(offset int, data []byte) []byte {
	w := &bodyWriter{}
	// #nosec G115 -- offsets are bounded by the program size (u32 on the wire).
	return w.u32(uint32(offset)).bytes(data).buf
}

func ParseUploadChunkResponse(body []byte) (received int, err error) {
	r := newBodyReader(body)
	received = int(r.u32())
	if err := r.err(); err != nil {
		return 0, fmt.Errorf("parse upload-chunk response: %w", err)
	}

	return received, nil
}

// CommitResult is the device's record of the installed program.
type CommitResult struct {
	ProgramID  uint32
	ModifiedAt time.Time
}

func BuildCommitUpload(crc uint32) []byte {
	w := &bodyWriter{}
	return w.u32(crc).buf
}

func ParseCommitUploadResponse(body []byte) (CommitResult, error) {
	r := newBodyReader(body)
	res := CommitResult{ProgramID: r.u32()}
	res.ModifiedAt = time.UnixMilli(r.i64())
	if err := r.err(); err != nil {
		return CommitResult{}, fmt.Errorf("parse commit-upload response: %w", err)
	}

	return res, nil
}

// DownloadPlan is the begin-download response describing the stored image.
type DownloadPlan struct {
	Type      domain.ProgramType
	Total     int
	CRC       uint32
	ChunkSize int
}

func BuildBeginDownload(slot int) []byte {
	w := &bodyWriter{}
	// #nosec G115 -- callers validate the slot index against the hub's range.
	return w.u8(uint8(slot)).buf
}

func ParseBeginDownloadResponse(body []byte) (DownloadPlan, error) {
	r := newBodyReader(body)
	typeByte := r.u8()
	plan := DownloadPlan{
		Total:     int(r.u32()),
		CRC:       r.u32(),
		ChunkSize: int(r.u16()),
	}
	if err := r.err(); err != nil {
		return DownloadPlan{}, fmt.Errorf("parse begin-download response: %w", err)
	}
	pt, err := programTypeFromWire(typeByte)
	if err != nil {
		return DownloadPlan{}, err
	}
	plan.Type = pt
	if plan.ChunkSize == 0 {
		return DownloadPlan{}, errors.New("device offered zero chunk size")
	}

	return plan, nil
}

func BuildReadChunk(offset, maxLen int) []byte {
	w := &bodyWriter{}
	// #nosec G115 -- offsets and chunk sizes are validated by the transfer engine.
	return w.u32(uint32(offset)).u16(uint16(maxLen)).buf
}

func ParseReadChunkResponse(body []byte) (offset int, data []byte, err error) {
	r := newBodyReader(body)
	offset = int(r.u32())
	data = r.rest()
	if err := r.err(); err != nil {
		return 0, nil, fmt.Errorf("parse read-chunk response: %w", err)
	}

	return offset, data, nil
}

func BuildCancelTransfer() []byte {
	return nil
}

func BuildUninstall(slot int) []byte {
	w := &bodyWriter{}
	// #nosec G115 -- callers validate the slot index against the hub's range.
	return w.u8(uint8(slot)).buf
}

func ParseSlotChangedPush(body []byte) (int, error) {
	r := newBodyReader(body)
	slot := int(r.u8())
	if err := r.err(); err != nil {
		return 0, fmt.Errorf("parse slot-changed push: %w", err)
	}

	return slot, nil
}

func BuildSlotChangedPush(slot int) []byte {
	w := &bodyWriter{}
	// #nosec G115 -- slot indexes are device-bounded (max 255 slots).
	return w.u8(uint8(slot)).buf
}

// Device-side codecs: the request parsers and response builders the hub
// itself would run. The in-process simulator and the protocol tests speak
// through these so both halves of every exchange live next to each other.

func ParseHandshake(body []byte) (uint8, error) {
	r := newBodyReader(body)
	maxProtocol := r.u8()
	if err := r.err(); err != nil {
		return 0, fmt.Errorf("parse handshake: %w", err)
	}

	return maxProtocol, nil
}

func BuildHandshakeResponse(info HandshakeInfo) []byte {
	w := &bodyWriter{}
	// #nosec G115 -- slot counts and chunk sizes fit their wire fields.
	return w.u8(info.Protocol).
		u8(uint8(info.SlotCount)).
		u16(uint16(info.MaxChunk)).
		str(info.Firmware).
		str(info.DeviceName).buf
}

// ParseSlotRequest reads the single-byte slot reference shared by
// slot-info, begin-download, and uninstall requests.
func ParseSlotRequest(body []byte) (int, error) {
	r := newBodyReader(body)
	slot := int(r.u8())
	if err := r.err(); err != nil {
		return 0, fmt.Errorf("parse slot request: %w", err)
	}

	return slot, nil
}

// UploadRequest is the parsed begin-upload request.
type UploadRequest struct {
	Slot  int
	Type  domain.ProgramType
	Total int
	Name  string
}

func ParseBeginUpload(body []byte) (UploadRequest, error) {
	r := newBodyReader(body)
	req := UploadRequest{Slot: int(r.u8())}
	typeByte := r.u8()
	req.Total = int(r.u32())
	req.Name = r.str()
	if err := r.err(); err != nil {
		return UploadRequest{}, fmt.Errorf("parse begin-upload: %w", err)
	}
	pt, err := programTypeFromWire(typeByte)
	if err != nil {
		return UploadRequest{}, err
	}
	req.Type = pt

	return req, nil
}

func BuildBeginUploadResponse(chunkSize int) []byte {
	w := &bodyWriter{}
	// #nosec G115 -- chunk sizes fit u16 by protocol profile.
	return w.u16(uint16(chunkSize)).buf
}

func ParseUploadChunk(body []byte) (offset int, data []byte, err error) {
	r := newBodyReader(body)
	offset = int(r.u32())
	data = r.rest()
	if err := r.err(); err != nil {
		return 0, nil, fmt.Errorf("parse upload-chunk: %w", err)
	}

	return offset, data, nil
}

func BuildUploadChunkResponse(received int) []byte {
	w := &bodyWriter{}
	// #nosec G115 -- received counts are bounded by the program size (u32 on the wire).
	return w.u32(uint32(received)).buf
}

func ParseCommitUpload(body []byte) (uint32, error) {
	r := newBodyReader(body)
	crc := r.u32()
	if err := r.err(); err != nil {
		return 0, fmt.Errorf("parse commit-upload: %w", err)
	}

	return crc, nil
}

func BuildCommitUploadResponse(res CommitResult) []byte {
	w := &bodyWriter{}
	return w.u32(res.ProgramID).i64(res.ModifiedAt.UnixMilli()).buf
}

func BuildBeginDownloadResponse(plan DownloadPlan) ([]byte, error) {
	typeByte, err := programTypeToWire(plan.Type)
	if err != nil {
		return nil, err
	}
	w := &bodyWriter{}
	// #nosec G115 -- image sizes and chunk sizes fit their wire fields.
	return w.u8(typeByte).u32(uint32(plan.Total)).u32(plan.CRC).u16(uint16(plan.ChunkSize)).buf, nil
}

func ParseReadChunkRequest(body []byte) (offset, maxLen int, err error) {
	r := newBodyReader(body)
	offset = int(r.u32())
	maxLen = int(r.u16())
	if err := r.err(); err != nil {
		return 0, 0, fmt.Errorf("parse read-chunk: %w", err)
	}

	return offset, maxLen, nil
}

func BuildReadChunkResponse(offset int, data []byte) []byte {
	w := &bodyWriter{}
	// #nosec G115 -- offsets are bounded by the program size (u32 on the wire).
	return w.u32(uint32(offset)).bytes(data).buf
}
