package hub

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"hubgo/internal/domain"
)

func TestEncodeMessageLayout(t *testing.T) {
	payload := EncodeMessage(Message{Opcode: OpBeginUpload, ID: 0x2A, Body: []byte{0x01, 0x02}})

	want := []byte{0x10, 0x2A, 0x01, 0x02}
	if !bytes.Equal(payload, want) {
		t.Fatalf("encoded message = % X, want % X", payload, want)
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage() error: %v", err)
	}
	if msg.Opcode != OpBeginUpload || msg.ID != 0x2A || !bytes.Equal(msg.Body, []byte{0x01, 0x02}) {
		t.Fatalf("decoded message = %+v", msg)
	}
}

func TestDecodeMessageTooShort(t *testing.T) {
	if _, err := DecodeMessage([]byte{0x01}); err == nil {
		t.Fatal("expected error for one-byte payload")
	}
}

func TestSplitResponse(t *testing.T) {
	tests := []struct {
		name       string
		msg        Message
		wantStatus Status
		wantBody   []byte
		wantErr    bool
	}{
		{
			name:       "ok with body",
			msg:        Message{Opcode: OpListSlots | responseFlag, ID: 1, Body: []byte{0x00, 0x03}},
			wantStatus: StatusOK,
			wantBody:   []byte{0x03},
		},
		{
			name:       "device rejection",
			msg:        Message{Opcode: OpUninstall | responseFlag, ID: 7, Body: []byte{0x04}},
			wantStatus: StatusSlotEmpty,
			wantBody:   []byte{},
		},
		{
			name:    "not a response",
			msg:     Message{Opcode: OpListSlots, ID: 1, Body: []byte{0x00}},
			wantErr: true,
		},
		{
			name:    "missing status byte",
			msg:     Message{Opcode: OpListSlots | responseFlag, ID: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body, err := SplitResponse(tt.msg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("SplitResponse() error: %v", err)
			}
			if status != tt.wantStatus {
				t.Fatalf("status = %v, want %v", status, tt.wantStatus)
			}
			if !bytes.Equal(body, tt.wantBody) {
				t.Fatalf("body = % X, want % X", body, tt.wantBody)
			}
		})
	}
}

func TestOpcodeClassification(t *testing.T) {
	if !OpSlotChanged.IsPush() {
		t.Fatal("slot-changed should classify as push")
	}
	if OpHandshake.IsPush() {
		t.Fatal("handshake should not classify as push")
	}
	if (OpSlotChanged | responseFlag).IsPush() {
		t.Fatal("response-flagged opcode should not classify as push")
	}

	resp := Message{Opcode: OpReadChunk | responseFlag}
	if !resp.IsResponse() {
		t.Fatal("flagged opcode should classify as response")
	}
	if resp.RequestOpcode() != OpReadChunk {
		t.Fatalf("RequestOpcode() = %v, want %v", resp.RequestOpcode(), OpReadChunk)
	}
}

func TestHandshakeExchange(t *testing.T) {
	req := BuildHandshake(MaxProtocolVersion)
	if !bytes.Equal(req, []byte{MaxProtocolVersion}) {
		t.Fatalf("handshake request = % X", req)
	}

	maxProto, err := ParseHandshake(req)
	if err != nil {
		t.Fatalf("ParseHandshake() error: %v", err)
	}
	if maxProto != MaxProtocolVersion {
		t.Fatalf("maxProto = %d, want %d", maxProto, MaxProtocolVersion)
	}

	want := HandshakeInfo{
		Protocol:   2,
		SlotCount:  20,
		MaxChunk:   512,
		Firmware:   "3.4.1",
		DeviceName: "classroom-hub",
	}
	got, err := ParseHandshakeResponse(BuildHandshakeResponse(want))
	if err != nil {
		t.Fatalf("ParseHandshakeResponse() error: %v", err)
	}
	if got != want {
		t.Fatalf("handshake info = %+v, want %+v", got, want)
	}
}

func TestParseHandshakeResponseRejects(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"truncated", []byte{0x02, 0x14}},
		{"zero slots", BuildHandshakeResponse(HandshakeInfo{Protocol: 1, SlotCount: 0, MaxChunk: 256})},
		{"zero chunk", BuildHandshakeResponse(HandshakeInfo{Protocol: 1, SlotCount: 4, MaxChunk: 0})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHandshakeResponse(tt.body); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestListSlotsResponseRoundTrip(t *testing.T) {
	modified := time.UnixMilli(1755000000000)
	occupied := []domain.Slot{
		{Index: 0, State: domain.SlotStateOccupied, ProgramID: 0xDEADBEEF, Name: "line-follower", Type: domain.ProgramTypePython, Size: 4096, ModifiedAt: modified},
		{Index: 7, State: domain.SlotStateOccupied, ProgramID: 17, Name: "dance", Type: domain.ProgramTypeScratch, Size: 123, ModifiedAt: modified},
	}

	body, err := BuildListSlotsResponse(occupied)
	if err != nil {
		t.Fatalf("BuildListSlotsResponse() error: %v", err)
	}
	if body[0] != 2 {
		t.Fatalf("count byte = %d, want 2", body[0])
	}

	slots, err := ParseListSlotsResponse(body)
	if err != nil {
		t.Fatalf("ParseListSlotsResponse() error: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("len(slots) = %d, want 2", len(slots))
	}
	for i := range occupied {
		if !slots[i].ModifiedAt.Equal(occupied[i].ModifiedAt) {
			t.Fatalf("slot %d modified = %v, want %v", i, slots[i].ModifiedAt, occupied[i].ModifiedAt)
		}
		slots[i].ModifiedAt = occupied[i].ModifiedAt
		if slots[i] != occupied[i] {
			t.Fatalf("slot %d = %+v, want %+v", i, slots[i], occupied[i])
		}
	}
}

func TestParseListSlotsResponseTruncatedEntry(t *testing.T) {
	body, err := BuildListSlotsResponse([]domain.Slot{
		{Index: 1, State: domain.SlotStateOccupied, Name: "x", Type: domain.ProgramTypePython, Size: 10, ModifiedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("BuildListSlotsResponse() error: %v", err)
	}

	if _, err := ParseListSlotsResponse(body[:len(body)-3]); err == nil {
		t.Fatal("expected error for truncated entry")
	}
}

func TestSlotInfoResponse(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		body, err := BuildSlotInfoResponse(domain.Slot{Index: 5, State: domain.SlotStateEmpty})
		if err != nil {
			t.Fatalf("BuildSlotInfoResponse() error: %v", err)
		}
		if !bytes.Equal(body, []byte{0x05, wireSlotEmpty}) {
			t.Fatalf("body = % X", body)
		}

		slot, err := ParseSlotInfoResponse(body)
		if err != nil {
			t.Fatalf("ParseSlotInfoResponse() error: %v", err)
		}
		if slot.Index != 5 || slot.State != domain.SlotStateEmpty {
			t.Fatalf("slot = %+v", slot)
		}
	})

	t.Run("occupied", func(t *testing.T) {
		want := domain.Slot{
			Index:      3,
			State:      domain.SlotStateOccupied,
			ProgramID:  99,
			Name:       "sorter",
			Type:       domain.ProgramTypePython,
			Size:       2048,
			ModifiedAt: time.UnixMilli(1755000000000),
		}
		body, err := BuildSlotInfoResponse(want)
		if err != nil {
			t.Fatalf("BuildSlotInfoResponse() error: %v", err)
		}

		got, err := ParseSlotInfoResponse(body)
		if err != nil {
			t.Fatalf("ParseSlotInfoResponse() error: %v", err)
		}
		if !got.ModifiedAt.Equal(want.ModifiedAt) {
			t.Fatalf("modified = %v, want %v", got.ModifiedAt, want.ModifiedAt)
		}
		got.ModifiedAt = want.ModifiedAt
		if got != want {
			t.Fatalf("slot = %+v, want %+v", got, want)
		}
	})

	t.Run("index mismatch", func(t *testing.T) {
		inner, err := BuildSlotInfoResponse(domain.Slot{
			Index: 2, State: domain.SlotStateOccupied, Name: "x",
			Type: domain.ProgramTypePython, Size: 1, ModifiedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("BuildSlotInfoResponse() error: %v", err)
		}
		inner[0] = 9 // header disagrees with the embedded entry

		if _, err := ParseSlotInfoResponse(inner); err == nil {
			t.Fatal("expected index mismatch error")
		}
	})

	t.Run("unknown occupancy byte", func(t *testing.T) {
		if _, err := ParseSlotInfoResponse([]byte{0x01, 0x77}); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestBeginUploadRequest(t *testing.T) {
	body, err := BuildBeginUpload(3, domain.ProgramTypePython, 1000, "main")
	if err != nil {
		t.Fatalf("BuildBeginUpload() error: %v", err)
	}
	want := []byte{0x03, wireProgramTypePython, 0x00, 0x00, 0x03, 0xE8, 0x04, 'm', 'a', 'i', 'n'}
	if !bytes.Equal(body, want) {
		t.Fatalf("body = % X, want % X", body, want)
	}

	req, err := ParseBeginUpload(body)
	if err != nil {
		t.Fatalf("ParseBeginUpload() error: %v", err)
	}
	if req.Slot != 3 || req.Type != domain.ProgramTypePython || req.Total != 1000 || req.Name != "main" {
		t.Fatalf("request = %+v", req)
	}
}

func TestBuildBeginUploadRejects(t *testing.T) {
	if _, err := BuildBeginUpload(0, domain.ProgramType(99), 10, "x"); err == nil {
		t.Fatal("expected error for unknown program type")
	}
	if _, err := BuildBeginUpload(0, domain.ProgramTypePython, 10, strings.Repeat("n", 256)); err == nil {
		t.Fatal("expected error for over-long name")
	}
}

func TestUploadChunkExchange(t *testing.T) {
	body := BuildUploadChunk(0x0102, []byte{0xAA, 0xBB})
	want := []byte{0x00, 0x00, 0x01, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(body, want) {
		t.Fatalf("body = % X, want % X", body, want)
	}

	offset, data, err := ParseUploadChunk(body)
	if err != nil {
		t.Fatalf("ParseUploadChunk() error: %v", err)
	}
	if offset != 0x0102 || !bytes.Equal(data, []byte{0xAA, 0xBB}) {
		t.Fatalf("offset = %d, data = % X", offset, data)
	}

	received, err := ParseUploadChunkResponse(BuildUploadChunkResponse(260))
	if err != nil {
		t.Fatalf("ParseUploadChunkResponse() error: %v", err)
	}
	if received != 260 {
		t.Fatalf("received = %d, want 260", received)
	}
}

func TestCommitUploadExchange(t *testing.T) {
	crc, err := ParseCommitUpload(BuildCommitUpload(0xCAFEBABE))
	if err != nil {
		t.Fatalf("ParseCommitUpload() error: %v", err)
	}
	if crc != 0xCAFEBABE {
		t.Fatalf("crc = 0x%08X", crc)
	}

	want := CommitResult{ProgramID: 41, ModifiedAt: time.UnixMilli(1755000000000)}
	got, err := ParseCommitUploadResponse(BuildCommitUploadResponse(want))
	if err != nil {
		t.Fatalf("ParseCommitUploadResponse() error: %v", err)
	}
	if got.ProgramID != want.ProgramID || !got.ModifiedAt.Equal(want.ModifiedAt) {
		t.Fatalf("result = %+v, want %+v", got, want)
	}
}

func TestBeginDownloadExchange(t *testing.T) {
	want := DownloadPlan{Type: domain.ProgramTypeScratch, Total: 70000, CRC: 0x1234ABCD, ChunkSize: 512}
	body, err := BuildBeginDownloadResponse(want)
	if err != nil {
		t.Fatalf("BuildBeginDownloadResponse() error: %v", err)
	}

	got, err := ParseBeginDownloadResponse(body)
	if err != nil {
		t.Fatalf("ParseBeginDownloadResponse() error: %v", err)
	}
	if got != want {
		t.Fatalf("plan = %+v, want %+v", got, want)
	}

	if _, err := ParseBeginDownloadResponse(body[:3]); err == nil {
		t.Fatal("expected error for truncated plan")
	}
}

func TestReadChunkExchange(t *testing.T) {
	req := BuildReadChunk(512, 256)
	want := []byte{0x00, 0x00, 0x02, 0x00, 0x01, 0x00}
	if !bytes.Equal(req, want) {
		t.Fatalf("request = % X, want % X", req, want)
	}

	offset, maxLen, err := ParseReadChunkRequest(req)
	if err != nil {
		t.Fatalf("ParseReadChunkRequest() error: %v", err)
	}
	if offset != 512 || maxLen != 256 {
		t.Fatalf("offset = %d, maxLen = %d", offset, maxLen)
	}

	echo, data, err := ParseReadChunkResponse(BuildReadChunkResponse(512, []byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("ParseReadChunkResponse() error: %v", err)
	}
	if echo != 512 || !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Fatalf("echo = %d, data = % X", echo, data)
	}
}

func TestSlotChangedPushRoundTrip(t *testing.T) {
	slot, err := ParseSlotChangedPush(BuildSlotChangedPush(12))
	if err != nil {
		t.Fatalf("ParseSlotChangedPush() error: %v", err)
	}
	if slot != 12 {
		t.Fatalf("slot = %d, want 12", slot)
	}

	if _, err := ParseSlotChangedPush(nil); err == nil {
		t.Fatal("expected error for empty push body")
	}
}

func TestDeviceErrorFromStatus(t *testing.T) {
	err := error(&DeviceError{Op: OpBeginUpload, Code: StatusNoSpace})
	if !IsDeviceStatus(err, StatusNoSpace) {
		t.Fatal("IsDeviceStatus should match the wrapped code")
	}
	if IsDeviceStatus(err, StatusBusy) {
		t.Fatal("IsDeviceStatus matched the wrong code")
	}
	if IsDeviceStatus(errors.New("plain"), StatusBusy) {
		t.Fatal("IsDeviceStatus matched a non-device error")
	}
}
