package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hubgo/internal/bus"
	"hubgo/internal/domain"
	"hubgo/internal/events"
)

const (
	// maxTransferStalls bounds how many consecutive exchanges may complete
	// without moving the offset forward before the transfer is abandoned.
	maxTransferStalls = 3

	cancelGraceTimeout = 2 * time.Second
)

const (
	transferPhaseStarting     = "starting"
	transferPhaseTransferring = "transferring"
	transferPhaseCommitting   = "committing"
	transferPhaseVerifying    = "verifying"
	transferPhaseDone         = "done"
	transferPhaseFailed       = "failed"
)

// TransferEngine moves whole program images over the session's chunked
// upload/download operations and keeps the slot registry in step with
// what it changed.
type TransferEngine struct {
	logger   *slog.Logger
	bus      bus.MessageBus
	sess     *Session
	registry *SlotRegistry

	// started stamps the current transfer; the client facade guarantees
	// only one runs at a time.
	started time.Time
}

func NewTransferEngine(logger *slog.Logger, b bus.MessageBus, sess *Session, registry *SlotRegistry) *TransferEngine {
	return &TransferEngine{
		logger:   logger,
		bus:      b,
		sess:     sess,
		registry: registry,
	}
}

// Install writes a program into a slot. The device acknowledges each
// chunk with its received high-water mark; the loop resends from that
// mark whenever it disagrees with our own, so a retransmitted chunk the
// device already holds is simply skipped past.
func (e *TransferEngine) Install(ctx context.Context, slot int, prog domain.Program) (domain.Slot, error) {
	if len(prog.Data) == 0 {
		return domain.Slot{}, errors.New("program data is empty")
	}
	if prog.Type != domain.ProgramTypePython && prog.Type != domain.ProgramTypeScratch {
		return domain.Slot{}, fmt.Errorf("unknown program type %q", prog.Type)
	}

	total := len(prog.Data)
	e.started = time.Now()
	e.sess.SetBusy(true)
	defer e.sess.SetBusy(false)
	e.publish(events.TransferInstall, slot, prog.Name, transferPhaseStarting, 0, total, false, nil)

	moved, err := e.install(ctx, slot, prog)
	if err != nil {
		e.abort(err)
		e.publish(events.TransferInstall, slot, prog.Name, transferPhaseFailed, moved, total, true, err)
		var rejected *TransferRejectedError
		if errors.As(err, &rejected) {
			return domain.Slot{}, rejected
		}
		// The device may or may not hold a partial image now; force a
		// refresh before trusting this slot again.
		e.registry.MarkStale(slot)
		return domain.Slot{}, &TransferIncompleteError{
			Direction: string(events.TransferInstall),
			Slot:      slot,
			Moved:     moved,
			Total:     total,
			Err:       err,
		}
	}

	installed, _ := e.registry.Slot(slot)
	e.publish(events.TransferInstall, slot, prog.Name, transferPhaseDone, total, total, true, nil)
	e.logger.Info("program installed", "slot", slot, "name", prog.Name, "bytes", total)

	return installed, nil
}

func (e *TransferEngine) install(ctx context.Context, slot int, prog domain.Program) (int, error) {
	total := len(prog.Data)
	plan, err := e.sess.BeginUpload(ctx, slot, prog.Type, total, prog.Name)
	if err != nil {
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			return 0, &TransferRejectedError{Direction: string(events.TransferInstall), Slot: slot, Reason: devErr}
		}
		return 0, err
	}
	chunk, err := e.usableChunk(plan.ChunkSize)
	if err != nil {
		return 0, err
	}
	e.logger.Debug("upload accepted", "slot", slot, "chunk", chunk, "total", total)

	offset := 0
	stalls := 0
	for offset < total {
		end := offset + chunk
		if end > total {
			end = total
		}
		received, err := e.sess.UploadChunk(ctx, offset, prog.Data[offset:end])
		if err != nil {
			return offset, err
		}
		if received > total {
			return offset, fmt.Errorf("device acknowledged %d bytes of a %d byte program", received, total)
		}

		if received <= offset {
			stalls++
			if stalls >= maxTransferStalls {
				return offset, fmt.Errorf("upload stalled at offset %d", offset)
			}
			e.logger.Warn("device behind on upload, rewinding", "sent_to", end, "device_has", received)
		} else {
			stalls = 0
		}
		offset = received
		e.publish(events.TransferInstall, slot, prog.Name, transferPhaseTransferring, offset, total, false, nil)
	}

	e.publish(events.TransferInstall, slot, prog.Name, transferPhaseCommitting, total, total, false, nil)
	result, err := e.sess.CommitUpload(ctx, ImageChecksum(prog.Data))
	if err != nil {
		return total, err
	}

	e.registry.Apply(domain.Slot{
		Index:      slot,
		State:      domain.SlotStateOccupied,
		ProgramID:  result.ProgramID,
		Name:       prog.Name,
		Type:       prog.Type,
		Size:       total,
		ModifiedAt: result.ModifiedAt,
	})

	return total, nil
}

// Extract reads a program image back out of a slot and verifies it
// against the checksum announced at download start.
func (e *TransferEngine) Extract(ctx context.Context, slot int) (domain.Program, error) {
	e.started = time.Now()
	name := e.slotName(ctx, slot)

	e.sess.SetBusy(true)
	defer e.sess.SetBusy(false)
	e.publish(events.TransferExtract, slot, name, transferPhaseStarting, 0, 0, false, nil)

	prog, moved, total, err := e.extract(ctx, slot, name)
	if err != nil {
		e.abort(err)
		e.publish(events.TransferExtract, slot, name, transferPhaseFailed, moved, total, true, err)
		var rejected *TransferRejectedError
		if errors.As(err, &rejected) {
			return domain.Program{}, rejected
		}
		e.registry.MarkStale(slot)
		return domain.Program{}, &TransferIncompleteError{
			Direction: string(events.TransferExtract),
			Slot:      slot,
			Moved:     moved,
			Total:     total,
			Err:       err,
		}
	}

	e.publish(events.TransferExtract, slot, name, transferPhaseDone, total, total, true, nil)
	e.logger.Info("program extracted", "slot", slot, "name", prog.Name, "bytes", total)

	return prog, nil
}

func (e *TransferEngine) extract(ctx context.Context, slot int, name string) (domain.Program, int, int, error) {
	plan, err := e.sess.BeginDownload(ctx, slot)
	if err != nil {
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			return domain.Program{}, 0, 0, &TransferRejectedError{Direction: string(events.TransferExtract), Slot: slot, Reason: devErr}
		}
		return domain.Program{}, 0, 0, err
	}
	chunk, err := e.usableChunk(plan.ChunkSize)
	if err != nil {
		return domain.Program{}, 0, 0, err
	}
	total := plan.Total
	e.logger.Debug("download accepted", "slot", slot, "chunk", chunk, "total", total)

	data := make([]byte, 0, total)
	offset := 0
	stalls := 0
	for offset < total {
		want := chunk
		if remaining := total - offset; remaining < want {
			want = remaining
		}
		echo, piece, err := e.sess.ReadChunk(ctx, offset, want)
		if err != nil {
			return domain.Program{}, offset, total, err
		}

		// A response for a previous offset means the device served a
		// duplicate of an earlier request; ask again.
		if echo != offset {
			stalls++
			if stalls >= maxTransferStalls {
				return domain.Program{}, offset, total, fmt.Errorf("download stalled at offset %d", offset)
			}
			e.logger.Warn("device behind on download, re-requesting", "want", offset, "got", echo)
			continue
		}
		if len(piece) == 0 {
			return domain.Program{}, offset, total, fmt.Errorf("device returned empty chunk at offset %d", offset)
		}
		if offset+len(piece) > total {
			return domain.Program{}, offset, total, fmt.Errorf("device returned %d bytes past program end", offset+len(piece)-total)
		}

		stalls = 0
		data = append(data, piece...)
		offset += len(piece)
		e.publish(events.TransferExtract, slot, name, transferPhaseTransferring, offset, total, false, nil)
	}

	e.publish(events.TransferExtract, slot, name, transferPhaseVerifying, total, total, false, nil)
	if got := ImageChecksum(data); got != plan.CRC {
		return domain.Program{}, total, total, fmt.Errorf("%w: crc 0x%08x, want 0x%08x", ErrImageCorrupt, got, plan.CRC)
	}

	return domain.Program{Name: name, Type: plan.Type, Data: data}, total, total, nil
}

// slotName recovers the program name for status events; the download
// operations themselves do not carry it.
func (e *TransferEngine) slotName(ctx context.Context, slot int) string {
	if cached, ok := e.registry.Slot(slot); ok && cached.State == domain.SlotStateOccupied {
		return cached.Name
	}
	info, err := e.sess.SlotInfo(ctx, slot)
	if err != nil || info.State != domain.SlotStateOccupied {
		return ""
	}
	e.registry.Apply(info)

	return info.Name
}

// abort tells the device to drop a half-open transfer. Skipped when the
// link itself is gone or the transfer never started.
func (e *TransferEngine) abort(cause error) {
	if errors.Is(cause, ErrDisconnected) || e.sess.State() == events.ConnectionStateDisconnected {
		return
	}
	var rejected *TransferRejectedError
	if errors.As(cause, &rejected) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cancelGraceTimeout)
	defer cancel()
	if err := e.sess.CancelTransfer(ctx); err != nil && !IsDeviceStatus(err, StatusNoTransfer) {
		e.logger.Warn("cancel transfer failed", "error", err)
	}
}

func (e *TransferEngine) usableChunk(offered int) (int, error) {
	if offered <= 0 {
		return 0, fmt.Errorf("device offered invalid chunk size %d", offered)
	}
	limit := e.sess.ChunkCap()
	if limit > 0 && offered > limit {
		e.logger.Warn("device offered chunk above negotiated limit, clamping", "offered", offered, "limit", limit)
		offered = limit
	}

	return offered, nil
}

func (e *TransferEngine) publish(dir events.TransferDirection, slot int, name, phase string, moved, total int, done bool, err error) {
	status := events.TransferStatus{
		Direction:   dir,
		Target:      e.sess.Target(),
		Slot:        slot,
		ProgramName: name,
		Phase:       phase,
		BytesMoved:  moved,
		BytesTotal:  total,
		Done:        done,
		Elapsed:     time.Since(e.started),
		Timestamp:   time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	e.bus.Publish(events.TopicTransferStatus, status)
}
