// Package flasher implements the EC firmware update engine: it rewrites
// the EC's flash over a narrow command channel while the EC is executing
// from that same flash, driving the EC through reboots so every firmware
// copy eventually becomes writable.
package flasher

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/ecflash/internal/protocol"
)

// Channel is the command transport the engine drives. Command sends one
// request and blocks for the response; err reports transport failures
// (fatal), status carries the EC's verdict.
type Channel interface {
	Command(op protocol.Opcode, params []byte, respSize int) ([]byte, protocol.Status, error)
}

// Geometry describes the EC flash as reported by the flash-info command.
type Geometry struct {
	FlashSize        uint32
	WriteBlockSize   uint32
	EraseBlockSize   uint32
	ProtectBlockSize uint32
}

// settleDelay is how long the EC needs to reinitialize after a reboot
// command before it will answer anything. Always waited, even when the
// reboot command itself reports failure. Var only so tests can shorten it.
var settleDelay = time.Second

// checksumRetryDelay separates verification retries of the same chunk.
const checksumRetryDelay = time.Millisecond

// copyState tracks one firmware copy's range within the candidate image
// and whether that copy is a valid post-update boot target.
type copyState struct {
	offset uint32
	size   uint32
	fresh  bool
}

// Flasher owns one firmware update session against one EC. It is not
// safe for concurrent use and must not be shared between sessions:
// create a new Flasher per update.
type Flasher struct {
	ch  Channel
	cfg config

	geom     Geometry
	detected bool

	// copies is indexed by protocol.Region. The RegionUnknown slot is
	// never populated and never fresh.
	copies [4]copyState

	// needSecondPass is set when an erase or write was refused because
	// it targeted the executing copy; the whole image must be swept
	// again after jumping elsewhere.
	needSecondPass bool

	// attemptLatestBoot is set once any erase or write succeeded, so
	// Finish knows an update happened and tries to boot the result.
	attemptLatestBoot bool
}

// New creates a Flasher on a command channel. Call Probe before any
// flash operation.
func New(ch Channel, opts ...Option) *Flasher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Flasher{ch: ch, cfg: cfg}
}

// Probe queries the EC flash geometry and marks the device detected.
func (f *Flasher) Probe() (Geometry, error) {
	data, status, err := f.ch.Command(protocol.CmdFlashInfo, nil, protocol.FlashInfoSize)
	if err != nil {
		return Geometry{}, fmt.Errorf("flash info: %w", err)
	}
	if status != protocol.StatusSuccess {
		return Geometry{}, fmt.Errorf("flash info: %v", status)
	}

	info, err := protocol.ParseFlashInfo(data)
	if err != nil {
		return Geometry{}, err
	}

	f.geom = Geometry(info)
	f.detected = true
	glog.V(1).Infof("EC flash: %d KB, erase block %d, write block %d",
		f.geom.FlashSize/1024, f.geom.EraseBlockSize, f.geom.WriteBlockSize)
	return f.geom, nil
}

// Geometry returns the probed flash geometry.
func (f *Flasher) Geometry() Geometry { return f.geom }

// Detected reports whether Probe has succeeded.
func (f *Flasher) Detected() bool { return f.detected }

// Prepare resolves the firmware copy ranges from the candidate image and
// jumps the EC to RO so both RW copies stop executing and become
// writable. No-op when no device was detected. An image without a
// section layout is not an error: no copy is then a valid jump target.
func (f *Flasher) Prepare(image []byte) error {
	if !f.detected {
		return nil
	}

	areas, err := f.cfg.findSections(image)
	if err != nil {
		glog.V(1).Infof("no section layout in image: %v", err)
		return nil
	}

	for r := protocol.RegionRO; r <= protocol.RegionRWB; r++ {
		for _, a := range areas {
			if a.Name == r.SectionName() {
				glog.V(1).Infof("found %q in image", a.Name)
				f.copies[r] = copyState{offset: a.Offset, size: a.Size, fresh: true}
			}
		}
	}

	// Finish assumes the update ran from RO; keep both in sync.
	return f.jumpTo(protocol.RegionRO)
}

// invalidate marks every firmware copy overlapping [addr, addr+size) as
// stale. A partial overlap taints the whole copy: partially rewritten
// firmware is not bootable.
func (f *Flasher) invalidate(addr, size uint32) {
	for r := protocol.RegionRO; r <= protocol.RegionRWB; r++ {
		c := &f.copies[r]
		if c.size == 0 {
			continue
		}
		if addr < c.offset+c.size && c.offset < addr+size {
			if c.fresh {
				glog.V(1).Infof("marking firmware copy %s as stale", r)
			}
			c.fresh = false
		}
	}
}

// jumpTo asks the EC to reboot into a firmware copy. RegionUnknown means
// "pick one": the first fresh copy in RO, RW-A, RW-B order; with none
// fresh it fails without touching the hardware. An explicit target is
// used as-is regardless of freshness. The post-reboot settle delay runs
// whether or not the command succeeds, since the EC may already be
// resetting.
func (f *Flasher) jumpTo(target protocol.Region) error {
	if target == protocol.RegionUnknown {
		for _, r := range []protocol.Region{protocol.RegionRO, protocol.RegionRWA, protocol.RegionRWB} {
			if f.copies[r].fresh {
				target = r
				break
			}
		}
		if target == protocol.RegionUnknown {
			return ErrNoBootableCopy
		}
	}

	glog.V(1).Infof("jumping to %s", target)
	_, status, err := f.ch.Command(protocol.CmdRebootEC, protocol.RebootParams(target, 0), 0)

	var jumpErr error
	switch {
	case err != nil:
		jumpErr = fmt.Errorf("%w: %s: %v", ErrJumpFailed, target, err)
	case status != protocol.StatusSuccess:
		jumpErr = fmt.Errorf("%w: %s: %v", ErrJumpFailed, target, status)
	}
	if jumpErr != nil {
		glog.Errorf("cannot jump to %s", target)
	}

	time.Sleep(settleDelay)
	return jumpErr
}

// verifyRange compares the EC's checksum for [addr, addr+size) against a
// locally computed expectation. A transport or command failure is fatal;
// a plain mismatch is not.
func (f *Flasher) verifyRange(expected byte, addr, size uint32) (bool, error) {
	data, status, err := f.ch.Command(protocol.CmdFlashChecksum, protocol.ChecksumParams(addr, size), 1)
	if err != nil {
		return false, fmt.Errorf("flash checksum at %#x: %w", addr, err)
	}
	if status != protocol.StatusSuccess {
		return false, fmt.Errorf("flash checksum at %#x: %v", addr, status)
	}
	got, err := protocol.ParseChecksum(data)
	if err != nil {
		return false, err
	}
	if got != expected {
		glog.V(1).Infof("checksum mismatch at %#x (ec: %#02x, local: %#02x)", addr, got, expected)
		return false, nil
	}
	return true, nil
}

// Read reads [addr, addr+size) in transport-sized chunks. Reads never
// conflict with the executing copy, so any non-success status is fatal.
// With verification enabled a mismatching chunk is re-read in place.
func (f *Flasher) Read(addr, size uint32) ([]byte, error) {
	out := make([]byte, 0, size)
	retries := 0

	for done := uint32(0); done < size; {
		n := min(size-done, protocol.MaxReadChunk)
		data, status, err := f.ch.Command(protocol.CmdFlashRead, protocol.FlashReadParams(addr+done, n), int(n))
		if err != nil {
			return nil, fmt.Errorf("flash read at %#x: %w", addr+done, err)
		}
		if status != protocol.StatusSuccess {
			return nil, fmt.Errorf("flash read at %#x: %v", addr+done, status)
		}
		chunk := data[:n]

		if f.cfg.verify {
			ok, err := f.verifyRange(protocol.Checksum(chunk), addr+done, n)
			if err != nil {
				return nil, err
			}
			if !ok {
				retries++
				if retries > f.cfg.checksumRetries {
					return nil, fmt.Errorf("flash read at %#x: %w", addr+done, ErrChecksumMismatch)
				}
				glog.V(1).Infof("re-reading %#x", addr+done)
				time.Sleep(checksumRetryDelay)
				continue
			}
			retries = 0
		}

		out = append(out, chunk...)
		done += n
	}

	return out, nil
}

// Erase erases [addr, addr+size) with a single command. A refusal for
// overlapping the executing copy invalidates the affected copies, flags
// the second pass and returns ErrAccessDenied; the caller continues with
// other blocks. With verification enabled the range must read back blank
// or the erase is retried whole.
func (f *Flasher) Erase(addr, size uint32) error {
	for attempt := 0; ; attempt++ {
		_, status, err := f.ch.Command(protocol.CmdFlashErase, protocol.FlashEraseParams(addr, size), 0)
		if err != nil {
			return fmt.Errorf("flash erase at %#x: %w", addr, err)
		}
		switch status {
		case protocol.StatusAccessDenied:
			f.invalidate(addr, size)
			f.needSecondPass = true
			return ErrAccessDenied
		case protocol.StatusSuccess:
		default:
			return fmt.Errorf("flash erase at %#x: %v", addr, status)
		}

		if f.cfg.verify {
			ok, err := f.verifyRange(protocol.BlankChecksum(size), addr, size)
			if err != nil {
				return err
			}
			if !ok {
				if attempt >= f.cfg.checksumRetries {
					return fmt.Errorf("flash erase at %#x: %w", addr, ErrChecksumMismatch)
				}
				glog.V(1).Infof("re-erasing %#x", addr)
				time.Sleep(checksumRetryDelay)
				continue
			}
		}

		f.attemptLatestBoot = true
		return nil
	}
}

// Write writes buf at addr in transport-sized chunks. A refused chunk
// invalidates every copy the call has touched up to and including it,
// flags the second pass and aborts with ErrAccessDenied. Other failures
// stop the chunk loop without rolling back what was already written.
func (f *Flasher) Write(addr uint32, buf []byte) error {
	var opErr error
	wroteAny := false
	retries := 0
	size := uint32(len(buf))

	for done := uint32(0); done < size; {
		n := min(size-done, protocol.MaxWriteChunk)
		chunk := buf[done : done+n]

		params, err := protocol.FlashWriteParams(addr+done, chunk)
		if err != nil {
			return err
		}
		_, status, err := f.ch.Command(protocol.CmdFlashWrite, params, 0)
		if err != nil {
			opErr = fmt.Errorf("flash write at %#x: %w", addr+done, err)
			break
		}
		if status == protocol.StatusAccessDenied {
			f.invalidate(addr, done+n)
			f.needSecondPass = true
			return ErrAccessDenied
		}
		if status != protocol.StatusSuccess {
			opErr = fmt.Errorf("flash write at %#x: %v", addr+done, status)
			break
		}

		if f.cfg.verify {
			ok, err := f.verifyRange(protocol.Checksum(chunk), addr+done, n)
			if err != nil {
				opErr = err
				break
			}
			if !ok {
				retries++
				if retries > f.cfg.checksumRetries {
					opErr = fmt.Errorf("flash write at %#x: %w", addr+done, ErrChecksumMismatch)
					break
				}
				glog.V(1).Infof("re-writing %#x", addr+done)
				time.Sleep(checksumRetryDelay)
				continue
			}
			retries = 0
		}

		wroteAny = true
		done += n
	}

	if wroteAny {
		f.attemptLatestBoot = true
	}
	return opErr
}

// PassVerdict is the outcome of NeedSecondPass.
type PassVerdict int

const (
	// PassDone: no erase or write was refused; the update loop is
	// finished.
	PassDone PassVerdict = iota
	// PassSecondRequired: at least one block was refused and the EC has
	// been moved to a fresh copy; the caller must sweep the whole image
	// again.
	PassSecondRequired
	// PassNoBootableCopy: a second pass is needed but no fresh copy can
	// be jumped to. Unrecoverable: the device may be unable to finish
	// the update.
	PassNoBootableCopy
)

func (v PassVerdict) String() string {
	switch v {
	case PassDone:
		return "done"
	case PassSecondRequired:
		return "second pass required"
	case PassNoBootableCopy:
		return "no bootable copy"
	default:
		return fmt.Sprintf("verdict %d", int(v))
	}
}

// NeedSecondPass is called after each erase/write sweep. If any block
// was refused it moves the EC to a fresh copy, freeing the previously
// executing one, and asks for another sweep. The refusal flag is
// consumed once the jump succeeds, so a clean follow-up sweep reports
// PassDone; a refused one re-arms it.
func (f *Flasher) NeedSecondPass() (PassVerdict, error) {
	if !f.detected || !f.needSecondPass {
		return PassDone, nil
	}

	if err := f.jumpTo(protocol.RegionUnknown); err != nil {
		if errors.Is(err, ErrNoBootableCopy) {
			return PassNoBootableCopy, err
		}
		return PassNoBootableCopy, fmt.Errorf("cannot arrange second pass: %w", err)
	}

	f.needSecondPass = false
	return PassSecondRequired, nil
}

// Finish boots the newest firmware after an update: RW-B, then RW-A,
// trying each only if fresh, with RO as the unconditional last resort.
// No-op when nothing was erased or written this session.
func (f *Flasher) Finish() error {
	if !f.detected || !f.attemptLatestBoot {
		return nil
	}

	if f.copies[protocol.RegionRWB].fresh && f.jumpTo(protocol.RegionRWB) == nil {
		return nil
	}
	if f.copies[protocol.RegionRWA].fresh && f.jumpTo(protocol.RegionRWA) == nil {
		return nil
	}
	return f.jumpTo(protocol.RegionRO)
}
