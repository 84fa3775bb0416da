package flasher

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/bigbag/ecflash/internal/fmap"
	"github.com/bigbag/ecflash/internal/protocol"
)

func TestMain(m *testing.M) {
	// The post-jump settle delay is a hardware requirement, not
	// something the fake EC needs.
	settleDelay = 0
	os.Exit(m.Run())
}

const (
	roOffset  = 0x00000
	rwaOffset = 0x08000
	rwbOffset = 0x10000
	copySize  = 0x8000
	flashSize = 0x20000
)

// fakeEC emulates the device side of the command channel: a flash
// array, a notion of which copy is executing, and the access-denied
// rule for erase/write against that copy.
type fakeEC struct {
	flash     []byte
	executing protocol.Region

	// ranges of each copy on the device, for access-denied decisions
	layout map[protocol.Region][2]uint32

	reboots      []protocol.Region
	failJumps    map[protocol.Region]int // deny a jump target n times
	corruptReads int                     // corrupt the next n read responses

	readOps, writeOps, eraseOps int

	wpStart, wpSize uint32
	wpEnabled       bool
}

func newFakeEC() *fakeEC {
	ec := &fakeEC{
		flash:     make([]byte, flashSize),
		executing: protocol.RegionRO,
		layout: map[protocol.Region][2]uint32{
			protocol.RegionRO:  {roOffset, copySize},
			protocol.RegionRWA: {rwaOffset, copySize},
			protocol.RegionRWB: {rwbOffset, copySize},
		},
		failJumps: map[protocol.Region]int{},
	}
	for i := range ec.flash {
		ec.flash[i] = byte(i)
	}
	return ec
}

func (e *fakeEC) deniesRange(off, size uint32) bool {
	r, ok := e.layout[e.executing]
	if !ok {
		return false
	}
	return off < r[0]+r[1] && r[0] < off+size
}

func (e *fakeEC) Command(op protocol.Opcode, params []byte, respSize int) ([]byte, protocol.Status, error) {
	switch op {
	case protocol.CmdFlashInfo:
		resp := make([]byte, protocol.FlashInfoSize)
		binary.LittleEndian.PutUint32(resp[0:4], flashSize)
		binary.LittleEndian.PutUint32(resp[4:8], 64)
		binary.LittleEndian.PutUint32(resp[8:12], 0x1000)
		binary.LittleEndian.PutUint32(resp[12:16], 0x800)
		return resp, protocol.StatusSuccess, nil

	case protocol.CmdFlashRead:
		e.readOps++
		off := binary.LittleEndian.Uint32(params[0:4])
		size := binary.LittleEndian.Uint32(params[4:8])
		data := append([]byte(nil), e.flash[off:off+size]...)
		if e.corruptReads > 0 {
			e.corruptReads--
			data[0] ^= 0xFF
		}
		return data, protocol.StatusSuccess, nil

	case protocol.CmdFlashWrite:
		e.writeOps++
		off := binary.LittleEndian.Uint32(params[0:4])
		size := binary.LittleEndian.Uint32(params[4:8])
		if e.deniesRange(off, size) {
			return nil, protocol.StatusAccessDenied, nil
		}
		copy(e.flash[off:off+size], params[8:8+size])
		return nil, protocol.StatusSuccess, nil

	case protocol.CmdFlashErase:
		e.eraseOps++
		off := binary.LittleEndian.Uint32(params[0:4])
		size := binary.LittleEndian.Uint32(params[4:8])
		if e.deniesRange(off, size) {
			return nil, protocol.StatusAccessDenied, nil
		}
		for i := off; i < off+size; i++ {
			e.flash[i] = 0xFF
		}
		return nil, protocol.StatusSuccess, nil

	case protocol.CmdFlashChecksum:
		off := binary.LittleEndian.Uint32(params[0:4])
		size := binary.LittleEndian.Uint32(params[4:8])
		return []byte{protocol.Checksum(e.flash[off : off+size])}, protocol.StatusSuccess, nil

	case protocol.CmdRebootEC:
		target := protocol.Region(params[0])
		e.reboots = append(e.reboots, target)
		if e.failJumps[target] > 0 {
			e.failJumps[target]--
			return nil, protocol.StatusError, nil
		}
		e.executing = target
		return nil, protocol.StatusSuccess, nil

	case protocol.CmdWPSetRange:
		e.wpStart = binary.LittleEndian.Uint32(params[0:4])
		e.wpSize = binary.LittleEndian.Uint32(params[4:8])
		return nil, protocol.StatusSuccess, nil

	case protocol.CmdWPGetRange:
		resp := make([]byte, 8)
		binary.LittleEndian.PutUint32(resp[0:4], e.wpStart)
		binary.LittleEndian.PutUint32(resp[4:8], e.wpSize)
		return resp, protocol.StatusSuccess, nil

	case protocol.CmdWPEnable:
		e.wpEnabled = params[0] != 0
		return nil, protocol.StatusSuccess, nil

	case protocol.CmdWPGetState:
		state := byte(0)
		if e.wpEnabled {
			state = 1
		}
		return []byte{state}, protocol.StatusSuccess, nil
	}

	return nil, protocol.StatusInvalidCommand, nil
}

// testSections is the layout of a full image carrying all three copies.
var testSections = []fmap.Area{
	{Offset: roOffset, Size: copySize, Name: "RO_SECTION"},
	{Offset: rwaOffset, Size: copySize, Name: "RW_SECTION_A"},
	{Offset: rwbOffset, Size: copySize, Name: "RW_SECTION_B"},
}

func sectionFinder(areas []fmap.Area) SectionFinder {
	return func([]byte) ([]fmap.Area, error) { return areas, nil }
}

// newProbed creates a Flasher on the fake EC with the device detected.
func newProbed(t *testing.T, ec *fakeEC, opts ...Option) *Flasher {
	t.Helper()
	f := New(ec, opts...)
	if _, err := f.Probe(); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	return f
}

func freshCopies(f *Flasher, regions ...protocol.Region) {
	for _, r := range regions {
		off, size := uint32(0), uint32(copySize)
		switch r {
		case protocol.RegionRO:
			off = roOffset
		case protocol.RegionRWA:
			off = rwaOffset
		case protocol.RegionRWB:
			off = rwbOffset
		}
		f.copies[r] = copyState{offset: off, size: size, fresh: true}
	}
}

func TestProbe(t *testing.T) {
	ec := newFakeEC()
	f := New(ec)
	if f.Detected() {
		t.Error("Detected() true before Probe")
	}

	geom, err := f.Probe()
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if geom.FlashSize != flashSize || geom.EraseBlockSize != 0x1000 {
		t.Errorf("geometry = %+v", geom)
	}
	if !f.Detected() {
		t.Error("Detected() false after Probe")
	}
}

func TestInvalidate_OverlapSemantics(t *testing.T) {
	cases := []struct {
		name       string
		addr, size uint32
		stale      []protocol.Region
	}{
		{"inside one copy", rwaOffset + 0x1000, 0x1000, []protocol.Region{protocol.RegionRWA}},
		{"exact copy range", rwbOffset, copySize, []protocol.Region{protocol.RegionRWB}},
		{"straddles two copies", rwaOffset + copySize - 0x100, 0x200, []protocol.Region{protocol.RegionRWA, protocol.RegionRWB}},
		{"ends where copy starts", rwaOffset - 0x1000, 0x1000, nil},
		{"starts where copy ends", rwbOffset + copySize, 0x1000, nil},
		{"one byte into copy", rwaOffset + copySize - 1, 0x10, []protocol.Region{protocol.RegionRWA}},
		{"covers everything", 0, flashSize, []protocol.Region{protocol.RegionRO, protocol.RegionRWA, protocol.RegionRWB}},
	}

	for _, tc := range cases {
		f := newProbed(t, newFakeEC())
		freshCopies(f, protocol.RegionRO, protocol.RegionRWA, protocol.RegionRWB)

		f.invalidate(tc.addr, tc.size)

		for r := protocol.RegionRO; r <= protocol.RegionRWB; r++ {
			wantStale := false
			for _, s := range tc.stale {
				if s == r {
					wantStale = true
				}
			}
			if got := f.copies[r].fresh; got != !wantStale {
				t.Errorf("%s: copy %s fresh = %v, want %v", tc.name, r, got, !wantStale)
			}
		}
	}
}

func TestJumpTo_SentinelPriority(t *testing.T) {
	ec := newFakeEC()
	f := newProbed(t, ec)
	// RO and RW-B fresh, RW-A stale: the sentinel must pick RO.
	freshCopies(f, protocol.RegionRO, protocol.RegionRWB)

	if err := f.jumpTo(protocol.RegionUnknown); err != nil {
		t.Fatalf("jumpTo(sentinel) error = %v", err)
	}
	if len(ec.reboots) != 1 || ec.reboots[0] != protocol.RegionRO {
		t.Errorf("reboots = %v, want [RO]", ec.reboots)
	}
}

func TestJumpTo_NoBootableCopy(t *testing.T) {
	ec := newFakeEC()
	f := newProbed(t, ec)
	// Probe issues no reboot; nothing is fresh.
	rebootsBefore := len(ec.reboots)

	err := f.jumpTo(protocol.RegionUnknown)
	if !errors.Is(err, ErrNoBootableCopy) {
		t.Fatalf("jumpTo(sentinel) error = %v, want ErrNoBootableCopy", err)
	}
	if len(ec.reboots) != rebootsBefore {
		t.Errorf("hardware commands issued on NoBootableCopy: %v", ec.reboots)
	}
}

func TestJumpTo_ExplicitTargetIgnoresFreshness(t *testing.T) {
	ec := newFakeEC()
	f := newProbed(t, ec)
	// Nothing fresh, but the explicit form is used to force RO before
	// an update starts.
	if err := f.jumpTo(protocol.RegionRO); err != nil {
		t.Fatalf("jumpTo(RO) error = %v", err)
	}
	if ec.executing != protocol.RegionRO {
		t.Errorf("executing = %v, want RO", ec.executing)
	}
}

func TestJumpTo_FailedJumpStillSettles(t *testing.T) {
	ec := newFakeEC()
	ec.failJumps[protocol.RegionRWA] = 1
	f := newProbed(t, ec)

	err := f.jumpTo(protocol.RegionRWA)
	if !errors.Is(err, ErrJumpFailed) {
		t.Fatalf("jumpTo() error = %v, want ErrJumpFailed", err)
	}
	if len(ec.reboots) != 1 {
		t.Errorf("reboots = %v, want one attempt", ec.reboots)
	}
}

func TestPrepare_PopulatesAndJumpsRO(t *testing.T) {
	ec := newFakeEC()
	ec.executing = protocol.RegionRWA
	f := newProbed(t, ec, WithSectionFinder(sectionFinder(testSections)))

	if err := f.Prepare(nil); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	for r := protocol.RegionRO; r <= protocol.RegionRWB; r++ {
		if !f.copies[r].fresh {
			t.Errorf("copy %s not fresh after Prepare", r)
		}
	}
	if f.copies[protocol.RegionRWA].offset != rwaOffset {
		t.Errorf("RW-A offset = %#x, want %#x", f.copies[protocol.RegionRWA].offset, rwaOffset)
	}
	if ec.executing != protocol.RegionRO {
		t.Errorf("executing = %v, want RO after Prepare", ec.executing)
	}
}

func TestPrepare_DefaultFinderParsesFlashMap(t *testing.T) {
	// Real flash map bytes in the image, parsed by the default finder.
	image := make([]byte, 0x1000)
	m := buildWireMap(testSections)
	copy(image[0x200:], m)

	ec := newFakeEC()
	f := newProbed(t, ec)
	if err := f.Prepare(image); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !f.copies[protocol.RegionRWB].fresh {
		t.Error("RW-B not matched from embedded flash map")
	}
}

// buildWireMap assembles wire-format flash map bytes for the given areas.
func buildWireMap(areas []fmap.Area) []byte {
	const headerSize, areaSize, nameSize = 56, 42, 32
	buf := make([]byte, headerSize+len(areas)*areaSize)
	copy(buf[0:8], fmap.Signature)
	buf[8] = 1
	binary.LittleEndian.PutUint32(buf[18:22], flashSize)
	copy(buf[22:22+nameSize], "EC_FMAP")
	binary.LittleEndian.PutUint16(buf[54:56], uint16(len(areas)))
	for i, a := range areas {
		rec := buf[headerSize+i*areaSize:]
		binary.LittleEndian.PutUint32(rec[0:4], a.Offset)
		binary.LittleEndian.PutUint32(rec[4:8], a.Size)
		copy(rec[8:8+nameSize], a.Name)
	}
	return buf
}

func TestPrepare_MissingSectionStaysStale(t *testing.T) {
	ec := newFakeEC()
	f := newProbed(t, ec, WithSectionFinder(sectionFinder(testSections[:2]))) // RO + RW-A only

	if err := f.Prepare(nil); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	rwb := f.copies[protocol.RegionRWB]
	if rwb.fresh || rwb.offset != 0 || rwb.size != 0 {
		t.Errorf("RW-B = %+v, want zero range and stale", rwb)
	}

	// Finish must never attempt a jump to the unmatched RW-B.
	f.attemptLatestBoot = true
	ec.reboots = nil
	if err := f.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	for _, r := range ec.reboots {
		if r == protocol.RegionRWB {
			t.Errorf("Finish jumped to unmatched RW-B: %v", ec.reboots)
		}
	}
}

func TestPrepare_NotDetected(t *testing.T) {
	ec := newFakeEC()
	f := New(ec) // no Probe

	if err := f.Prepare(nil); err != nil {
		t.Fatalf("Prepare() on undetected device error = %v", err)
	}
	if len(ec.reboots) != 0 {
		t.Errorf("commands issued without detection: %v", ec.reboots)
	}
}

func TestRead_Chunking(t *testing.T) {
	ec := newFakeEC()
	f := newProbed(t, ec)

	got, err := f.Read(0x100, 300)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, ec.flash[0x100:0x100+300]) {
		t.Error("Read() returned wrong data")
	}
	// 300 bytes in 128-byte chunks: 128 + 128 + 44.
	if ec.readOps != 3 {
		t.Errorf("read commands = %d, want 3", ec.readOps)
	}
}

func TestRead_ChecksumRetry(t *testing.T) {
	ec := newFakeEC()
	ec.corruptReads = 1
	f := newProbed(t, ec)

	got, err := f.Read(0, 64)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, ec.flash[:64]) {
		t.Error("Read() returned corrupted data despite verification")
	}
	if ec.readOps != 2 {
		t.Errorf("read commands = %d, want 2 (one retry)", ec.readOps)
	}
}

func TestRead_RetryLimit(t *testing.T) {
	ec := newFakeEC()
	ec.corruptReads = 100
	f := newProbed(t, ec, WithChecksumRetryLimit(2))

	_, err := f.Read(0, 64)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Read() error = %v, want ErrChecksumMismatch", err)
	}
	if ec.readOps != 3 {
		t.Errorf("read commands = %d, want 3 (initial + 2 retries)", ec.readOps)
	}
}

func TestRead_NoVerify(t *testing.T) {
	ec := newFakeEC()
	ec.corruptReads = 1
	f := newProbed(t, ec, WithChecksumVerify(false))

	got, err := f.Read(0, 64)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	// Without verification the corruption goes unnoticed, by design.
	if bytes.Equal(got, ec.flash[:64]) {
		t.Error("expected corrupted data to pass through unverified")
	}
	if ec.readOps != 1 {
		t.Errorf("read commands = %d, want 1", ec.readOps)
	}
}

func TestErase_Success(t *testing.T) {
	ec := newFakeEC()
	ec.executing = protocol.RegionRO
	f := newProbed(t, ec)

	if err := f.Erase(rwaOffset, 0x1000); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	for i := rwaOffset; i < rwaOffset+0x1000; i++ {
		if ec.flash[i] != 0xFF {
			t.Fatalf("flash[%#x] = %#x, want 0xFF", i, ec.flash[i])
		}
	}
	if !f.attemptLatestBoot {
		t.Error("attemptLatestBoot not set after successful erase")
	}
}

func TestErase_AccessDenied(t *testing.T) {
	ec := newFakeEC()
	ec.executing = protocol.RegionRWA
	f := newProbed(t, ec)
	freshCopies(f, protocol.RegionRO, protocol.RegionRWA, protocol.RegionRWB)

	err := f.Erase(rwaOffset+0x1000, 0x1000)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Erase() error = %v, want ErrAccessDenied", err)
	}
	if f.copies[protocol.RegionRWA].fresh {
		t.Error("RW-A still fresh after refused erase inside it")
	}
	if !f.copies[protocol.RegionRO].fresh || !f.copies[protocol.RegionRWB].fresh {
		t.Error("unaffected copies were invalidated")
	}
	if !f.needSecondPass {
		t.Error("second-pass flag not set")
	}
	if f.attemptLatestBoot {
		t.Error("attemptLatestBoot set by a refused erase")
	}
}

func TestWrite_AccessDeniedFirstChunk(t *testing.T) {
	ec := newFakeEC()
	ec.executing = protocol.RegionRWA
	f := newProbed(t, ec)
	freshCopies(f, protocol.RegionRO, protocol.RegionRWA, protocol.RegionRWB)

	before := append([]byte(nil), ec.flash...)
	err := f.Write(rwaOffset, make([]byte, 128))
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Write() error = %v, want ErrAccessDenied", err)
	}

	// (a) no chunk was written
	if !bytes.Equal(ec.flash, before) {
		t.Error("flash modified despite first-chunk refusal")
	}
	if ec.writeOps != 1 {
		t.Errorf("write commands = %d, want 1 (no advance past refusal)", ec.writeOps)
	}
	// (b) only copies overlapping [addr, addr+chunk) are stale
	if f.copies[protocol.RegionRWA].fresh {
		t.Error("RW-A still fresh")
	}
	if !f.copies[protocol.RegionRO].fresh || !f.copies[protocol.RegionRWB].fresh {
		t.Error("copies outside the refused range were invalidated")
	}
	// (c) second-pass flag
	if !f.needSecondPass {
		t.Error("second-pass flag not set")
	}
	if f.attemptLatestBoot {
		t.Error("attemptLatestBoot set by a fully refused write")
	}
}

func TestWrite_ChunkingAndVerify(t *testing.T) {
	ec := newFakeEC()
	ec.executing = protocol.RegionRO
	f := newProbed(t, ec)

	data := make([]byte, 150)
	for i := range data {
		data[i] = byte(i * 3)
	}
	if err := f.Write(rwbOffset, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !bytes.Equal(ec.flash[rwbOffset:rwbOffset+150], data) {
		t.Error("flash content mismatch after write")
	}
	// 150 bytes in 64-byte chunks: 64 + 64 + 22.
	if ec.writeOps != 3 {
		t.Errorf("write commands = %d, want 3", ec.writeOps)
	}
	if !f.attemptLatestBoot {
		t.Error("attemptLatestBoot not set after successful write")
	}
}

func TestNeedSecondPass_NoneNeeded(t *testing.T) {
	ec := newFakeEC()
	f := newProbed(t, ec)

	verdict, err := f.NeedSecondPass()
	if err != nil || verdict != PassDone {
		t.Errorf("NeedSecondPass() = (%v, %v), want (done, nil)", verdict, err)
	}
	if len(ec.reboots) != 0 {
		t.Errorf("reboot issued with no refusals: %v", ec.reboots)
	}
}

func TestNeedSecondPass_FlagConsumed(t *testing.T) {
	ec := newFakeEC()
	ec.executing = protocol.RegionRWA
	f := newProbed(t, ec)
	freshCopies(f, protocol.RegionRO, protocol.RegionRWA, protocol.RegionRWB)

	// A refused erase arms the flag and stales RW-A.
	if err := f.Erase(rwaOffset, 0x1000); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Erase() error = %v, want ErrAccessDenied", err)
	}

	verdict, err := f.NeedSecondPass()
	if err != nil {
		t.Fatalf("NeedSecondPass() error = %v", err)
	}
	if verdict != PassSecondRequired {
		t.Fatalf("verdict = %v, want second pass required", verdict)
	}
	if ec.executing != protocol.RegionRO {
		t.Errorf("executing = %v, want RO (first fresh copy)", ec.executing)
	}

	// The flag was consumed by arranging the jump: a clean follow-up
	// sweep reports done.
	verdict, err = f.NeedSecondPass()
	if err != nil || verdict != PassDone {
		t.Errorf("second NeedSecondPass() = (%v, %v), want (done, nil)", verdict, err)
	}
}

func TestNeedSecondPass_NoBootableCopy(t *testing.T) {
	ec := newFakeEC()
	f := newProbed(t, ec)
	f.needSecondPass = true // all copies stale or unmatched

	verdict, err := f.NeedSecondPass()
	if verdict != PassNoBootableCopy {
		t.Fatalf("verdict = %v, want no bootable copy", verdict)
	}
	if !errors.Is(err, ErrNoBootableCopy) {
		t.Errorf("error = %v, want ErrNoBootableCopy", err)
	}
}

func TestNeedSecondPass_NotDetected(t *testing.T) {
	f := New(newFakeEC())
	f.needSecondPass = true

	verdict, err := f.NeedSecondPass()
	if err != nil || verdict != PassDone {
		t.Errorf("NeedSecondPass() = (%v, %v), want (done, nil) on undetected device", verdict, err)
	}
}

func TestFinish_NoopWithoutUpdate(t *testing.T) {
	ec := newFakeEC()
	f := newProbed(t, ec)

	if err := f.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if len(ec.reboots) != 0 {
		t.Errorf("reboot issued without any successful erase/write: %v", ec.reboots)
	}
}

func TestFinish_PrefersRWB(t *testing.T) {
	ec := newFakeEC()
	f := newProbed(t, ec)
	freshCopies(f, protocol.RegionRO, protocol.RegionRWA, protocol.RegionRWB)
	f.attemptLatestBoot = true

	if err := f.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if len(ec.reboots) != 1 || ec.reboots[0] != protocol.RegionRWB {
		t.Errorf("reboots = %v, want [RW_SECTION_B]", ec.reboots)
	}
}

func TestFinish_FallsBackToRO(t *testing.T) {
	ec := newFakeEC()
	ec.failJumps[protocol.RegionRWB] = 1
	ec.failJumps[protocol.RegionRWA] = 1
	f := newProbed(t, ec)
	freshCopies(f, protocol.RegionRO, protocol.RegionRWA, protocol.RegionRWB)
	f.attemptLatestBoot = true

	if err := f.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	want := []protocol.Region{protocol.RegionRWB, protocol.RegionRWA, protocol.RegionRO}
	if len(ec.reboots) != 3 {
		t.Fatalf("reboots = %v, want %v", ec.reboots, want)
	}
	for i, r := range want {
		if ec.reboots[i] != r {
			t.Errorf("reboots[%d] = %v, want %v", i, ec.reboots[i], r)
		}
	}
}

// TestUpdate_SecondPassScenario walks the whole fail-safe flow: the EC
// is executing RW-A and refuses to jump to RO at prepare time, the
// first sweep's erase inside RW-A is refused, the engine moves the EC
// to RO, the second sweep succeeds, and Finish falls back to RO because
// RW-A was invalidated during the first sweep and RW-B was never in
// the image.
func TestUpdate_SecondPassScenario(t *testing.T) {
	ec := newFakeEC()
	ec.executing = protocol.RegionRWA
	ec.failJumps[protocol.RegionRO] = 1

	f := newProbed(t, ec, WithSectionFinder(sectionFinder(testSections[:2])))

	// Prepare: the jump to RO is refused, the EC stays in RW-A. Not
	// fatal; the update proceeds.
	if err := f.Prepare(nil); !errors.Is(err, ErrJumpFailed) {
		t.Fatalf("Prepare() error = %v, want ErrJumpFailed", err)
	}
	if ec.executing != protocol.RegionRWA {
		t.Fatalf("executing = %v, want still RW-A", ec.executing)
	}

	// First sweep: a 4 KB block inside RW-A is refused.
	block := uint32(rwaOffset + 0x1000)
	if err := f.Erase(block, 0x1000); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("first erase error = %v, want ErrAccessDenied", err)
	}
	if f.copies[protocol.RegionRWA].fresh {
		t.Fatal("RW-A still fresh after refusal")
	}
	if !f.copies[protocol.RegionRO].fresh {
		t.Fatal("RO should remain fresh")
	}

	// The engine arranges a second pass by jumping to RO.
	verdict, err := f.NeedSecondPass()
	if err != nil || verdict != PassSecondRequired {
		t.Fatalf("NeedSecondPass() = (%v, %v), want second pass", verdict, err)
	}
	if ec.executing != protocol.RegionRO {
		t.Fatalf("executing = %v, want RO for the second sweep", ec.executing)
	}

	// Second sweep: the same block now erases and writes cleanly.
	if err := f.Erase(block, 0x1000); err != nil {
		t.Fatalf("second erase error = %v", err)
	}
	payload := make([]byte, 0x1000)
	for i := range payload {
		payload[i] = 0xA5
	}
	if err := f.Write(block, payload); err != nil {
		t.Fatalf("write error = %v", err)
	}

	verdict, err = f.NeedSecondPass()
	if err != nil || verdict != PassDone {
		t.Fatalf("NeedSecondPass() after clean sweep = (%v, %v), want done", verdict, err)
	}

	// Finish: RW-B never matched, RW-A was invalidated, so the EC
	// boots RO.
	ec.reboots = nil
	if err := f.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if len(ec.reboots) != 1 || ec.reboots[0] != protocol.RegionRO {
		t.Errorf("final reboots = %v, want [RO_SECTION]", ec.reboots)
	}
	if !bytes.Equal(ec.flash[block:block+0x1000], payload) {
		t.Error("payload not on flash after the update")
	}
}
