package protocol

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies an EC host command.
type Opcode byte

// EC host commands.
const (
	CmdHello         Opcode = 0x01
	CmdFlashInfo     Opcode = 0x10
	CmdFlashRead     Opcode = 0x11
	CmdFlashWrite    Opcode = 0x12
	CmdFlashErase    Opcode = 0x13
	CmdFlashChecksum Opcode = 0x14
	CmdWPSetRange    Opcode = 0x15
	CmdWPGetRange    Opcode = 0x16
	CmdWPEnable      Opcode = 0x17
	CmdWPGetState    Opcode = 0x18
	CmdRebootEC      Opcode = 0xD2
)

// Status is the result code the EC returns for every command.
type Status byte

const (
	StatusSuccess        Status = 0
	StatusInvalidCommand Status = 1
	StatusError          Status = 2
	StatusInvalidParam   Status = 3
	StatusAccessDenied   Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidCommand:
		return "invalid command"
	case StatusError:
		return "error"
	case StatusInvalidParam:
		return "invalid param"
	case StatusAccessDenied:
		return "access denied"
	default:
		return fmt.Sprintf("status %d", byte(s))
	}
}

// Region identifies a firmware copy on the EC flash.
type Region byte

const (
	RegionUnknown Region = iota // never matched, never bootable
	RegionRO
	RegionRWA
	RegionRWB
)

// sectionNames are the flash map area names the image carries for each
// firmware copy. RegionUnknown deliberately has a name no image contains.
var sectionNames = [...]string{
	RegionUnknown: "UNKNOWN SECTION",
	RegionRO:      "RO_SECTION",
	RegionRWA:     "RW_SECTION_A",
	RegionRWB:     "RW_SECTION_B",
}

// SectionName returns the flash map area name for a firmware copy.
func (r Region) SectionName() string {
	if int(r) < len(sectionNames) {
		return sectionNames[r]
	}
	return sectionNames[RegionUnknown]
}

func (r Region) String() string { return r.SectionName() }

// Transport limits. Read responses and write params carry at most this
// much flash data per command.
const (
	MaxReadChunk  = 128
	MaxWriteChunk = 64
)

// FlashInfo is the response payload of CmdFlashInfo.
type FlashInfo struct {
	FlashSize        uint32
	WriteBlockSize   uint32
	EraseBlockSize   uint32
	ProtectBlockSize uint32
}

// FlashInfoSize is the wire size of the CmdFlashInfo response.
const FlashInfoSize = 16

// ParseFlashInfo decodes a CmdFlashInfo response payload.
func ParseFlashInfo(data []byte) (FlashInfo, error) {
	if len(data) < FlashInfoSize {
		return FlashInfo{}, fmt.Errorf("flash info response too short: %d bytes", len(data))
	}
	return FlashInfo{
		FlashSize:        binary.LittleEndian.Uint32(data[0:4]),
		WriteBlockSize:   binary.LittleEndian.Uint32(data[4:8]),
		EraseBlockSize:   binary.LittleEndian.Uint32(data[8:12]),
		ProtectBlockSize: binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// offsetSizeParams packs the {offset, size} pair shared by the flash
// read, erase, checksum and write-protect range commands.
func offsetSizeParams(offset, size uint32) []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint32(p[0:4], offset)
	binary.LittleEndian.PutUint32(p[4:8], size)
	return p
}

// FlashReadParams packs the CmdFlashRead request payload.
func FlashReadParams(offset, size uint32) []byte {
	return offsetSizeParams(offset, size)
}

// FlashEraseParams packs the CmdFlashErase request payload.
func FlashEraseParams(offset, size uint32) []byte {
	return offsetSizeParams(offset, size)
}

// ChecksumParams packs the CmdFlashChecksum request payload.
func ChecksumParams(offset, size uint32) []byte {
	return offsetSizeParams(offset, size)
}

// FlashWriteParams packs the CmdFlashWrite request payload. The data
// buffer on the wire is fixed at MaxWriteChunk bytes; shorter chunks are
// padded and the size field tells the EC how much of it is meaningful.
func FlashWriteParams(offset uint32, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > MaxWriteChunk {
		return nil, fmt.Errorf("flash write chunk must be 1..%d bytes, got %d", MaxWriteChunk, len(data))
	}
	p := make([]byte, 8+MaxWriteChunk)
	binary.LittleEndian.PutUint32(p[0:4], offset)
	binary.LittleEndian.PutUint32(p[4:8], uint32(len(data)))
	copy(p[8:], data)
	return p, nil
}

// RebootParams packs the CmdRebootEC request payload.
func RebootParams(target Region, flags byte) []byte {
	return []byte{byte(target), flags}
}

// ParseChecksum decodes a CmdFlashChecksum response payload.
func ParseChecksum(data []byte) (byte, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("checksum response is empty")
	}
	return data[0], nil
}

// WPRangeParams packs the CmdWPSetRange request payload.
func WPRangeParams(offset, size uint32) []byte {
	return offsetSizeParams(offset, size)
}

// ParseWPRange decodes a CmdWPGetRange response payload.
func ParseWPRange(data []byte) (offset, size uint32, err error) {
	if len(data) < 8 {
		return 0, 0, fmt.Errorf("wp range response too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[0:4]), binary.LittleEndian.Uint32(data[4:8]), nil
}

// WPEnableParams packs the CmdWPEnable request payload.
func WPEnableParams(enable bool) []byte {
	if enable {
		return []byte{1}
	}
	return []byte{0}
}

// ParseWPState decodes a CmdWPGetState response payload.
func ParseWPState(data []byte) (bool, error) {
	if len(data) < 1 {
		return false, fmt.Errorf("wp state response is empty")
	}
	return data[0] != 0, nil
}

// HelloMagic is added by the EC to the value echoed back from CmdHello.
const HelloMagic = 0x01020304

// HelloParams packs the CmdHello request payload.
func HelloParams(in uint32) []byte {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, in)
	return p
}

// ParseHello decodes a CmdHello response payload.
func ParseHello(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("hello response too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[0:4]), nil
}
