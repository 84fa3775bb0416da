// Package fmap parses the flash map embedded in firmware images: a
// "__FMAP__" signature, a fixed header and a run of named area records
// giving each section's byte range.
package fmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Signature marks the start of a flash map in an image.
const Signature = "__FMAP__"

const (
	headerSize = 56 // signature[8] ver[2] base[8] size[4] name[32] nareas[2]
	areaSize   = 42 // offset[4] size[4] name[32] flags[2]
	nameSize   = 32
)

// Area is one named section of the flash map.
type Area struct {
	Offset uint32
	Size   uint32
	Name   string
	Flags  uint16
}

// Map is a parsed flash map.
type Map struct {
	VerMajor uint8
	VerMinor uint8
	Base     uint64
	Size     uint32
	Name     string
	Areas    []Area
}

// Find scans an image buffer for a flash map and parses the first valid
// one. Returns an error if the image carries none.
func Find(image []byte) (*Map, error) {
	sig := []byte(Signature)
	for off := 0; off < len(image); {
		i := bytes.Index(image[off:], sig)
		if i < 0 {
			break
		}
		m, err := parse(image[off+i:])
		if err == nil {
			return m, nil
		}
		// False hit (signature bytes inside section data): keep scanning.
		off += i + 1
	}
	return nil, fmt.Errorf("no flash map in image (%d bytes)", len(image))
}

// parse decodes a flash map at the start of buf.
func parse(buf []byte) (*Map, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("truncated flash map header")
	}

	m := &Map{
		VerMajor: buf[8],
		VerMinor: buf[9],
		Base:     binary.LittleEndian.Uint64(buf[10:18]),
		Size:     binary.LittleEndian.Uint32(buf[18:22]),
		Name:     cString(buf[22 : 22+nameSize]),
	}

	nareas := int(binary.LittleEndian.Uint16(buf[54:56]))
	if len(buf) < headerSize+nareas*areaSize {
		return nil, fmt.Errorf("flash map claims %d areas, buffer too short", nareas)
	}

	m.Areas = make([]Area, nareas)
	for i := 0; i < nareas; i++ {
		rec := buf[headerSize+i*areaSize:]
		m.Areas[i] = Area{
			Offset: binary.LittleEndian.Uint32(rec[0:4]),
			Size:   binary.LittleEndian.Uint32(rec[4:8]),
			Name:   cString(rec[8 : 8+nameSize]),
			Flags:  binary.LittleEndian.Uint16(rec[40:42]),
		}
	}
	return m, nil
}

// Area returns the named area, matching exactly.
func (m *Map) Area(name string) (Area, bool) {
	for _, a := range m.Areas {
		if a.Name == name {
			return a, true
		}
	}
	return Area{}, false
}

// ReadAreas scans an image for its flash map and returns the area list.
// This is the section-layout lookup the update engine consumes.
func ReadAreas(image []byte) ([]Area, error) {
	m, err := Find(image)
	if err != nil {
		return nil, err
	}
	return m.Areas, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
