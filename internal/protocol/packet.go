package protocol

import (
	"encoding/binary"
	"fmt"
)

// Direction byte values on the host link.
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// MinResponseSize is a response with no data: direction, status,
// two length bytes and the trailing sum.
const MinResponseSize = 5

// Request is a host-to-EC command packet, before SLIP framing.
type Request struct {
	Command Opcode
	Params  []byte
}

// Encode serializes the request.
//
// Packet format:
//
//	0:   direction (0x00 = request)
//	1:   command opcode
//	2-3: params size (little-endian)
//	4+:  params
//	last: additive sum of all preceding bytes
func (r *Request) Encode() []byte {
	packet := make([]byte, 4+len(r.Params)+1)
	packet[0] = DirRequest
	packet[1] = byte(r.Command)
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Params)))
	copy(packet[4:], r.Params)
	packet[len(packet)-1] = sum8(packet[:len(packet)-1])
	return packet
}

// Response is an EC-to-host reply packet, after SLIP decoding.
type Response struct {
	Status Status
	Data   []byte
}

// DecodeResponse parses a response packet. Layout mirrors the request:
// direction, status, 2-byte data size, data, additive sum.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < MinResponseSize {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}
	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	size := int(binary.LittleEndian.Uint16(data[2:4]))
	if len(data) < MinResponseSize+size {
		return nil, fmt.Errorf("data size mismatch: header says %d, have %d", size, len(data)-MinResponseSize)
	}

	body := data[:4+size]
	if got, want := data[4+size], sum8(body); got != want {
		return nil, fmt.Errorf("packet sum mismatch: got 0x%02X, want 0x%02X", got, want)
	}

	return &Response{
		Status: Status(data[1]),
		Data:   data[4 : 4+size],
	}, nil
}

// sum8 is the packet integrity sum: plain byte addition. Distinct from
// the flash content checksum in checksum.go.
func sum8(data []byte) byte {
	var s byte
	for _, b := range data {
		s += b
	}
	return s
}
