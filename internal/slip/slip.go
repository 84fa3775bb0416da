// Package slip implements SLIP (RFC 1055) byte framing for the EC
// serial link. Each command packet travels in one frame.
package slip

import "fmt"

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps a packet in a SLIP frame: END delimiters around the data
// with END/ESC bytes escaped.
func Encode(data []byte) []byte {
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, End)
	for _, b := range data {
		switch b {
		case End:
			frame = append(frame, Esc, EscEnd)
		case Esc:
			frame = append(frame, Esc, EscEsc)
		default:
			frame = append(frame, b)
		}
	}
	return append(frame, End)
}

// Decode unescapes the payload of a single frame. The input is the frame
// body without END delimiters. A dangling or unknown escape is a framing
// error.
func Decode(body []byte) ([]byte, error) {
	data := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		if body[i] != Esc {
			data = append(data, body[i])
			continue
		}
		if i+1 >= len(body) {
			return nil, fmt.Errorf("dangling escape at end of frame")
		}
		i++
		switch body[i] {
		case EscEnd:
			data = append(data, End)
		case EscEsc:
			data = append(data, Esc)
		default:
			return nil, fmt.Errorf("unknown escape sequence 0x%02X 0x%02X", Esc, body[i])
		}
	}
	return data, nil
}

// NextFrame scans a receive buffer for one complete frame and returns its
// decoded payload plus the unconsumed remainder. frame is nil while no
// complete frame has arrived; bytes before the first END are garbage and
// are dropped with the consumed frame.
func NextFrame(buf []byte) (frame, rest []byte, err error) {
	start := -1
	for i, b := range buf {
		if b == End {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, buf, nil
	}

	// Collapse back-to-back delimiters, then find the closing END.
	for start < len(buf) && buf[start] == End {
		start++
	}
	for i := start; i < len(buf); i++ {
		if buf[i] == End {
			frame, err = Decode(buf[start:i])
			return frame, buf[i+1:], err
		}
	}
	return nil, buf, nil
}
