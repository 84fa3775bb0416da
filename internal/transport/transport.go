// Package transport drives EC command packets over a serial link. It
// frames requests with SLIP, waits for the matching response frame and
// hands back the response payload together with the EC's status code.
package transport

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/ecflash/internal/protocol"
	"github.com/bigbag/ecflash/internal/serial"
	"github.com/bigbag/ecflash/internal/slip"
)

const (
	responseTimeout = 5 * time.Second
	pollInterval    = 100 * time.Millisecond
)

// Serial is a command channel over an open EC console port. Commands are
// strictly request/response; there is never more than one in flight.
type Serial struct {
	port *serial.Port
	buf  []byte
}

// New creates a channel on an open port.
func New(port *serial.Port) *Serial {
	return &Serial{port: port}
}

// Command sends one EC command and blocks for its response. The returned
// status is the EC's result code; err reports transport failures only
// (timeouts, framing), which are fatal to the current operation.
func (c *Serial) Command(op protocol.Opcode, params []byte, respSize int) ([]byte, protocol.Status, error) {
	req := protocol.Request{Command: op, Params: params}
	frame := slip.Encode(req.Encode())

	if _, err := c.port.Write(frame); err != nil {
		return nil, 0, fmt.Errorf("command 0x%02X: write: %w", byte(op), err)
	}

	resp, err := c.readResponse(responseTimeout)
	if err != nil {
		return nil, 0, fmt.Errorf("command 0x%02X: %w", byte(op), err)
	}

	if resp.Status == protocol.StatusSuccess && len(resp.Data) < respSize {
		return nil, 0, fmt.Errorf("command 0x%02X: short response: got %d bytes, want %d",
			byte(op), len(resp.Data), respSize)
	}

	return resp.Data, resp.Status, nil
}

// readResponse accumulates serial input until a complete frame decodes
// into a response packet or the deadline passes.
func (c *Serial) readResponse(timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		chunk := make([]byte, 256)
		n, err := c.port.ReadWithTimeout(chunk, pollInterval)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
		}
		if err != nil && n == 0 {
			continue
		}

		for {
			frame, rest, ferr := slip.NextFrame(c.buf)
			if ferr != nil {
				// Corrupt frame: drop it and keep scanning.
				glog.V(2).Infof("dropping bad frame: %v", ferr)
				c.buf = rest
				continue
			}
			c.buf = rest
			if frame == nil {
				break
			}
			resp, derr := protocol.DecodeResponse(frame)
			if derr != nil {
				glog.V(2).Infof("dropping undecodable packet: %v", derr)
				continue
			}
			return resp, nil
		}
	}

	return nil, fmt.Errorf("timeout waiting for response")
}
