// Package serial wraps go.bug.st/serial with the small surface the EC
// console link needs: timed reads and input flushing.
package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

const defaultReadTimeout = 100 * time.Millisecond

// Port is an open EC console port.
type Port struct {
	port serial.Port
	name string
	baud int
}

// Open opens a serial port at the given baud rate, 8N1.
func Open(name string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", name, err)
	}

	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{port: port, name: name, baud: baud}, nil
}

// Close closes the port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads available data from the port with the default timeout.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// ReadWithTimeout reads with a one-off timeout, restoring the default
// afterwards.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(defaultReadTimeout)

	return p.port.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// Baud returns the configured baud rate.
func (p *Port) Baud() int { return p.baud }

// ListPorts returns the system's serial port names.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
