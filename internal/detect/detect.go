// Package detect locates an EC on the system's serial ports by pinging
// each candidate and probing its flash geometry.
package detect

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/bigbag/ecflash/internal/flasher"
	"github.com/bigbag/ecflash/internal/protocol"
	"github.com/bigbag/ecflash/internal/serial"
	"github.com/bigbag/ecflash/internal/transport"
)

// Result describes a detected EC.
type Result struct {
	Port     string
	Geometry flasher.Geometry
}

// First returns the first port with a responsive EC.
func First(baud int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, name := range ports {
		result, err := Probe(name, baud)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no EC found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no EC found")
}

// Scan probes every port and returns all responsive ECs.
func Scan(baud int) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, name := range ports {
		result, err := Probe(name, baud)
		if err != nil {
			glog.V(1).Infof("no EC on %s: %v", name, err)
			continue
		}
		results = append(results, *result)
	}
	return results, nil
}

// Probe checks one port for an EC: a hello handshake followed by the
// flash-info query.
func Probe(name string, baud int) (*Result, error) {
	port, err := serial.Open(name, baud)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	port.Flush()
	ch := transport.New(port)

	if err := hello(ch); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	f := flasher.New(ch)
	geom, err := f.Probe()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return &Result{Port: name, Geometry: geom}, nil
}

// hello verifies the other end speaks the EC protocol: the response
// must echo the payload plus a fixed magic value.
func hello(ch flasher.Channel) error {
	const probe = 0xA0B0C0D0

	data, status, err := ch.Command(protocol.CmdHello, protocol.HelloParams(probe), 4)
	if err != nil {
		return err
	}
	if status != protocol.StatusSuccess {
		return fmt.Errorf("hello: %v", status)
	}
	echo, err := protocol.ParseHello(data)
	if err != nil {
		return err
	}
	if echo != probe+protocol.HelloMagic {
		return fmt.Errorf("hello: bad echo %#x", echo)
	}
	return nil
}
