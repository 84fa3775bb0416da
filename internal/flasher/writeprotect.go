package flasher

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/bigbag/ecflash/internal/protocol"
)

// WPStatus is the EC's write-protect state.
type WPStatus struct {
	Enabled bool
	Start   uint32
	Size    uint32
}

// ProtectRangeRule describes the ranges the EC accepts for write
// protection, derived from the probed geometry.
type ProtectRangeRule struct {
	Max  uint32 // protectable span ends here
	Unit uint32 // start and size must be multiples of this
}

// ProtectRanges returns the accepted write-protect range shape.
func (f *Flasher) ProtectRanges() ProtectRangeRule {
	return ProtectRangeRule{Max: f.geom.FlashSize, Unit: f.geom.ProtectBlockSize}
}

// SetProtectRange sets the write-protect range.
func (f *Flasher) SetProtectRange(start, size uint32) error {
	_, status, err := f.ch.Command(protocol.CmdWPSetRange, protocol.WPRangeParams(start, size), 0)
	if err != nil {
		return fmt.Errorf("wp set range: %w", err)
	}
	if status != protocol.StatusSuccess {
		return fmt.Errorf("wp set range: %v", status)
	}
	return nil
}

// EnableProtect enables write protection over the configured range.
func (f *Flasher) EnableProtect() error {
	return f.setProtect(true)
}

// DisableProtect disables write protection. Takes full effect once the
// EC reboots with the hardware write-protect pin de-asserted.
func (f *Flasher) DisableProtect() error {
	if err := f.setProtect(false); err != nil {
		return err
	}
	glog.Info("write protect disabled; reboot the EC and de-assert the WP pin")
	return nil
}

func (f *Flasher) setProtect(enable bool) error {
	_, status, err := f.ch.Command(protocol.CmdWPEnable, protocol.WPEnableParams(enable), 0)
	if err != nil {
		return fmt.Errorf("wp enable=%v: %w", enable, err)
	}
	if status != protocol.StatusSuccess {
		return fmt.Errorf("wp enable=%v: %v", enable, status)
	}
	return nil
}

// ProtectStatus reads the write-protect enable bit and range.
func (f *Flasher) ProtectStatus() (WPStatus, error) {
	data, status, err := f.ch.Command(protocol.CmdWPGetRange, nil, 8)
	if err != nil {
		return WPStatus{}, fmt.Errorf("wp get range: %w", err)
	}
	if status != protocol.StatusSuccess {
		return WPStatus{}, fmt.Errorf("wp get range: %v", status)
	}
	start, size, err := protocol.ParseWPRange(data)
	if err != nil {
		return WPStatus{}, err
	}

	data, status, err = f.ch.Command(protocol.CmdWPGetState, nil, 1)
	if err != nil {
		return WPStatus{}, fmt.Errorf("wp get state: %w", err)
	}
	if status != protocol.StatusSuccess {
		return WPStatus{}, fmt.Errorf("wp get state: %v", status)
	}
	enabled, err := protocol.ParseWPState(data)
	if err != nil {
		return WPStatus{}, err
	}

	return WPStatus{Enabled: enabled, Start: start, Size: size}, nil
}
