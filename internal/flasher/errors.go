package flasher

import "errors"

// Sentinel results callers are expected to branch on with errors.Is.
var (
	// ErrAccessDenied reports that the EC refused an erase or write
	// because the range overlaps the firmware copy it is executing
	// from. Not fatal: the block is deferred to a second pass.
	ErrAccessDenied = errors.New("flash range overlaps the executing firmware copy")

	// ErrNoBootableCopy reports that no fresh firmware copy is left to
	// jump to. The device may be unable to complete the update.
	ErrNoBootableCopy = errors.New("no bootable firmware copy")

	// ErrChecksumMismatch reports that a range failed verification
	// after the configured number of retries.
	ErrChecksumMismatch = errors.New("flash checksum mismatch")

	// ErrJumpFailed reports that the EC rejected a reboot-to-copy
	// command. The EC may still be rebooting by other means, so the
	// settle delay has already run when this is returned.
	ErrJumpFailed = errors.New("jump to firmware copy failed")
)
