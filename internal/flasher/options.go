package flasher

import (
	"github.com/bigbag/ecflash/internal/fmap"
)

// SectionFinder resolves the section layout of a firmware image: zero or
// more named areas with byte ranges. The engine matches area names
// against the known firmware copy labels.
type SectionFinder func(image []byte) ([]fmap.Area, error)

type config struct {
	verify          bool
	checksumRetries int
	findSections    SectionFinder
}

func defaultConfig() config {
	return config{
		verify:          true,
		checksumRetries: 8,
		findSections:    fmap.ReadAreas,
	}
}

// Option configures a Flasher at construction time.
type Option func(*config)

// WithChecksumVerify enables or disables checksum verification of every
// transferred chunk. On by default.
func WithChecksumVerify(enabled bool) Option {
	return func(c *config) { c.verify = enabled }
}

// WithChecksumRetryLimit sets how many times a chunk is re-transferred
// after a checksum mismatch before the operation fails.
func WithChecksumRetryLimit(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.checksumRetries = n
		}
	}
}

// WithSectionFinder overrides how the firmware image's section layout is
// resolved. The default scans the image for a flash map.
func WithSectionFinder(fn SectionFinder) Option {
	return func(c *config) {
		if fn != nil {
			c.findSections = fn
		}
	}
}
