package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
)

// loadImage reads a firmware image. Intel-HEX files are flattened into a
// contiguous buffer with erased (0xFF) gaps; anything else is taken as a
// raw binary.
func loadImage(path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".hex") {
		return loadHex(path)
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return image, nil
}

func loadHex(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	defer file.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, fmt.Errorf("%s contains no data", path)
	}

	var end uint32
	for _, s := range segments {
		if e := s.Address + uint32(len(s.Data)); e > end {
			end = e
		}
	}

	image := make([]byte, end)
	for i := range image {
		image[i] = 0xFF
	}
	for _, s := range segments {
		copy(image[s.Address:], s.Data)
	}
	return image, nil
}
