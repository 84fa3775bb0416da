package protocol

// Checksum computes the 8-bit rolling checksum the EC uses for flash
// content verification: rotate left one bit, then XOR in the next byte.
// The CmdFlashChecksum response carries the EC's value for the same range.
func Checksum(data []byte) byte {
	var cs byte
	for _, b := range data {
		cs = (cs<<1 | cs>>7) ^ b
	}
	return cs
}

// BlankChecksum returns the checksum of n erased (0xFF) bytes, used to
// confirm a range reads as blank after an erase.
func BlankChecksum(n uint32) byte {
	var cs byte
	for i := uint32(0); i < n; i++ {
		cs = (cs<<1 | cs>>7) ^ 0xFF
	}
	return cs
}
