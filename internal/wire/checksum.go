package wire

import "hash/crc32"

// castagnoli is the CRC32C table (Castagnoli polynomial), hardware
// accelerated on modern CPUs.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum32C computes the CRC32C checksum over the concatenation of the
// given byte slices without copying them into one buffer first.
func Checksum32C(parts ...[]byte) uint32 {
	var sum uint32
	first := true
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		if first {
			sum = crc32.Checksum(p, castagnoli)
			first = false
			continue
		}
		sum = crc32.Update(sum, castagnoli, p)
	}
	return sum
}
