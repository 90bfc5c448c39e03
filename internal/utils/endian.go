package utils

import "encoding/binary"

// ToLittleEndian rewrites data, a packed array of elemSize-byte samples
// stored in order, so that every sample is little-endian. The slice is
// modified in place and returned.
func ToLittleEndian(data []byte, elemSize int, order binary.ByteOrder) []byte {
	if elemSize <= 1 || order == binary.LittleEndian {
		return data
	}
	for off := 0; off+elemSize <= len(data); off += elemSize {
		sample := data[off : off+elemSize]
		for i, j := 0, elemSize-1; i < j; i, j = i+1, j-1 {
			sample[i], sample[j] = sample[j], sample[i]
		}
	}
	return data
}
