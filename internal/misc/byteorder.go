package misc

import "encoding/binary"

// LEU16 reads a little-endian uint16 at offset off in b.
func LEU16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off : off+2])
}

// LEU32 reads a little-endian uint32 at offset off in b.
func LEU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// LEU64 reads a little-endian uint64 at offset off in b.
func LEU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// PutLEU16 writes v in little-endian order at offset off in b.
func PutLEU16(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:off+2], v)
}

// PutLEU32 writes v in little-endian order at offset off in b.
func PutLEU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutLEU64 writes v in little-endian order at offset off in b.
func PutLEU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}
