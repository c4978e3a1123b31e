// Package endian provides little-endian load/store of 8/16/32/64-bit
// quantities over raw byte buffers.
//
// These are the only primitives allowed to reinterpret raw guest memory:
// every structure access in the syscall layer, the page tables, and the
// signal frames goes through them. No alignment is assumed and no host
// byte order is assumed.
package endian

// Load8 reads one byte at off.
func Load8(b []byte, off int) uint8 {
	return b[off]
}

// Load16 reads a little-endian uint16 at off.
func Load16(b []byte, off int) uint16 {
	_ = b[off+1]
	return uint16(b[off]) | uint16(b[off+1])<<8
}

// Load32 reads a little-endian uint32 at off.
func Load32(b []byte, off int) uint32 {
	_ = b[off+3]
	return uint32(b[off]) | uint32(b[off+1])<<8 |
		uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

// Load64 reads a little-endian uint64 at off.
func Load64(b []byte, off int) uint64 {
	_ = b[off+7]
	return uint64(b[off]) | uint64(b[off+1])<<8 |
		uint64(b[off+2])<<16 | uint64(b[off+3])<<24 |
		uint64(b[off+4])<<32 | uint64(b[off+5])<<40 |
		uint64(b[off+6])<<48 | uint64(b[off+7])<<56
}

// Store8 writes one byte at off.
func Store8(b []byte, off int, v uint8) {
	b[off] = v
}

// Store16 writes a little-endian uint16 at off.
func Store16(b []byte, off int, v uint16) {
	_ = b[off+1]
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

// Store32 writes a little-endian uint32 at off.
func Store32(b []byte, off int, v uint32) {
	_ = b[off+3]
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// Store64 writes a little-endian uint64 at off.
func Store64(b []byte, off int, v uint64) {
	_ = b[off+7]
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
	b[off+4] = byte(v >> 32)
	b[off+5] = byte(v >> 40)
	b[off+6] = byte(v >> 48)
	b[off+7] = byte(v >> 56)
}

// SLoad8 reads a sign-extended int8 at off, widened to int64.
func SLoad8(b []byte, off int) int64 {
	return int64(int8(b[off]))
}

// SLoad16 reads a sign-extended int16 at off, widened to int64.
func SLoad16(b []byte, off int) int64 {
	return int64(int16(Load16(b, off)))
}

// SLoad32 reads a sign-extended int32 at off, widened to int64.
func SLoad32(b []byte, off int) int64 {
	return int64(int32(Load32(b, off)))
}

// SLoad64 reads a signed int64 at off.
func SLoad64(b []byte, off int) int64 {
	return int64(Load64(b, off))
}

// LoadWidth reads a zero-extended value of the given byte width (1, 2, 4, 8).
func LoadWidth(b []byte, off, width int) uint64 {
	switch width {
	case 1:
		return uint64(Load8(b, off))
	case 2:
		return uint64(Load16(b, off))
	case 4:
		return uint64(Load32(b, off))
	case 8:
		return Load64(b, off)
	default:
		panic("endian: invalid width")
	}
}

// StoreWidth writes the low width bytes (1, 2, 4, 8) of v at off.
func StoreWidth(b []byte, off, width int, v uint64) {
	switch width {
	case 1:
		Store8(b, off, uint8(v))
	case 2:
		Store16(b, off, uint16(v))
	case 4:
		Store32(b, off, uint32(v))
	case 8:
		Store64(b, off, v)
	default:
		panic("endian: invalid width")
	}
}
