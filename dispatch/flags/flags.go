// Package flags recomputes the x86 arithmetic flag group (CF, PF, AF,
// ZF, SF, OF) for the instruction classes that produce them, per
// spec.md §4.5. Every function takes and returns an RFLAGS bitset so
// dispatch can fold the result back into Machine.RFlags in one store
// without touching the flags it doesn't own (DF/IF/TF and the reserved
// bits are the caller's responsibility to preserve).
package flags

// Mask bits, duplicated from machine's RFlags layout so this package has
// no import cycle back to machine.
const (
	CF uint64 = 1 << 0
	PF uint64 = 1 << 2
	AF uint64 = 1 << 4
	ZF uint64 = 1 << 6
	SF uint64 = 1 << 7
	OF uint64 = 1 << 11

	arithMask = CF | PF | AF | ZF | SF | OF
)

// widthMask returns the bitmask covering width bytes (1, 2, 4, or 8).
func widthMask(width int) uint64 {
	switch width {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	case 4:
		return 0xffffffff
	default:
		return ^uint64(0)
	}
}

func signBit(width int) uint64 {
	switch width {
	case 1:
		return 0x80
	case 2:
		return 0x8000
	case 4:
		return 0x80000000
	default:
		return 0x8000000000000000
	}
}

// parity8 reports the even-parity bit of the low byte of v, the way
// real hardware's PF is always computed from the low 8 bits of the
// result regardless of operand width.
func parity8(v uint64) bool {
	b := byte(v)
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b&1 == 0
}

func zsp(rflags, result uint64, width int) uint64 {
	masked := result & widthMask(width)
	rflags &^= ZF | SF | PF
	if masked == 0 {
		rflags |= ZF
	}
	if masked&signBit(width) != 0 {
		rflags |= SF
	}
	if parity8(masked) {
		rflags |= PF
	}
	return rflags
}

// Add recomputes flags for dst = a + b (width bytes), given the
// unbounded (64-bit-temporary) sum, per spec.md §4.5: CF is the carry
// out of the width, OF is the sign-change rule, AF is the nibble carry.
func Add(rflags uint64, a, b uint64, width int) uint64 {
	sum := a + b
	rflags &^= arithMask
	if sum&widthMask(width) < a&widthMask(width) {
		rflags |= CF
	} else if width == 8 && sum < a {
		rflags |= CF
	}
	if (a^b)&signBit(width) == 0 && (a^sum)&signBit(width) != 0 {
		rflags |= OF
	}
	if (a&0xf)+(b&0xf) > 0xf {
		rflags |= AF
	}
	return zsp(rflags, sum, width)
}

// Sub recomputes flags for dst = a - b, CF as borrow, OF as the
// sign-change-on-subtraction rule.
func Sub(rflags uint64, a, b uint64, width int) uint64 {
	diff := a - b
	rflags &^= arithMask
	if a&widthMask(width) < b&widthMask(width) {
		rflags |= CF
	}
	if (a^b)&signBit(width) != 0 && (a^diff)&signBit(width) != 0 {
		rflags |= OF
	}
	if a&0xf < b&0xf {
		rflags |= AF
	}
	return zsp(rflags, diff, width)
}

// Logic recomputes flags for a logical result (AND/OR/XOR/TEST): CF,
// OF and AF are cleared, ZF/SF/PF come from the result.
func Logic(rflags, result uint64, width int) uint64 {
	rflags &^= (CF | OF | AF)
	return zsp(rflags, result, width)
}

// ShiftLeft recomputes flags after a logical/arithmetic left shift of a
// non-zero count: CF is the last bit shifted out, OF is defined only for
// a count of 1 as "MSB of result XOR CF". A count of zero leaves all
// flags exactly as they were (spec.md §4.5: "undefined flags after a
// shift-by-zero are preserved", Intel semantics, spec §9(b)).
func ShiftLeft(rflags, before, result uint64, count, width int) uint64 {
	if count == 0 {
		return rflags
	}
	rflags &^= arithMask
	if count <= width*8 {
		lastOut := (before >> (uint(width)*8 - uint(count))) & 1
		if lastOut != 0 {
			rflags |= CF
		}
	}
	if count == 1 {
		msb := result&signBit(width) != 0
		cf := rflags&CF != 0
		if msb != cf {
			rflags |= OF
		}
	}
	return zsp(rflags, result, width)
}

// ShiftRight recomputes flags after a logical or arithmetic right shift.
// For arithmetic shifts OF is always 0 at count==1 (sign replicated);
// callers pass arithmetic=true to select that rule.
func ShiftRight(rflags, before, result uint64, count, width int, arithmetic bool) uint64 {
	if count == 0 {
		return rflags
	}
	rflags &^= arithMask
	if count <= width*8 {
		lastOut := (before >> uint(count-1)) & 1
		if lastOut != 0 {
			rflags |= CF
		}
	}
	if count == 1 {
		if arithmetic {
			// sign bit replicates; OF is always 0.
		} else if before&signBit(width) != 0 {
			rflags |= OF
		}
	}
	return zsp(rflags, result, width)
}

// Inc/Dec recompute everything but CF, which INC/DEC leave untouched
// (the classic x86 exception to "every arithmetic op recomputes CF").
func Inc(rflags uint64, a uint64, width int) uint64 {
	sum := a + 1
	rflags &^= (OF | AF | ZF | SF | PF)
	if (a^1)&signBit(width) == 0 && (a^sum)&signBit(width) != 0 {
		rflags |= OF
	}
	if a&0xf == 0xf {
		rflags |= AF
	}
	return zsp(rflags, sum, width)
}

func Dec(rflags uint64, a uint64, width int) uint64 {
	diff := a - 1
	rflags &^= (OF | AF | ZF | SF | PF)
	if a&widthMask(width) == signBit(width) {
		rflags |= OF
	}
	if a&0xf == 0 {
		rflags |= AF
	}
	return zsp(rflags, diff, width)
}

// Test reports whether any bit of mask is set in rflags.
func Test(rflags, mask uint64) bool { return rflags&mask != 0 }
