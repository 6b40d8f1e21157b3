package jdwp

import (
	"fmt"
	"math"
	"strconv"
)

// Float32Bits lays out f as an IEEE-754 binary32 word from its sign,
// exponent and mantissa. NaN is canonicalized to 0x7fc00000.
func Float32Bits(f float32) uint32 {
	const (
		bias     = 127
		mantBits = 23
	)
	v := float64(f)
	switch {
	case v != v:
		return 0x7fc00000
	case math.IsInf(v, 1):
		return 0x7f800000
	case math.IsInf(v, -1):
		return 0xff800000
	}

	var sign uint32
	if v < 0 || (v == 0 && 1/v < 0) {
		sign = 1 << 31
		v = -v
	}
	if v == 0 {
		return sign
	}

	frac, exp := math.Frexp(v) // v = frac * 2^exp, frac in [0.5, 1)
	biased := exp - 1 + bias
	if biased <= 0 {
		// subnormal: v = mant * 2^-149
		return sign | uint32(math.Ldexp(v, bias-1+mantBits))
	}
	mant := uint32(math.Ldexp(frac*2-1, mantBits))
	return sign | uint32(biased)<<mantBits | mant
}

// Float32FromBits is the inverse of Float32Bits
func Float32FromBits(b uint32) float32 {
	const (
		bias     = 127
		mantBits = 23
	)
	neg := b>>31 != 0
	exp := int(b>>mantBits) & 0xff
	mant := b & (1<<mantBits - 1)

	var v float64
	switch {
	case exp == 0xff && mant != 0:
		return float32(math.NaN())
	case exp == 0xff:
		v = math.Inf(1)
	case exp == 0:
		v = math.Ldexp(float64(mant), 1-bias-mantBits)
	default:
		v = math.Ldexp(1+float64(mant)/(1<<mantBits), exp-bias)
	}
	if neg {
		v = -v
		if v == 0 {
			v = math.Copysign(0, -1)
		}
	}
	return float32(v)
}

// Float64Bits lays out f as an IEEE-754 binary64 word. NaN is canonicalized
// to 0x7ff8000000000000.
func Float64Bits(f float64) uint64 {
	const (
		bias     = 1023
		mantBits = 52
	)
	v := f
	switch {
	case v != v:
		return 0x7ff8000000000000
	case math.IsInf(v, 1):
		return 0x7ff0000000000000
	case math.IsInf(v, -1):
		return 0xfff0000000000000
	}

	var sign uint64
	if v < 0 || (v == 0 && 1/v < 0) {
		sign = 1 << 63
		v = -v
	}
	if v == 0 {
		return sign
	}

	frac, exp := math.Frexp(v)
	biased := exp - 1 + bias
	if biased <= 0 {
		return sign | uint64(math.Ldexp(v, bias-1+mantBits))
	}
	mant := uint64(math.Ldexp(frac*2-1, mantBits))
	return sign | uint64(biased)<<mantBits | mant
}

// Float64FromBits is the inverse of Float64Bits
func Float64FromBits(b uint64) float64 {
	const (
		bias     = 1023
		mantBits = 52
	)
	neg := b>>63 != 0
	exp := int(b>>mantBits) & 0x7ff
	mant := b & (1<<mantBits - 1)

	var v float64
	switch {
	case exp == 0x7ff && mant != 0:
		return math.NaN()
	case exp == 0x7ff:
		v = math.Inf(1)
	case exp == 0:
		v = math.Ldexp(float64(mant), 1-bias-mantBits)
	default:
		v = math.Ldexp(1+float64(mant)/(1<<mantBits), exp-bias)
	}
	if neg {
		if v == 0 {
			return math.Copysign(0, -1)
		}
		v = -v
	}
	return v
}

// LongToHex renders v as 16 lower-case hex digits, two's complement
func LongToHex(v int64) string {
	return fmt.Sprintf("%016x", uint64(v))
}

// LongFromHex parses up to 16 hex digits produced by LongToHex
func LongFromHex(s string) (int64, error) {
	if len(s) == 0 || len(s) > 16 {
		return 0, fmt.Errorf("invalid long hex %q: want 1-16 digits", s)
	}
	u, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid long hex %q: %w", s, err)
	}
	return int64(u), nil
}
