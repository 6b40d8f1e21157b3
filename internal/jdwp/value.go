package jdwp

import (
	"fmt"
	"strconv"
)

// Value is a tagged JDWP value. Primitive payloads are kept as raw bits so a
// value survives decode and re-encode unchanged, including NaN payloads.
type Value struct {
	Tag  Tag
	bits uint64
}

func Byte(v int8) Value     { return Value{Tag: TagByte, bits: uint64(uint8(v))} }
func Char(v uint16) Value   { return Value{Tag: TagChar, bits: uint64(v)} }
func Short(v int16) Value   { return Value{Tag: TagShort, bits: uint64(uint16(v))} }
func Int(v int32) Value     { return Value{Tag: TagInt, bits: uint64(uint32(v))} }
func Long(v int64) Value    { return Value{Tag: TagLong, bits: uint64(v)} }
func Float(v float32) Value { return Value{Tag: TagFloat, bits: uint64(Float32Bits(v))} }
func Double(v float64) Value {
	return Value{Tag: TagDouble, bits: Float64Bits(v)}
}
func Void() Value { return Value{Tag: TagVoid} }

func Boolean(v bool) Value {
	if v {
		return Value{Tag: TagBoolean, bits: 1}
	}
	return Value{Tag: TagBoolean}
}

// Object returns a reference value. tag must be one of the object tags.
func Object(tag Tag, id ObjectID) Value { return Value{Tag: tag, bits: uint64(id)} }

// Null is the null object reference
func Null() Value { return Value{Tag: TagObject} }

// RawValue builds a value from its wire bits
func RawValue(tag Tag, bits uint64) Value { return Value{Tag: tag, bits: bits} }

func (v Value) Bits() uint64       { return v.bits }
func (v Value) Int8() int8         { return int8(v.bits) }
func (v Value) Uint16() uint16     { return uint16(v.bits) }
func (v Value) Int16() int16       { return int16(v.bits) }
func (v Value) Int32() int32       { return int32(v.bits) }
func (v Value) Int64() int64       { return int64(v.bits) }
func (v Value) Bool() bool         { return v.bits != 0 }
func (v Value) Float32() float32   { return Float32FromBits(uint32(v.bits)) }
func (v Value) Float64() float64   { return Float64FromBits(v.bits) }
func (v Value) ObjectID() ObjectID { return ObjectID(v.bits) }

// IsNull reports whether v is an object reference with id 0
func (v Value) IsNull() bool { return v.Tag.IsObject() && v.bits == 0 }

// String renders the value the way a Java debugger would display it.
// Object references render as their tag and id.
func (v Value) String() string {
	switch v.Tag {
	case TagVoid:
		return "void"
	case TagBoolean:
		return strconv.FormatBool(v.Bool())
	case TagByte:
		return strconv.Itoa(int(v.Int8()))
	case TagChar:
		return strconv.QuoteRune(rune(v.Uint16()))
	case TagShort:
		return strconv.Itoa(int(v.Int16()))
	case TagInt:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case TagLong:
		return strconv.FormatInt(v.Int64(), 10)
	case TagFloat:
		return strconv.FormatFloat(float64(v.Float32()), 'g', -1, 32)
	case TagDouble:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	}
	if v.bits == 0 {
		return "null"
	}
	return fmt.Sprintf("%s@%#x", v.Tag, v.bits)
}

// ParseValue converts text into a value of the given tag. Longs accept
// decimal or a 0x-prefixed hex string.
func ParseValue(tag Tag, text string) (Value, error) {
	switch tag {
	case TagBoolean:
		b, err := strconv.ParseBool(text)
		return Boolean(b), err
	case TagByte:
		n, err := strconv.ParseInt(text, 0, 8)
		return Byte(int8(n)), err
	case TagChar:
		r := []rune(text)
		if len(r) != 1 || r[0] > 0xffff {
			return Value{}, fmt.Errorf("invalid char %q", text)
		}
		return Char(uint16(r[0])), nil
	case TagShort:
		n, err := strconv.ParseInt(text, 0, 16)
		return Short(int16(n)), err
	case TagInt:
		n, err := strconv.ParseInt(text, 0, 32)
		return Int(int32(n)), err
	case TagLong:
		n, err := strconv.ParseInt(text, 0, 64)
		return Long(n), err
	case TagFloat:
		f, err := strconv.ParseFloat(text, 32)
		return Float(float32(f)), err
	case TagDouble:
		f, err := strconv.ParseFloat(text, 64)
		return Double(f), err
	}
	if text == "null" {
		return Object(tag, 0), nil
	}
	return Value{}, fmt.Errorf("cannot parse %q as %s", text, tag)
}
