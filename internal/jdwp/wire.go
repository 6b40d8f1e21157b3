package jdwp

import (
	"encoding/binary"
	"fmt"
)

// Writer appends big-endian JDWP data. Identifier widths come from Sizes.
type Writer struct {
	Sizes IDSizes
	buf   []byte
}

func NewWriter(sizes IDSizes) *Writer {
	return &Writer{Sizes: sizes}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *Writer) Int32(v int32)   { w.Uint32(uint32(v)) }
func (w *Writer) Uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *Writer) Int64(v int64)   { w.Uint64(uint64(v)) }
func (w *Writer) Uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

// Str writes a length-prefixed (modified) UTF-8 string
func (w *Writer) Str(s string) {
	w.Int32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// ID writes the low width bytes of v, big-endian
func (w *Writer) ID(width int32, v uint64) {
	for i := width - 1; i >= 0; i-- {
		w.buf = append(w.buf, byte(v>>(8*uint(i))))
	}
}

func (w *Writer) ObjectID(v ObjectID)               { w.ID(w.Sizes.ObjectID, uint64(v)) }
func (w *Writer) ThreadID(v ThreadID)               { w.ObjectID(ObjectID(v)) }
func (w *Writer) ReferenceTypeID(v ReferenceTypeID) { w.ID(w.Sizes.ReferenceTypeID, uint64(v)) }
func (w *Writer) ClassID(v ClassID)                 { w.ReferenceTypeID(ReferenceTypeID(v)) }
func (w *Writer) MethodID(v MethodID)               { w.ID(w.Sizes.MethodID, uint64(v)) }
func (w *Writer) FieldID(v FieldID)                 { w.ID(w.Sizes.FieldID, uint64(v)) }
func (w *Writer) FrameID(v FrameID)                 { w.ID(w.Sizes.FrameID, uint64(v)) }

func (w *Writer) Location(l Location) {
	w.Uint8(uint8(l.Type))
	w.ClassID(l.Class)
	w.MethodID(l.Method)
	w.Uint64(l.Index)
}

func (w *Writer) TaggedObjectID(o TaggedObjectID) {
	w.Uint8(uint8(o.Tag))
	w.ObjectID(o.Object)
}

// Value writes a tagged value
func (w *Writer) Value(v Value) {
	w.Uint8(uint8(v.Tag))
	w.UntaggedValue(v)
}

// UntaggedValue writes only the payload of v, sized by its tag
func (w *Writer) UntaggedValue(v Value) {
	w.ID(int32(v.Tag.Size(w.Sizes)), v.bits)
}

// Reader decodes big-endian JDWP data from a fixed buffer. The read offset
// is private to the Reader; the first short read sets a sticky error and
// every later read returns zero values.
type Reader struct {
	Sizes IDSizes
	buf   []byte
	off   int
	err   error
}

func NewReader(sizes IDSizes, data []byte) *Reader {
	return &Reader{Sizes: sizes, buf: data}
}

// Err returns the first decoding error
func (r *Reader) Err() error { return r.err }

// Offset is the position of the next unread byte
func (r *Reader) Offset() int { return r.off }

// Remaining is the number of unread bytes
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = &DecodeError{Offset: r.off, Err: fmt.Errorf("need %d bytes, have %d", n, len(r.buf)-r.off)}
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Fail records err as the decoding error unless one is already set
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = &DecodeError{Offset: r.off, Err: err}
	}
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.Uint8() != 0 }

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

// Count reads an int32 element count and rejects values that cannot fit
// in the remaining data, so a corrupt count cannot trigger a huge allocation.
func (r *Reader) Count(minElemSize int) int {
	n := r.Int32()
	if r.err != nil {
		return 0
	}
	if n < 0 || (minElemSize > 0 && int(n) > r.Remaining()/minElemSize) {
		r.Fail(fmt.Errorf("invalid count %d", n))
		return 0
	}
	return int(n)
}

func (r *Reader) Str() string {
	n := r.Count(1)
	return string(r.take(n))
}

func (r *Reader) ID(width int32) uint64 {
	b := r.take(int(width))
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func (r *Reader) ObjectID() ObjectID               { return ObjectID(r.ID(r.Sizes.ObjectID)) }
func (r *Reader) ThreadID() ThreadID               { return ThreadID(r.ObjectID()) }
func (r *Reader) ReferenceTypeID() ReferenceTypeID { return ReferenceTypeID(r.ID(r.Sizes.ReferenceTypeID)) }
func (r *Reader) ClassID() ClassID                 { return ClassID(r.ReferenceTypeID()) }
func (r *Reader) MethodID() MethodID               { return MethodID(r.ID(r.Sizes.MethodID)) }
func (r *Reader) FieldID() FieldID                 { return FieldID(r.ID(r.Sizes.FieldID)) }
func (r *Reader) FrameID() FrameID                 { return FrameID(r.ID(r.Sizes.FrameID)) }

func (r *Reader) Location() Location {
	return Location{
		Type:   TypeTag(r.Uint8()),
		Class:  r.ClassID(),
		Method: r.MethodID(),
		Index:  r.Uint64(),
	}
}

func (r *Reader) TaggedObjectID() TaggedObjectID {
	tag := Tag(r.Uint8())
	return TaggedObjectID{Tag: tag, Object: r.ObjectID()}
}

// Value reads a tagged value
func (r *Reader) Value() Value {
	return r.UntaggedValue(Tag(r.Uint8()))
}

// UntaggedValue reads a payload whose tag is known from context
func (r *Reader) UntaggedValue(tag Tag) Value {
	if r.err == nil && !validTag(tag) {
		r.Fail(fmt.Errorf("invalid value tag %#x", byte(tag)))
		return Value{}
	}
	return Value{Tag: tag, bits: r.ID(int32(tag.Size(r.Sizes)))}
}

func validTag(t Tag) bool {
	switch t {
	case TagByte, TagChar, TagFloat, TagDouble, TagInt, TagLong, TagShort, TagVoid, TagBoolean:
		return true
	}
	return t.IsObject()
}
