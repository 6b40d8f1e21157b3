// Package jdwp implements the Java Debug Wire Protocol as spoken by the
// Android runtime: packet framing, an identifier-size aware codec, typed
// command descriptors, composite events and a multiplexed connection.
package jdwp

// Codec encodes commands and decodes replies and events for one connection.
// It is a value: the connection swaps in a new Codec once the VM reports its
// identifier sizes, and decoding never shares a cursor between calls.
type Codec struct {
	Sizes IDSizes
}

// NewCodec returns a codec using DefaultIDSizes
func NewCodec() Codec { return Codec{Sizes: DefaultIDSizes} }

func (c Codec) Writer() *Writer            { return NewWriter(c.Sizes) }
func (c Codec) Reader(data []byte) *Reader { return NewReader(c.Sizes, data) }

// Encode frames req as a command packet with the given id
func (c Codec) Encode(id uint32, req Request) Packet {
	set, cmd := req.CommandKey()
	w := c.Writer()
	req.EncodeArgs(w)
	return Packet{ID: id, CommandSet: set, Command: cmd, Data: w.Bytes()}
}

// Reply frames a reply packet for id. Used by VM fakes.
func (c Codec) Reply(id uint32, code ErrorCode, data []byte) Packet {
	return Packet{ID: id, Flags: flagReply, ErrorCode: code, Data: data}
}

// DecodeEvent decodes the payload of an Event.Composite packet
func (c Codec) DecodeEvent(data []byte) (EventSet, error) {
	return decodeEventSet(c.Reader(data))
}

// EncodeEvent frames set as an Event.Composite command packet
func (c Codec) EncodeEvent(id uint32, set EventSet) (Packet, error) {
	w := c.Writer()
	if err := encodeEventSet(w, set); err != nil {
		return Packet{}, err
	}
	return Packet{ID: id, CommandSet: SetEvent, Command: 100, Data: w.Bytes()}, nil
}
