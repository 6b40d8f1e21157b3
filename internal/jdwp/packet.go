package jdwp

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	headerLen = 11
	flagReply = 0x80

	// maxPacketLen bounds a single packet. Large array regions stay well below it.
	maxPacketLen = 64 << 20

	// statusCompositeEvent is what an Event.Composite command packet
	// (set 64, command 100) reads as when taken as a reply status.
	statusCompositeEvent = 0x4064
	// statusDDMChunk is an Android DDM chunk (set 0xc7, command 1).
	statusDDMChunk = 0xc701
)

// Packet is one framed JDWP message
type Packet struct {
	ID    uint32
	Flags byte
	// CommandSet and Command are set on command packets
	CommandSet byte
	Command    byte
	// ErrorCode is set on reply packets
	ErrorCode ErrorCode
	Data      []byte
}

// PacketKind classifies an incoming packet before reply matching
type PacketKind int

const (
	PacketReply PacketKind = iota
	PacketEvent
	PacketDDM
	PacketCommand
)

func (k PacketKind) String() string {
	switch k {
	case PacketReply:
		return "reply"
	case PacketEvent:
		return "event"
	case PacketDDM:
		return "ddm"
	}
	return "command"
}

// Status returns the 16-bit field after the flags byte, read as a reply status
func (p Packet) Status() uint16 {
	if p.Flags&flagReply != 0 {
		return uint16(p.ErrorCode)
	}
	return uint16(p.CommandSet)<<8 | uint16(p.Command)
}

// Kind demultiplexes by the two reserved status values. Anything else with
// the reply flag is a reply to an outstanding command.
func (p Packet) Kind() PacketKind {
	switch p.Status() {
	case statusCompositeEvent:
		if p.Flags&flagReply == 0 {
			return PacketEvent
		}
	case statusDDMChunk:
		return PacketDDM
	}
	if p.Flags&flagReply != 0 {
		return PacketReply
	}
	return PacketCommand
}

// MarshalBinary frames the packet
func (p Packet) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerLen, headerLen+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:], uint32(headerLen+len(p.Data)))
	binary.BigEndian.PutUint32(buf[4:], p.ID)
	buf[8] = p.Flags
	if p.Flags&flagReply != 0 {
		binary.BigEndian.PutUint16(buf[9:], uint16(p.ErrorCode))
	} else {
		buf[9] = p.CommandSet
		buf[10] = p.Command
	}
	return append(buf, p.Data...), nil
}

// WritePacket writes p as a single Write call
func WritePacket(w io.Writer, p Packet) error {
	b, _ := p.MarshalBinary()
	_, err := w.Write(b)
	return err
}

// ReadPacket reads one framed packet
func ReadPacket(r io.Reader) (Packet, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	length := binary.BigEndian.Uint32(hdr[0:])
	if length < headerLen || length > maxPacketLen {
		return Packet{}, fmt.Errorf("jdwp: invalid packet length %d", length)
	}
	p := Packet{
		ID:    binary.BigEndian.Uint32(hdr[4:]),
		Flags: hdr[8],
	}
	if p.Flags&flagReply != 0 {
		p.ErrorCode = ErrorCode(binary.BigEndian.Uint16(hdr[9:]))
	} else {
		p.CommandSet = hdr[9]
		p.Command = hdr[10]
	}
	p.Data = make([]byte, length-headerLen)
	if _, err := io.ReadFull(r, p.Data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	return p, nil
}
