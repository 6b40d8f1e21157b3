package adb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrClosed is returned by operations on a closed fd
	ErrClosed = errors.New("adb: connection closed")
	// ErrStreamActive is returned when an fd has been handed to a Stream
	ErrStreamActive = errors.New("adb: connection is owned by a stream")
)

const (
	statusOkay = "OKAY"
	statusFail = "FAIL"
)

// FailError carries the text of a FAIL reply verbatim
type FailError struct {
	Command string
	Message string
}

func (e *FailError) Error() string {
	return fmt.Sprintf("adb: %s: %s", e.Command, e.Message)
}

// IsFail reports whether err is a FAIL reply from the ADB server
func IsFail(err error) bool {
	var fe *FailError
	return errors.As(err, &fe)
}

// ProtocolError is an unexpected reply shape
type ProtocolError struct {
	Command string
	Msg     string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("adb: %s: protocol error: %s", e.Command, e.Msg)
}

// encodeRequest frames cmd with its 4 hex digit length
func encodeRequest(cmd string) ([]byte, error) {
	if len(cmd) > 0xffff {
		return nil, fmt.Errorf("adb: command too long (%d bytes)", len(cmd))
	}
	return []byte(fmt.Sprintf("%04x%s", len(cmd), cmd)), nil
}

// readStatus consumes OKAY, or FAIL and its message
func readStatus(t Transport, cmd string) error {
	b, err := t.ReadN(4)
	if err != nil {
		return err
	}
	switch string(b) {
	case statusOkay:
		return nil
	case statusFail:
		msg, err := readHexPayload(t)
		if err != nil {
			return err
		}
		return &FailError{Command: cmd, Message: string(msg)}
	}
	return &ProtocolError{Command: cmd, Msg: fmt.Sprintf("unexpected status %q", b)}
}

// readHexPayload reads a 4 hex digit length followed by that many bytes
func readHexPayload(t Transport) ([]byte, error) {
	b, err := t.ReadN(4)
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseUint(string(b), 16, 16)
	if err != nil {
		return nil, &ProtocolError{Command: "length", Msg: fmt.Sprintf("bad length %q", b)}
	}
	if n == 0 {
		return []byte{}, nil
	}
	return t.ReadN(int(n))
}

// parseHexFrame extracts one hex-length-prefixed frame from buf. ok is false
// when buf does not hold a complete frame yet.
func parseHexFrame(buf []byte) (frame, rest []byte, ok bool, err error) {
	if len(buf) < 4 {
		return nil, buf, false, nil
	}
	n, err := strconv.ParseUint(string(buf[:4]), 16, 16)
	if err != nil {
		return nil, buf, false, fmt.Errorf("adb: bad frame length %q", buf[:4])
	}
	if len(buf) < 4+int(n) {
		return nil, buf, false, nil
	}
	return buf[4 : 4+n], buf[4+n:], true, nil
}

// sync sub-protocol frame: 4 byte id + little-endian uint32
func syncFrame(id string, arg uint32) []byte {
	b := make([]byte, 8)
	copy(b, id)
	binary.LittleEndian.PutUint32(b[4:], arg)
	return b
}
