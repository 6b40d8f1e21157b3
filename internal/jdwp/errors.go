package jdwp

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for commands issued on, or pending on, a closed Conn
var ErrClosed = errors.New("jdwp: connection closed")

// ErrorCode is the status field of a reply packet
type ErrorCode uint16

const (
	ErrNone                 ErrorCode = 0
	ErrInvalidThread        ErrorCode = 10
	ErrInvalidThreadGroup   ErrorCode = 11
	ErrInvalidPriority      ErrorCode = 12
	ErrThreadNotSuspended   ErrorCode = 13
	ErrThreadSuspended      ErrorCode = 14
	ErrThreadNotAlive       ErrorCode = 15
	ErrInvalidObject        ErrorCode = 20
	ErrInvalidClass         ErrorCode = 21
	ErrClassNotPrepared     ErrorCode = 22
	ErrInvalidMethodID      ErrorCode = 23
	ErrInvalidLocation      ErrorCode = 24
	ErrInvalidFieldID       ErrorCode = 25
	ErrInvalidFrameID       ErrorCode = 30
	ErrNoMoreFrames         ErrorCode = 31
	ErrOpaqueFrame          ErrorCode = 32
	ErrNotCurrentFrame      ErrorCode = 33
	ErrTypeMismatch         ErrorCode = 34
	ErrInvalidSlot          ErrorCode = 35
	ErrDuplicate            ErrorCode = 40
	ErrNotFound             ErrorCode = 41
	ErrInvalidMonitor       ErrorCode = 50
	ErrNotMonitorOwner      ErrorCode = 51
	ErrInterrupt            ErrorCode = 52
	ErrInvalidClassFormat   ErrorCode = 60
	ErrUnsupportedVersion   ErrorCode = 68
	ErrNotImplemented       ErrorCode = 99
	ErrNullPointer          ErrorCode = 100
	ErrAbsentInformation    ErrorCode = 101
	ErrInvalidEventType     ErrorCode = 102
	ErrIllegalArgument      ErrorCode = 103
	ErrOutOfMemory          ErrorCode = 110
	ErrAccessDenied         ErrorCode = 111
	ErrVMDead               ErrorCode = 112
	ErrInternal             ErrorCode = 113
	ErrUnattachedThread     ErrorCode = 115
	ErrInvalidTag           ErrorCode = 500
	ErrAlreadyInvoking      ErrorCode = 502
	ErrInvalidIndex         ErrorCode = 503
	ErrInvalidLength        ErrorCode = 504
	ErrInvalidString        ErrorCode = 506
	ErrInvalidClassLoader   ErrorCode = 507
	ErrInvalidArray         ErrorCode = 508
	ErrTransportLoad        ErrorCode = 509
	ErrTransportInit        ErrorCode = 510
	ErrNativeMethod         ErrorCode = 511
	ErrInvalidCount         ErrorCode = 512
)

var errorNames = map[ErrorCode]string{
	ErrInvalidThread:      "INVALID_THREAD",
	ErrInvalidThreadGroup: "INVALID_THREAD_GROUP",
	ErrInvalidPriority:    "INVALID_PRIORITY",
	ErrThreadNotSuspended: "THREAD_NOT_SUSPENDED",
	ErrThreadSuspended:    "THREAD_SUSPENDED",
	ErrThreadNotAlive:     "THREAD_NOT_ALIVE",
	ErrInvalidObject:      "INVALID_OBJECT",
	ErrInvalidClass:       "INVALID_CLASS",
	ErrClassNotPrepared:   "CLASS_NOT_PREPARED",
	ErrInvalidMethodID:    "INVALID_METHODID",
	ErrInvalidLocation:    "INVALID_LOCATION",
	ErrInvalidFieldID:     "INVALID_FIELDID",
	ErrInvalidFrameID:     "INVALID_FRAMEID",
	ErrNoMoreFrames:       "NO_MORE_FRAMES",
	ErrOpaqueFrame:        "OPAQUE_FRAME",
	ErrNotCurrentFrame:    "NOT_CURRENT_FRAME",
	ErrTypeMismatch:       "TYPE_MISMATCH",
	ErrInvalidSlot:        "INVALID_SLOT",
	ErrDuplicate:          "DUPLICATE",
	ErrNotFound:           "NOT_FOUND",
	ErrInvalidMonitor:     "INVALID_MONITOR",
	ErrNotMonitorOwner:    "NOT_MONITOR_OWNER",
	ErrInterrupt:          "INTERRUPT",
	ErrInvalidClassFormat: "INVALID_CLASS_FORMAT",
	ErrUnsupportedVersion: "UNSUPPORTED_VERSION",
	ErrNotImplemented:     "NOT_IMPLEMENTED",
	ErrNullPointer:        "NULL_POINTER",
	ErrAbsentInformation:  "ABSENT_INFORMATION",
	ErrInvalidEventType:   "INVALID_EVENT_TYPE",
	ErrIllegalArgument:    "ILLEGAL_ARGUMENT",
	ErrOutOfMemory:        "OUT_OF_MEMORY",
	ErrAccessDenied:       "ACCESS_DENIED",
	ErrVMDead:             "VM_DEAD",
	ErrInternal:           "INTERNAL",
	ErrUnattachedThread:   "UNATTACHED_THREAD",
	ErrInvalidTag:         "INVALID_TAG",
	ErrAlreadyInvoking:    "ALREADY_INVOKING",
	ErrInvalidIndex:       "INVALID_INDEX",
	ErrInvalidLength:      "INVALID_LENGTH",
	ErrInvalidString:      "INVALID_STRING",
	ErrInvalidClassLoader: "INVALID_CLASS_LOADER",
	ErrInvalidArray:       "INVALID_ARRAY",
	ErrTransportLoad:      "TRANSPORT_LOAD",
	ErrTransportInit:      "TRANSPORT_INIT",
	ErrNativeMethod:       "NATIVE_METHOD",
	ErrInvalidCount:       "INVALID_COUNT",
}

func (c ErrorCode) String() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", uint16(c))
}

// CommandError is a non-zero reply status, named after the command that caused it
type CommandError struct {
	Command string
	Code    ErrorCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("jdwp: %s failed: %s (%d)", e.Command, e.Code, uint16(e.Code))
}

// IsCode reports whether err is a CommandError with the given code
func IsCode(err error, code ErrorCode) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Code == code
}

// DecodeError describes malformed reply or event data
type DecodeError struct {
	What   string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.What != "" {
		return fmt.Sprintf("jdwp: decoding %s at offset %d: %v", e.What, e.Offset, e.Err)
	}
	return fmt.Sprintf("jdwp: decoding at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func withWhat(err error, what string) error {
	var de *DecodeError
	if errors.As(err, &de) && de.What == "" {
		cp := *de
		cp.What = what
		return &cp
	}
	return err
}
