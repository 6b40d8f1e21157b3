// Package types defines shared data types used across the adbg server.
//
// This package provides type definitions for:
//   - SessionStatus: Debug session states (initializing, running, stopped, disconnected, terminated)
//   - Request types: AttachRequest, BreakpointRequest
//   - Info types: SessionInfo, DeviceInfo, ProcessInfo, StopInfo, ClassInfo
//   - EventFrame: the JSON envelope pushed to event subscribers
//
// Threads, stack frames, breakpoints and variables are rendered with the
// go-dap message types; the types here cover what DAP has no shape for.
package types

import "time"

// SessionStatus represents the status of a debug session
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "initializing"
	SessionStatusRunning      SessionStatus = "running"
	SessionStatusStopped      SessionStatus = "stopped"
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusTerminated   SessionStatus = "terminated"
)

// AttachRequest identifies the process to attach to. Either PID or
// PackageName must be set; Serial may be empty when one device is online.
type AttachRequest struct {
	Serial      string `json:"serial,omitempty"`
	PID         int    `json:"pid,omitempty"`
	PackageName string `json:"packageName,omitempty"`
	ForwardPort int    `json:"forwardPort,omitempty"`
}

// SessionInfo represents information about a debug session
type SessionInfo struct {
	SessionID   string        `json:"sessionId"`
	Serial      string        `json:"serial"`
	PID         int           `json:"pid"`
	PackageName string        `json:"packageName,omitempty"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastActive  time.Time     `json:"lastActive"`
}

// DeviceInfo represents a device known to the ADB server
type DeviceInfo struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
	Model  string `json:"model,omitempty"`
	// Product and TransportID come from the long device listing
	Product     string `json:"product,omitempty"`
	TransportID string `json:"transportId,omitempty"`
}

// ProcessInfo represents a debuggable process on a device
type ProcessInfo struct {
	PID         int    `json:"pid"`
	PackageName string `json:"packageName,omitempty"`
}

// BreakpointRequest represents a request to set a breakpoint
type BreakpointRequest struct {
	Type     string `json:"type"`
	Line     int    `json:"line"`
	HitCount int    `json:"hitCount,omitempty"`
}

// StopInfo describes where execution last stopped
type StopInfo struct {
	Reason   string    `json:"reason"`
	ThreadID int64     `json:"threadId"`
	Type     string    `json:"type,omitempty"`
	Method   string    `json:"method,omitempty"`
	Line     int       `json:"line,omitempty"`
	Source   string    `json:"source,omitempty"`
	Time     time.Time `json:"time"`
}

// ClassInfo represents a loaded class
type ClassInfo struct {
	Name       string `json:"name"`
	Signature  string `json:"signature"`
	Kind       string `json:"kind"`
	SourceFile string `json:"sourceFile,omitempty"`
}

// InvokeResult is the outcome of running a method in the target
type InvokeResult struct {
	Value     string `json:"value"`
	Type      string `json:"type"`
	Exception string `json:"exception,omitempty"`
}

// EventFrame is one message on the event stream
type EventFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
}
