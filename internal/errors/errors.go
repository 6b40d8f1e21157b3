// Package errors provides structured error types for the adbg debugger.
// Every error carries a machine-readable code plus a hint that tells the
// caller (a human at the CLI or an agent over MCP) how to recover.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Transport errors
	CodeTransportClosed ErrorCode = "TRANSPORT_CLOSED"
	CodeConnectFailed   ErrorCode = "CONNECT_FAILED"
	CodeDeviceNotFound  ErrorCode = "DEVICE_NOT_FOUND"

	// Protocol errors
	CodeProtocolError ErrorCode = "PROTOCOL_ERROR"
	CodeCommandFailed ErrorCode = "COMMAND_FAILED"
	CodeBridgeFail    ErrorCode = "BRIDGE_FAIL"

	// Resource errors
	CodeNoPortAvailable ErrorCode = "NO_PORT_AVAILABLE"
	CodePortInUse       ErrorCode = "PORT_IN_USE"

	// Session errors
	CodeNotConnected        ErrorCode = "NOT_CONNECTED"
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimitReached ErrorCode = "SESSION_LIMIT_REACHED"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// Permission errors
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Configuration errors
	CodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	CodeConfigInvalid  ErrorCode = "CONFIG_INVALID"

	// Runtime errors
	CodeBreakpointFailed ErrorCode = "BREAKPOINT_FAILED"
	CodeInvokeFailed     ErrorCode = "INVOKE_FAILED"
	CodeStepFailed       ErrorCode = "STEP_FAILED"
	CodeTimeout          ErrorCode = "TIMEOUT"
)

// DebugError is a structured error type that includes helpful information
// on what went wrong and how to fix it.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the invalid value, expected format)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// --- Transport Errors ---

// TransportClosed is reported when the connection to the device or the VM went away.
func TransportClosed(what string, err error) *DebugError {
	return &DebugError{
		Code:    CodeTransportClosed,
		Message: fmt.Sprintf("%s connection closed: %v", what, err),
		Hint:    "The debugger disconnected. Attach again once the device and process are reachable.",
		Cause:   err,
		Details: map[string]interface{}{
			"connection": what,
		},
	}
}

// ConnectFailed creates an error for a failed attach attempt
func ConnectFailed(serial string, pid int, err error) *DebugError {
	return &DebugError{
		Code:    CodeConnectFailed,
		Message: fmt.Sprintf("failed to attach to pid %d on %s: %v", pid, serial, err),
		Hint:    "Check that the app is debuggable and running. Use device_processes to list debuggable pids, and make sure no other debugger (Android Studio) is attached.",
		Cause:   err,
		Details: map[string]interface{}{
			"serial": serial,
			"pid":    pid,
		},
	}
}

// DeviceNotFound creates an error when a serial does not match any device
func DeviceNotFound(serial string) *DebugError {
	return &DebugError{
		Code:    CodeDeviceNotFound,
		Message: fmt.Sprintf("device '%s' not found", serial),
		Hint:    "Use device_list to see connected devices. The device must be in the 'device' state (authorized).",
		Details: map[string]interface{}{
			"serial": serial,
		},
	}
}

// --- Protocol Errors ---

// ProtocolError creates an error for malformed traffic
func ProtocolError(command string, err error) *DebugError {
	return &DebugError{
		Code:    CodeProtocolError,
		Message: fmt.Sprintf("protocol error in %s: %v", command, err),
		Hint:    "The remote end sent data that could not be decoded. If this happened during attach, retry; otherwise disconnect and attach again.",
		Cause:   err,
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

// CommandFailed creates an error for a debugger command rejected by the VM
func CommandFailed(command string, err error) *DebugError {
	return &DebugError{
		Code:    CodeCommandFailed,
		Message: fmt.Sprintf("%s failed: %v", command, err),
		Hint:    "The VM rejected the command. Most commands on threads or frames require the thread to be suspended.",
		Cause:   err,
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

// BridgeFail creates an error for a FAIL status from the ADB server
func BridgeFail(command string, err error) *DebugError {
	return &DebugError{
		Code:    CodeBridgeFail,
		Message: fmt.Sprintf("adb rejected '%s': %v", command, err),
		Hint:    "Check the device serial and that the ADB server is running (adb start-server).",
		Cause:   err,
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

// --- Resource Errors ---

// NoPortAvailable creates an error when no local forwarding port can be reserved
func NoPortAvailable(min, max int, err error) *DebugError {
	return &DebugError{
		Code:    CodeNoPortAvailable,
		Message: fmt.Sprintf("no free local port in range %d-%d", min, max),
		Hint:    "Disconnect unused sessions or widen forward.portMin/forward.portMax in the configuration.",
		Cause:   err,
		Details: map[string]interface{}{
			"portMin": min,
			"portMax": max,
		},
	}
}

// --- Session Errors ---

// NotConnected creates an error for operations that need a live debugger connection
func NotConnected(operation string) *DebugError {
	return &DebugError{
		Code:    CodeNotConnected,
		Message: fmt.Sprintf("%s requires a connected debugger", operation),
		Hint:    "Use debug_attach first. Breakpoints can still be set while disconnected.",
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// SessionNotFound creates an error for when a session ID doesn't exist
func SessionNotFound(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
		Hint:    "Use debug_list_sessions to see active sessions, or use debug_attach to create a new session.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// SessionLimitReached creates an error when max sessions is reached
func SessionLimitReached(maxSessions int) *DebugError {
	return &DebugError{
		Code:    CodeSessionLimitReached,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", maxSessions),
		Hint:    "Use debug_disconnect to terminate an existing session before creating a new one.",
		Details: map[string]interface{}{
			"maxSessions": maxSessions,
		},
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("required parameter '%s' is missing", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// --- Permission Errors ---

// PermissionDenied creates an error for operations disabled by configuration
func PermissionDenied(operation, mode string) *DebugError {
	var hint string
	switch operation {
	case "attach":
		hint = "The server is configured to disallow attaching. Enable 'allowAttach' in the configuration."
	case "modify":
		hint = "Variable modification is disabled. Enable 'allowModify' and run in 'full' mode."
	case "invoke":
		hint = "Method invocation runs code in the debuggee and is disabled. Enable 'allowInvoke' in the configuration."
	default:
		hint = fmt.Sprintf("This operation is not allowed in '%s' mode.", mode)
	}

	return &DebugError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("%s is not allowed in current server mode", operation),
		Hint:    hint,
		Details: map[string]interface{}{
			"operation": operation,
			"mode":      mode,
		},
	}
}

// --- Configuration Errors ---

// ConfigNotFound creates an error for missing launch.json configurations
func ConfigNotFound(configName string, availableConfigs []string) *DebugError {
	var hint string
	if len(availableConfigs) > 0 {
		hint = fmt.Sprintf("Available configurations: %s", strings.Join(availableConfigs, ", "))
	} else {
		hint = "No android configurations found in launch.json."
	}

	return &DebugError{
		Code:    CodeConfigNotFound,
		Message: fmt.Sprintf("configuration '%s' not found in launch.json", configName),
		Hint:    hint,
		Details: map[string]interface{}{
			"configName":       configName,
			"availableConfigs": availableConfigs,
		},
	}
}

// ConfigInvalid creates an error for invalid configuration
func ConfigInvalid(configName, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("configuration '%s' is invalid: %s", configName, reason),
		Hint:    "An android attach configuration needs a processId or a packageName.",
		Details: map[string]interface{}{
			"configName": configName,
			"reason":     reason,
		},
	}
}

// --- Runtime Errors ---

// BreakpointFailed creates an error for breakpoint failures
func BreakpointFailed(typeName string, line int, err error) *DebugError {
	return &DebugError{
		Code:    CodeBreakpointFailed,
		Message: fmt.Sprintf("could not set breakpoint at %s:%d: %v", typeName, line, err),
		Hint:    "Use the fully qualified class name (com.example.MainActivity) and a line that contains executable code.",
		Cause:   err,
		Details: map[string]interface{}{
			"type": typeName,
			"line": line,
		},
	}
}

// InvokeFailed creates an error for a method invocation that failed or threw
func InvokeFailed(method string, err error) *DebugError {
	return &DebugError{
		Code:    CodeInvokeFailed,
		Message: fmt.Sprintf("invoking %s failed: %v", method, err),
		Hint:    "The invoking thread must be suspended by an event (breakpoint or step), not just by debug_suspend.",
		Cause:   err,
		Details: map[string]interface{}{
			"method": method,
		},
	}
}

// StepFailed creates an error for step failures
func StepFailed(stepType string, err error) *DebugError {
	var hint string
	switch stepType {
	case "over":
		hint = "Step over failed. The thread may not be suspended. Use debug_threads to check its state."
	case "into":
		hint = "Step into failed. The thread may not be suspended or has already terminated."
	case "out":
		hint = "Step out failed. You may already be at the top of the call stack."
	default:
		hint = "The step operation failed. Use debug_threads to check the thread state."
	}

	return &DebugError{
		Code:    CodeStepFailed,
		Message: fmt.Sprintf("step %s failed: %v", stepType, err),
		Hint:    hint,
		Cause:   err,
		Details: map[string]interface{}{
			"stepType": stepType,
		},
	}
}

// Timeout creates an error for waits that exceeded their deadline
func Timeout(operation string, timeoutSeconds int) *DebugError {
	return &DebugError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("%s timed out after %d seconds", operation, timeoutSeconds),
		Hint:    "Nothing happened within the timeout. The app may not have reached a breakpoint yet; try again or use debug_suspend.",
		Details: map[string]interface{}{
			"operation":      operation,
			"timeoutSeconds": timeoutSeconds,
		},
	}
}

// --- Helper for wrapping generic errors ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    "UNKNOWN_ERROR",
		Message: err.Error(),
		Hint:    "An unexpected error occurred. Please check the error message for details.",
		Cause:   err,
	}
}

// HasCode reports whether err is (or wraps) a DebugError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var de *DebugError
	return stderrors.As(err, &de) && de.Code == code
}
