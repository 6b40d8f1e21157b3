// Package launchconfig reads Android attach configurations from VS Code
// launch.json files.
//
// A configuration names the process to attach to and, optionally, the
// breakpoints and exception breaks to install once attached:
//
//	{
//	  "type": "android",
//	  "request": "attach",
//	  "name": "Attach app",
//	  "serial": "${env:ANDROID_SERIAL}",
//	  "packageName": "com.example.app",
//	  "breakpoints": ["com.example.app.MainActivity:42"],
//	  "stopOnAttach": true
//	}
package launchconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ctagard/adbg/pkg/types"
)

// TypeAndroid is the debug type handled here
const TypeAndroid = "android"

// LaunchJSON represents a VS Code launch.json file structure.
type LaunchJSON struct {
	Version        string               `json:"version"`
	Configurations []DebugConfiguration `json:"configurations"`
	Inputs         []InputConfig        `json:"inputs,omitempty"`
}

// DebugConfiguration is a single entry of launch.json. Only android attach
// entries can be used, but every entry is parsed so a file shared with other
// debuggers still loads.
type DebugConfiguration struct {
	Type    string `json:"type"`
	Request string `json:"request"`
	Name    string `json:"name"`

	Serial      string `json:"serial,omitempty"`
	ProcessID   Number `json:"processId,omitempty"`
	PackageName string `json:"packageName,omitempty"`
	ForwardPort Number `json:"forwardPort,omitempty"`

	Breakpoints     []Breakpoint     `json:"breakpoints,omitempty"`
	ExceptionBreaks *ExceptionBreaks `json:"exceptionBreaks,omitempty"`
	StopOnAttach    bool             `json:"stopOnAttach,omitempty"`

	// Properties adbg does not interpret
	Extra map[string]any `json:"-"`
}

// ExceptionBreaks selects which thrown exceptions stop the VM
type ExceptionBreaks struct {
	Caught   bool `json:"caught,omitempty"`
	Uncaught bool `json:"uncaught,omitempty"`
}

// InputConfig represents a user input variable definition.
type InputConfig struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Default     string   `json:"default,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// ResolutionContext provides context for variable resolution.
type ResolutionContext struct {
	WorkspaceFolder string
	// InputValues are the answers to ${input:} prompts
	InputValues map[string]string
	// Inputs supply defaults for prompts without an answer
	Inputs       []InputConfig
	EnvOverrides map[string]string
}

// Number is an integer property that may also be written as a string, which
// lets it hold ${...} variables such as "${input:pid}".
type Number string

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Number(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected a number or string, got %s", data)
	}
	*n = Number(num.String())
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if v, err := strconv.Atoi(string(n)); err == nil {
		return []byte(strconv.Itoa(v)), nil
	}
	return json.Marshal(string(n))
}

// Int parses the value. An empty Number is zero.
func (n Number) Int() (int, error) {
	if n == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(n)))
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", string(n))
	}
	return v, nil
}

// Breakpoint is written either as "com.example.Type:line" or as an object
// with type, line and hitCount.
type Breakpoint types.BreakpointRequest

func (b *Breakpoint) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = Breakpoint{Type: s}
		return nil
	}
	var req types.BreakpointRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	*b = Breakpoint(req)
	return nil
}

func (b Breakpoint) MarshalJSON() ([]byte, error) {
	if b.HitCount == 0 && b.Line == 0 {
		return json.Marshal(b.Type)
	}
	return json.Marshal(types.BreakpointRequest(b))
}

// Request splits the "Type:line" shorthand, which may still contain
// variables before resolution.
func (b Breakpoint) Request() (types.BreakpointRequest, error) {
	req := types.BreakpointRequest(b)
	if req.Line != 0 {
		return req, nil
	}
	i := strings.LastIndexByte(req.Type, ':')
	if i < 0 {
		return req, fmt.Errorf("breakpoint %q: expected Type:line", req.Type)
	}
	line, err := strconv.Atoi(req.Type[i+1:])
	if err != nil || line <= 0 {
		return req, fmt.Errorf("breakpoint %q: invalid line", req.Type)
	}
	req.Type, req.Line = req.Type[:i], line
	return req, nil
}

var knownFields = map[string]bool{
	"type": true, "request": true, "name": true,
	"serial": true, "processId": true, "packageName": true, "forwardPort": true,
	"breakpoints": true, "exceptionBreaks": true, "stopOnAttach": true,
}

// UnmarshalJSON implements custom unmarshaling to capture unknown fields.
func (c *DebugConfiguration) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type Alias DebugConfiguration
	var alias Alias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*c = DebugConfiguration(alias)

	c.Extra = make(map[string]any)
	for key, value := range raw {
		if knownFields[key] {
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		c.Extra[key] = v
	}
	return nil
}

// MarshalJSON implements custom marshaling to include Extra fields.
func (c DebugConfiguration) MarshalJSON() ([]byte, error) {
	type Alias DebugConfiguration
	data, err := json.Marshal(Alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return data, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if !knownFields[k] {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// IsAttachRequest returns true if this is an attach configuration.
func (c *DebugConfiguration) IsAttachRequest() bool {
	return c.Request == "attach"
}

// IsAndroid returns true for configurations adbg can attach with
func (c *DebugConfiguration) IsAndroid() bool {
	return c.Type == TypeAndroid
}
