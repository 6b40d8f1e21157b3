// Package dap renders debugger state in Debug Adapter Protocol shapes.
//
// Tool clients and event subscribers already understand DAP threads, stack
// frames, breakpoints, variables and stopped events, so the JDWP-level types
// of the debugger are converted to those before they leave the process:
//   - Thread, StackFrames, Breakpoint, Variable: state snapshots
//   - StoppedBody and Event: asynchronous notifications
//   - ParseValue: text from a client into a typed JDWP value
//
// The protocol is described at: https://microsoft.github.io/debug-adapter-protocol/
package dap

import (
	"fmt"
	"strings"

	"github.com/google/go-dap"

	"github.com/ctagard/adbg/internal/debugger"
	"github.com/ctagard/adbg/internal/jdwp"
)

// Thread converts a thread snapshot
func Thread(t debugger.ThreadInfo) dap.Thread {
	return dap.Thread{Id: int(t.ID), Name: t.Name}
}

// Threads converts a thread listing
func Threads(ts []debugger.ThreadInfo) []dap.Thread {
	out := make([]dap.Thread, len(ts))
	for i, t := range ts {
		out[i] = Thread(t)
	}
	return out
}

// StackFrames converts frames. Frames without line information get line 0,
// which DAP clients show as an unknown position.
func StackFrames(frames []debugger.StackFrame) []dap.StackFrame {
	out := make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		sf := dap.StackFrame{
			Id:   int(f.ID),
			Name: frameName(f),
			Line: max(f.Line, 0),
		}
		if src := source(f.Type, f.Source); src != nil {
			sf.Source = src
		}
		out[i] = sf
	}
	return out
}

func frameName(f debugger.StackFrame) string {
	if f.Method == "" {
		return f.Type
	}
	return f.Type + "." + f.Method
}

// source guesses the project-relative path of a type's source file from
// its package and the SourceFile attribute.
func source(typeName, file string) *dap.Source {
	if file == "" {
		return nil
	}
	path := file
	if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
		path = strings.ReplaceAll(typeName[:i], ".", "/") + "/" + file
	}
	return &dap.Source{Name: file, Path: path}
}

// Breakpoint converts a breakpoint snapshot. Only enabled breakpoints are verified.
func Breakpoint(bp debugger.Breakpoint) dap.Breakpoint {
	out := dap.Breakpoint{
		Verified: bp.State == debugger.BreakpointEnabled,
		Line:     bp.Line,
		Source:   &dap.Source{Name: bp.Type},
	}
	switch bp.State {
	case debugger.BreakpointSet:
		out.Message = "not attached"
	case debugger.BreakpointNotLoaded:
		out.Message = "class not loaded or no code at this line"
	case debugger.BreakpointRemoved:
		out.Message = "removed"
	}
	return out
}

// Breakpoints converts a breakpoint listing
func Breakpoints(bps []debugger.Breakpoint) []dap.Breakpoint {
	out := make([]dap.Breakpoint, len(bps))
	for i, bp := range bps {
		out[i] = Breakpoint(bp)
	}
	return out
}

// Variable renders a named value. Non-null references carry their object id
// as VariablesReference so a client can ask for the object's fields.
func Variable(name, signature string, v jdwp.Value) dap.Variable {
	out := dap.Variable{
		Name:  name,
		Value: v.String(),
		Type:  TypeName(signature, v.Tag),
	}
	if v.Tag.IsObject() && !v.IsNull() {
		out.VariablesReference = int(v.ObjectID())
	}
	return out
}

// Locals renders the variables of a frame
func Locals(locals []debugger.Local) []dap.Variable {
	out := make([]dap.Variable, len(locals))
	for i, l := range locals {
		out[i] = Variable(l.Name, l.Signature, l.Value)
	}
	return out
}

var primitiveNames = map[jdwp.Tag]string{
	jdwp.TagBoolean: "boolean",
	jdwp.TagByte:    "byte",
	jdwp.TagChar:    "char",
	jdwp.TagShort:   "short",
	jdwp.TagInt:     "int",
	jdwp.TagLong:    "long",
	jdwp.TagFloat:   "float",
	jdwp.TagDouble:  "double",
	jdwp.TagVoid:    "void",
}

// TypeName turns a JNI signature into Java source syntax, falling back to
// the value tag when the signature is unknown.
func TypeName(signature string, tag jdwp.Tag) string {
	if signature == "" {
		if name, ok := primitiveNames[tag]; ok {
			return name
		}
		if tag == jdwp.TagString {
			return "java.lang.String"
		}
		return ""
	}
	dims := 0
	for strings.HasPrefix(signature, "[") {
		dims++
		signature = signature[1:]
	}
	var base string
	switch {
	case strings.HasPrefix(signature, "L") && strings.HasSuffix(signature, ";"):
		base = strings.ReplaceAll(signature[1:len(signature)-1], "/", ".")
	case len(signature) == 1:
		base = primitiveNames[jdwp.Tag(signature[0])]
	default:
		base = signature
	}
	return base + strings.Repeat("[]", dims)
}

// ParseValue converts client text into a value for a slot or field with the
// given signature. Only primitives and null can be written from text.
func ParseValue(signature, text string) (jdwp.Value, error) {
	tag := jdwp.TagForSignature(signature)
	v, err := jdwp.ParseValue(tag, strings.TrimSpace(text))
	if err != nil {
		return jdwp.Value{}, fmt.Errorf("%s value: %w", TypeName(signature, tag), err)
	}
	return v, nil
}

// StoppedBody describes a stop as a DAP stopped event
func StoppedBody(stop debugger.Stop) dap.StoppedEventBody {
	return dap.StoppedEventBody{
		Reason:            string(stop.Reason),
		ThreadId:          int(stop.Thread),
		AllThreadsStopped: true,
	}
}

// Event converts a debugger event into a DAP event name and body. ok is
// false for events with no DAP counterpart.
func Event(ev debugger.Event) (name string, body any, ok bool) {
	switch e := ev.(type) {
	case debugger.BreakpointHit:
		return "stopped", dap.StoppedEventBody{
			Reason:            "breakpoint",
			ThreadId:          int(e.Thread),
			AllThreadsStopped: true,
			Description:       e.Breakpoint.String(),
		}, true
	case debugger.StepCompleted:
		return "stopped", dap.StoppedEventBody{Reason: "step", ThreadId: int(e.Thread), AllThreadsStopped: true}, true
	case debugger.ExceptionThrown:
		desc := "caught exception"
		if e.Uncaught() {
			desc = "uncaught exception"
		}
		return "stopped", dap.StoppedEventBody{
			Reason:            "exception",
			ThreadId:          int(e.Thread),
			AllThreadsStopped: true,
			Description:       desc,
		}, true
	case debugger.BreakpointStateChanged:
		reason := "changed"
		switch {
		case e.Old == "":
			reason = "new"
		case e.New == debugger.BreakpointRemoved:
			reason = "removed"
		}
		return "breakpoint", dap.BreakpointEventBody{Reason: reason, Breakpoint: Breakpoint(e.Breakpoint)}, true
	case debugger.ThreadStarted:
		return "thread", dap.ThreadEventBody{Reason: "started", ThreadId: int(e.Thread)}, true
	case debugger.ThreadEnded:
		return "thread", dap.ThreadEventBody{Reason: "exited", ThreadId: int(e.Thread)}, true
	case debugger.Disconnected:
		return "terminated", dap.TerminatedEventBody{}, true
	}
	return "", nil, false
}
