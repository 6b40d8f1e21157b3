package jdwp

import "fmt"

// ModKind identifies an event request modifier
type ModKind byte

const (
	ModCount         ModKind = 1
	ModConditional   ModKind = 2
	ModThreadOnly    ModKind = 3
	ModClassOnly     ModKind = 4
	ModClassMatch    ModKind = 5
	ModClassExclude  ModKind = 6
	ModLocationOnly  ModKind = 7
	ModExceptionOnly ModKind = 8
	ModFieldOnly     ModKind = 9
	ModStep          ModKind = 10
	ModInstanceOnly  ModKind = 11
)

// Modifier narrows when an event request fires
type Modifier interface {
	ModKind() ModKind
	encode(w *Writer)
}

// CountModifier reports only the Count'th occurrence, after which the
// request stops firing.
type CountModifier struct{ Count int32 }

type ThreadOnlyModifier struct{ Thread ThreadID }

// ClassMatchModifier restricts to types whose name matches Pattern. A
// pattern may start or end with '*'.
type ClassMatchModifier struct{ Pattern string }

type ClassExcludeModifier struct{ Pattern string }

type LocationOnlyModifier struct{ Location Location }

// ExceptionOnlyModifier restricts exception events. A zero Exception matches all types.
type ExceptionOnlyModifier struct {
	Exception ReferenceTypeID
	Caught    bool
	Uncaught  bool
}

type StepModifier struct {
	Thread ThreadID
	Size   StepSize
	Depth  StepDepth
}

func (CountModifier) ModKind() ModKind         { return ModCount }
func (ThreadOnlyModifier) ModKind() ModKind    { return ModThreadOnly }
func (ClassMatchModifier) ModKind() ModKind    { return ModClassMatch }
func (ClassExcludeModifier) ModKind() ModKind  { return ModClassExclude }
func (LocationOnlyModifier) ModKind() ModKind  { return ModLocationOnly }
func (ExceptionOnlyModifier) ModKind() ModKind { return ModExceptionOnly }
func (StepModifier) ModKind() ModKind          { return ModStep }

func (m CountModifier) encode(w *Writer)        { w.Int32(m.Count) }
func (m ThreadOnlyModifier) encode(w *Writer)   { w.ThreadID(m.Thread) }
func (m ClassMatchModifier) encode(w *Writer)   { w.Str(m.Pattern) }
func (m ClassExcludeModifier) encode(w *Writer) { w.Str(m.Pattern) }
func (m LocationOnlyModifier) encode(w *Writer) { w.Location(m.Location) }

func (m ExceptionOnlyModifier) encode(w *Writer) {
	w.ReferenceTypeID(m.Exception)
	w.Bool(m.Caught)
	w.Bool(m.Uncaught)
}

func (m StepModifier) encode(w *Writer) {
	w.ThreadID(m.Thread)
	w.Int32(int32(m.Size))
	w.Int32(int32(m.Depth))
}

// EventRequest is the argument of EventRequest.Set
type EventRequest struct {
	Kind      EventKind
	Policy    SuspendPolicy
	Modifiers []Modifier
}

func (req EventRequest) encode(w *Writer) {
	w.Uint8(uint8(req.Kind))
	w.Uint8(uint8(req.Policy))
	w.Int32(int32(len(req.Modifiers)))
	for _, m := range req.Modifiers {
		w.Uint8(uint8(m.ModKind()))
		m.encode(w)
	}
}

// DecodeEventRequest reads the payload of an EventRequest.Set command.
// Only the modifiers this package can encode are accepted.
func DecodeEventRequest(r *Reader) (EventRequest, error) {
	req := EventRequest{
		Kind:   EventKind(r.Uint8()),
		Policy: SuspendPolicy(r.Uint8()),
	}
	n := r.Count(1)
	for i := 0; i < n && r.Err() == nil; i++ {
		var m Modifier
		switch kind := ModKind(r.Uint8()); kind {
		case ModCount:
			m = CountModifier{Count: r.Int32()}
		case ModThreadOnly:
			m = ThreadOnlyModifier{Thread: r.ThreadID()}
		case ModClassMatch:
			m = ClassMatchModifier{Pattern: r.Str()}
		case ModClassExclude:
			m = ClassExcludeModifier{Pattern: r.Str()}
		case ModLocationOnly:
			m = LocationOnlyModifier{Location: r.Location()}
		case ModExceptionOnly:
			m = ExceptionOnlyModifier{Exception: r.ReferenceTypeID(), Caught: r.Bool(), Uncaught: r.Bool()}
		case ModStep:
			m = StepModifier{Thread: r.ThreadID(), Size: StepSize(r.Int32()), Depth: StepDepth(r.Int32())}
		default:
			r.Fail(fmt.Errorf("unsupported modifier kind %d", kind))
			continue
		}
		req.Modifiers = append(req.Modifiers, m)
	}
	if err := r.Err(); err != nil {
		return EventRequest{}, withWhat(err, "event request")
	}
	return req, nil
}

// MatchClassPattern implements the ClassMatch pattern rules: an optional
// leading or trailing '*' matches any prefix or suffix.
func MatchClassPattern(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case len(pattern) > 0 && pattern[len(pattern)-1] == '*':
		prefix := pattern[:len(pattern)-1]
		return len(name) >= len(prefix) && name[:len(prefix)] == prefix
	case len(pattern) > 0 && pattern[0] == '*':
		suffix := pattern[1:]
		return len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix
	}
	return pattern == name
}
