package jdwp

import "fmt"

// EventKind identifies the kind of an event record and of an event request
type EventKind byte

const (
	KindSingleStep           EventKind = 1
	KindBreakpoint           EventKind = 2
	KindFramePop             EventKind = 3
	KindException            EventKind = 4
	KindUserDefined          EventKind = 5
	KindThreadStart          EventKind = 6
	KindThreadDeath          EventKind = 7
	KindClassPrepare         EventKind = 8
	KindClassUnload          EventKind = 9
	KindClassLoad            EventKind = 10
	KindFieldAccess          EventKind = 20
	KindFieldModification    EventKind = 21
	KindExceptionCatch       EventKind = 30
	KindMethodEntry          EventKind = 40
	KindMethodExit           EventKind = 41
	KindMethodExitWithReturn EventKind = 42
	KindVMStart              EventKind = 90
	KindVMDeath              EventKind = 99
)

var kindNames = map[EventKind]string{
	KindSingleStep:           "SingleStep",
	KindBreakpoint:           "Breakpoint",
	KindFramePop:             "FramePop",
	KindException:            "Exception",
	KindUserDefined:          "UserDefined",
	KindThreadStart:          "ThreadStart",
	KindThreadDeath:          "ThreadDeath",
	KindClassPrepare:         "ClassPrepare",
	KindClassUnload:          "ClassUnload",
	KindClassLoad:            "ClassLoad",
	KindFieldAccess:          "FieldAccess",
	KindFieldModification:    "FieldModification",
	KindExceptionCatch:       "ExceptionCatch",
	KindMethodEntry:          "MethodEntry",
	KindMethodExit:           "MethodExit",
	KindMethodExitWithReturn: "MethodExitWithReturnValue",
	KindVMStart:              "VMStart",
	KindVMDeath:              "VMDeath",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", byte(k))
}

// EventSet is one decoded Event.Composite packet
type EventSet struct {
	Policy SuspendPolicy
	Events []Event
	// Skipped counts trailing records that were not decoded because their
	// kind is not recognized or their body was malformed. Record lengths
	// are implicit, so decoding cannot resume past either.
	Skipped int
	// Err is set when a record of a known kind failed to decode. Events
	// then holds the records decoded before it.
	Err error
}

// Event is implemented by every event record
type Event interface {
	RequestID() EventRequestID
	Kind() EventKind
}

// ThreadEvent is implemented by events that carry the thread they fired on
type ThreadEvent interface {
	Event
	EventThread() ThreadID
}

type EventVMStart struct {
	Request EventRequestID
	Thread  ThreadID
}

type EventVMDeath struct {
	Request EventRequestID
}

// EventSingleStep is raised when a step request completes
type EventSingleStep struct {
	Request  EventRequestID
	Thread   ThreadID
	Location Location
}

// EventBreakpoint is raised when a breakpoint location is reached
type EventBreakpoint struct {
	Request  EventRequestID
	Thread   ThreadID
	Location Location
}

type EventMethodEntry struct {
	Request  EventRequestID
	Thread   ThreadID
	Location Location
}

type EventMethodExit struct {
	Request  EventRequestID
	Thread   ThreadID
	Location Location
}

// EventMethodExitWithReturn is a method exit carrying the returned value
type EventMethodExitWithReturn struct {
	Request  EventRequestID
	Thread   ThreadID
	Location Location
	Value    Value
}

// EventException is raised when an exception is thrown. CatchLocation is zero
// for uncaught exceptions.
type EventException struct {
	Request       EventRequestID
	Thread        ThreadID
	Location      Location
	Exception     TaggedObjectID
	CatchLocation Location
}

type EventThreadStart struct {
	Request EventRequestID
	Thread  ThreadID
}

type EventThreadDeath struct {
	Request EventRequestID
	Thread  ThreadID
}

// EventClassPrepare is raised when a class matching a ClassPrepare request is prepared
type EventClassPrepare struct {
	Request   EventRequestID
	Thread    ThreadID
	ClassKind TypeTag
	ClassType ReferenceTypeID
	Signature string
	Status    ClassStatus
}

type EventClassUnload struct {
	Request   EventRequestID
	Signature string
}

type EventFieldAccess struct {
	Request   EventRequestID
	Thread    ThreadID
	Location  Location
	FieldKind TypeTag
	FieldType ReferenceTypeID
	Field     FieldID
	Object    TaggedObjectID
}

type EventFieldModification struct {
	Request   EventRequestID
	Thread    ThreadID
	Location  Location
	FieldKind TypeTag
	FieldType ReferenceTypeID
	Field     FieldID
	Object    TaggedObjectID
	NewValue  Value
}

func (e EventVMStart) RequestID() EventRequestID              { return e.Request }
func (e EventVMDeath) RequestID() EventRequestID              { return e.Request }
func (e EventSingleStep) RequestID() EventRequestID           { return e.Request }
func (e EventBreakpoint) RequestID() EventRequestID           { return e.Request }
func (e EventMethodEntry) RequestID() EventRequestID          { return e.Request }
func (e EventMethodExit) RequestID() EventRequestID           { return e.Request }
func (e EventMethodExitWithReturn) RequestID() EventRequestID { return e.Request }
func (e EventException) RequestID() EventRequestID            { return e.Request }
func (e EventThreadStart) RequestID() EventRequestID          { return e.Request }
func (e EventThreadDeath) RequestID() EventRequestID          { return e.Request }
func (e EventClassPrepare) RequestID() EventRequestID         { return e.Request }
func (e EventClassUnload) RequestID() EventRequestID          { return e.Request }
func (e EventFieldAccess) RequestID() EventRequestID          { return e.Request }
func (e EventFieldModification) RequestID() EventRequestID    { return e.Request }

func (EventVMStart) Kind() EventKind              { return KindVMStart }
func (EventVMDeath) Kind() EventKind              { return KindVMDeath }
func (EventSingleStep) Kind() EventKind           { return KindSingleStep }
func (EventBreakpoint) Kind() EventKind           { return KindBreakpoint }
func (EventMethodEntry) Kind() EventKind          { return KindMethodEntry }
func (EventMethodExit) Kind() EventKind           { return KindMethodExit }
func (EventMethodExitWithReturn) Kind() EventKind { return KindMethodExitWithReturn }
func (EventException) Kind() EventKind            { return KindException }
func (EventThreadStart) Kind() EventKind          { return KindThreadStart }
func (EventThreadDeath) Kind() EventKind          { return KindThreadDeath }
func (EventClassPrepare) Kind() EventKind         { return KindClassPrepare }
func (EventClassUnload) Kind() EventKind          { return KindClassUnload }
func (EventFieldAccess) Kind() EventKind          { return KindFieldAccess }
func (EventFieldModification) Kind() EventKind    { return KindFieldModification }

func (e EventVMStart) EventThread() ThreadID              { return e.Thread }
func (e EventSingleStep) EventThread() ThreadID           { return e.Thread }
func (e EventBreakpoint) EventThread() ThreadID           { return e.Thread }
func (e EventMethodEntry) EventThread() ThreadID          { return e.Thread }
func (e EventMethodExit) EventThread() ThreadID           { return e.Thread }
func (e EventMethodExitWithReturn) EventThread() ThreadID { return e.Thread }
func (e EventException) EventThread() ThreadID            { return e.Thread }
func (e EventThreadStart) EventThread() ThreadID          { return e.Thread }
func (e EventThreadDeath) EventThread() ThreadID          { return e.Thread }
func (e EventClassPrepare) EventThread() ThreadID         { return e.Thread }
func (e EventFieldAccess) EventThread() ThreadID          { return e.Thread }
func (e EventFieldModification) EventThread() ThreadID    { return e.Thread }

type eventCodec struct {
	decode func(r *Reader, req EventRequestID) Event
	encode func(w *Writer, e Event)
}

// eventCodecs is the kind dispatch table for composite event records
var eventCodecs = map[EventKind]eventCodec{
	KindVMStart: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventVMStart{Request: req, Thread: r.ThreadID()}
		},
		encode: func(w *Writer, e Event) { w.ThreadID(e.(EventVMStart).Thread) },
	},
	KindVMDeath: {
		decode: func(r *Reader, req EventRequestID) Event { return EventVMDeath{Request: req} },
		encode: func(*Writer, Event) {},
	},
	KindSingleStep: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventSingleStep{Request: req, Thread: r.ThreadID(), Location: r.Location()}
		},
		encode: func(w *Writer, e Event) {
			ev := e.(EventSingleStep)
			w.ThreadID(ev.Thread)
			w.Location(ev.Location)
		},
	},
	KindBreakpoint: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventBreakpoint{Request: req, Thread: r.ThreadID(), Location: r.Location()}
		},
		encode: func(w *Writer, e Event) {
			ev := e.(EventBreakpoint)
			w.ThreadID(ev.Thread)
			w.Location(ev.Location)
		},
	},
	KindMethodEntry: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventMethodEntry{Request: req, Thread: r.ThreadID(), Location: r.Location()}
		},
		encode: func(w *Writer, e Event) {
			ev := e.(EventMethodEntry)
			w.ThreadID(ev.Thread)
			w.Location(ev.Location)
		},
	},
	KindMethodExit: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventMethodExit{Request: req, Thread: r.ThreadID(), Location: r.Location()}
		},
		encode: func(w *Writer, e Event) {
			ev := e.(EventMethodExit)
			w.ThreadID(ev.Thread)
			w.Location(ev.Location)
		},
	},
	KindMethodExitWithReturn: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventMethodExitWithReturn{Request: req, Thread: r.ThreadID(), Location: r.Location(), Value: r.Value()}
		},
		encode: func(w *Writer, e Event) {
			ev := e.(EventMethodExitWithReturn)
			w.ThreadID(ev.Thread)
			w.Location(ev.Location)
			w.Value(ev.Value)
		},
	},
	KindException: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventException{
				Request:       req,
				Thread:        r.ThreadID(),
				Location:      r.Location(),
				Exception:     r.TaggedObjectID(),
				CatchLocation: r.Location(),
			}
		},
		encode: func(w *Writer, e Event) {
			ev := e.(EventException)
			w.ThreadID(ev.Thread)
			w.Location(ev.Location)
			w.TaggedObjectID(ev.Exception)
			w.Location(ev.CatchLocation)
		},
	},
	KindThreadStart: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventThreadStart{Request: req, Thread: r.ThreadID()}
		},
		encode: func(w *Writer, e Event) { w.ThreadID(e.(EventThreadStart).Thread) },
	},
	KindThreadDeath: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventThreadDeath{Request: req, Thread: r.ThreadID()}
		},
		encode: func(w *Writer, e Event) { w.ThreadID(e.(EventThreadDeath).Thread) },
	},
	KindClassPrepare: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventClassPrepare{
				Request:   req,
				Thread:    r.ThreadID(),
				ClassKind: TypeTag(r.Uint8()),
				ClassType: r.ReferenceTypeID(),
				Signature: r.Str(),
				Status:    ClassStatus(r.Int32()),
			}
		},
		encode: func(w *Writer, e Event) {
			ev := e.(EventClassPrepare)
			w.ThreadID(ev.Thread)
			w.Uint8(uint8(ev.ClassKind))
			w.ReferenceTypeID(ev.ClassType)
			w.Str(ev.Signature)
			w.Int32(int32(ev.Status))
		},
	},
	KindClassUnload: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventClassUnload{Request: req, Signature: r.Str()}
		},
		encode: func(w *Writer, e Event) { w.Str(e.(EventClassUnload).Signature) },
	},
	KindFieldAccess: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventFieldAccess{
				Request:   req,
				Thread:    r.ThreadID(),
				Location:  r.Location(),
				FieldKind: TypeTag(r.Uint8()),
				FieldType: r.ReferenceTypeID(),
				Field:     r.FieldID(),
				Object:    r.TaggedObjectID(),
			}
		},
		encode: func(w *Writer, e Event) {
			ev := e.(EventFieldAccess)
			w.ThreadID(ev.Thread)
			w.Location(ev.Location)
			w.Uint8(uint8(ev.FieldKind))
			w.ReferenceTypeID(ev.FieldType)
			w.FieldID(ev.Field)
			w.TaggedObjectID(ev.Object)
		},
	},
	KindFieldModification: {
		decode: func(r *Reader, req EventRequestID) Event {
			return EventFieldModification{
				Request:   req,
				Thread:    r.ThreadID(),
				Location:  r.Location(),
				FieldKind: TypeTag(r.Uint8()),
				FieldType: r.ReferenceTypeID(),
				Field:     r.FieldID(),
				Object:    r.TaggedObjectID(),
				NewValue:  r.Value(),
			}
		},
		encode: func(w *Writer, e Event) {
			ev := e.(EventFieldModification)
			w.ThreadID(ev.Thread)
			w.Location(ev.Location)
			w.Uint8(uint8(ev.FieldKind))
			w.ReferenceTypeID(ev.FieldType)
			w.FieldID(ev.Field)
			w.TaggedObjectID(ev.Object)
			w.Value(ev.NewValue)
		},
	},
}

func decodeEventSet(r *Reader) (EventSet, error) {
	set := EventSet{Policy: SuspendPolicy(r.Uint8())}
	n := r.Count(1 + 4)
	if err := r.Err(); err != nil {
		return EventSet{}, withWhat(err, "composite event header")
	}
	for i := 0; i < n; i++ {
		kind := EventKind(r.Uint8())
		req := EventRequestID(r.Int32())
		if err := r.Err(); err != nil {
			return EventSet{}, withWhat(err, "composite event record")
		}
		c, ok := eventCodecs[kind]
		if !ok {
			set.Skipped = n - i
			break
		}
		ev := c.decode(r, req)
		if err := r.Err(); err != nil {
			set.Skipped = n - i
			return set, withWhat(err, kind.String()+" event")
		}
		set.Events = append(set.Events, ev)
	}
	return set, nil
}

func encodeEventSet(w *Writer, set EventSet) error {
	w.Uint8(uint8(set.Policy))
	w.Int32(int32(len(set.Events)))
	for _, ev := range set.Events {
		c, ok := eventCodecs[ev.Kind()]
		if !ok {
			return fmt.Errorf("jdwp: cannot encode %v event", ev.Kind())
		}
		w.Uint8(uint8(ev.Kind()))
		w.Int32(int32(ev.RequestID()))
		c.encode(w, ev)
	}
	return nil
}
