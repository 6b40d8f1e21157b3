package jdwp

import "fmt"

// IDSizes holds the byte widths of the variable-width identifiers. They are
// negotiated once per connection with VirtualMachine.IDSizes.
type IDSizes struct {
	FieldID         int32
	MethodID        int32
	ObjectID        int32
	ReferenceTypeID int32
	FrameID         int32
}

// DefaultIDSizes is used until the real sizes are known. ART reports 8 for everything.
var DefaultIDSizes = IDSizes{FieldID: 8, MethodID: 8, ObjectID: 8, ReferenceTypeID: 8, FrameID: 8}

type (
	ObjectID        uint64
	ThreadID        ObjectID
	ThreadGroupID   ObjectID
	StringID        ObjectID
	ClassLoaderID   ObjectID
	ArrayID         ObjectID
	ReferenceTypeID uint64
	ClassID         ReferenceTypeID
	InterfaceID     ReferenceTypeID
	ArrayTypeID     ReferenceTypeID
	MethodID        uint64
	FieldID         uint64
	FrameID         uint64
	EventRequestID  int32
)

// TypeTag identifies the kind of a reference type
type TypeTag byte

const (
	TypeClass     TypeTag = 1
	TypeInterface TypeTag = 2
	TypeArray     TypeTag = 3
)

func (t TypeTag) String() string {
	switch t {
	case TypeClass:
		return "class"
	case TypeInterface:
		return "interface"
	case TypeArray:
		return "array"
	}
	return fmt.Sprintf("TypeTag(%d)", byte(t))
}

// Tag is the value type prefix used in tagged values
type Tag byte

const (
	TagArray       Tag = '['
	TagByte        Tag = 'B'
	TagChar        Tag = 'C'
	TagObject      Tag = 'L'
	TagFloat       Tag = 'F'
	TagDouble      Tag = 'D'
	TagInt         Tag = 'I'
	TagLong        Tag = 'J'
	TagShort       Tag = 'S'
	TagVoid        Tag = 'V'
	TagBoolean     Tag = 'Z'
	TagString      Tag = 's'
	TagThread      Tag = 't'
	TagThreadGroup Tag = 'g'
	TagClassLoader Tag = 'l'
	TagClassObject Tag = 'c'
)

// IsObject reports whether values with this tag carry an object id
func (t Tag) IsObject() bool {
	switch t {
	case TagArray, TagObject, TagString, TagThread, TagThreadGroup, TagClassLoader, TagClassObject:
		return true
	}
	return false
}

// Size returns the payload width for a value of this tag
func (t Tag) Size(sizes IDSizes) int {
	switch t {
	case TagVoid:
		return 0
	case TagByte, TagBoolean:
		return 1
	case TagChar, TagShort:
		return 2
	case TagInt, TagFloat:
		return 4
	case TagLong, TagDouble:
		return 8
	}
	return int(sizes.ObjectID)
}

func (t Tag) String() string { return string(rune(t)) }

// TagForSignature returns the tag matching the first character of a JNI
// type signature.
func TagForSignature(sig string) Tag {
	if sig == "" {
		return TagVoid
	}
	if sig == "Ljava/lang/String;" {
		return TagString
	}
	return Tag(sig[0])
}

// Location is an executable position in a method
type Location struct {
	Type   TypeTag
	Class  ClassID
	Method MethodID
	Index  uint64
}

func (l Location) IsZero() bool { return l == Location{} }

func (l Location) String() string {
	return fmt.Sprintf("%v:%#x/%#x@%d", l.Type, uint64(l.Class), uint64(l.Method), l.Index)
}

// TaggedObjectID is an object id prefixed with its value tag
type TaggedObjectID struct {
	Tag    Tag
	Object ObjectID
}

// ClassStatus bits for ClassInfo.Status
type ClassStatus int32

const (
	StatusVerified    ClassStatus = 1
	StatusPrepared    ClassStatus = 2
	StatusInitialized ClassStatus = 4
	StatusError       ClassStatus = 8
)

// ThreadStatus values returned by ThreadReference.Status
type ThreadStatus int32

const (
	ThreadZombie   ThreadStatus = 0
	ThreadRunning  ThreadStatus = 1
	ThreadSleeping ThreadStatus = 2
	ThreadMonitor  ThreadStatus = 3
	ThreadWait     ThreadStatus = 4
)

func (s ThreadStatus) String() string {
	switch s {
	case ThreadZombie:
		return "zombie"
	case ThreadRunning:
		return "running"
	case ThreadSleeping:
		return "sleeping"
	case ThreadMonitor:
		return "monitor"
	case ThreadWait:
		return "wait"
	}
	return fmt.Sprintf("ThreadStatus(%d)", int32(s))
}

// SuspendPolicy tells the VM which threads to stop when an event fires
type SuspendPolicy byte

const (
	SuspendNone        SuspendPolicy = 0
	SuspendEventThread SuspendPolicy = 1
	SuspendAll         SuspendPolicy = 2
)

// InvokeOptions for ClassType.InvokeMethod and ObjectReference.InvokeMethod
type InvokeOptions int32

const (
	InvokeSingleThreaded InvokeOptions = 1
	InvokeNonVirtual     InvokeOptions = 2
)

// StepSize and StepDepth parameterize a Step modifier
type (
	StepSize  int32
	StepDepth int32
)

const (
	StepMin  StepSize = 0
	StepLine StepSize = 1

	StepInto StepDepth = 0
	StepOver StepDepth = 1
	StepOut  StepDepth = 2
)
