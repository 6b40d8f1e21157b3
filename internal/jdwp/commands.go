package jdwp

import "fmt"

// Command sets
const (
	SetVirtualMachine  byte = 1
	SetReferenceType   byte = 2
	SetClassType       byte = 3
	SetMethod          byte = 6
	SetObjectReference byte = 9
	SetStringReference byte = 10
	SetThreadReference byte = 11
	SetArrayReference  byte = 13
	SetEventRequest    byte = 15
	SetStackFrame      byte = 16
	SetEvent           byte = 64
)

// Request is the untyped view of a Command used by the connection
type Request interface {
	CommandName() string
	CommandKey() (set, cmd byte)
	EncodeArgs(w *Writer)
}

// Command describes one JDWP command with its arguments bound and its reply type T
type Command[T any] struct {
	Name string
	Set  byte
	Cmd  byte

	args  func(w *Writer)
	reply replyCodec[T]
}

type replyCodec[T any] struct {
	decode func(r *Reader) T
	encode func(w *Writer, v T)
}

func newCommand[T any](name string, set, cmd byte, args func(w *Writer), reply replyCodec[T]) Command[T] {
	return Command[T]{Name: name, Set: set, Cmd: cmd, args: args, reply: reply}
}

func (c Command[T]) CommandName() string      { return c.Name }
func (c Command[T]) CommandKey() (byte, byte) { return c.Set, c.Cmd }
func (c Command[T]) String() string           { return c.Name }

func (c Command[T]) EncodeArgs(w *Writer) {
	if c.args != nil {
		c.args(w)
	}
}

// Args returns the encoded argument payload
func (c Command[T]) Args(codec Codec) []byte {
	w := codec.Writer()
	c.EncodeArgs(w)
	return w.Bytes()
}

// DecodeReply turns a reply packet into T. A non-zero status becomes a
// CommandError naming this command.
func (c Command[T]) DecodeReply(codec Codec, p Packet) (T, error) {
	var zero T
	if p.ErrorCode != ErrNone {
		return zero, &CommandError{Command: c.Name, Code: p.ErrorCode}
	}
	r := codec.Reader(p.Data)
	v := c.reply.decode(r)
	if err := r.Err(); err != nil {
		return zero, withWhat(err, c.Name+" reply")
	}
	return v, nil
}

// EncodeReply produces the reply payload a VM would send for v
func (c Command[T]) EncodeReply(codec Codec, v T) []byte {
	w := codec.Writer()
	c.reply.encode(w, v)
	return w.Bytes()
}

// --- reply codecs ---

var emptyReply = replyCodec[struct{}]{
	decode: func(*Reader) struct{} { return struct{}{} },
	encode: func(*Writer, struct{}) {},
}

var stringReply = replyCodec[string]{
	decode: func(r *Reader) string { return r.Str() },
	encode: func(w *Writer, v string) { w.Str(v) },
}

var int32Reply = replyCodec[int32]{
	decode: func(r *Reader) int32 { return r.Int32() },
	encode: func(w *Writer, v int32) { w.Int32(v) },
}

var valuesReply = sliceReply(1,
	func(r *Reader) Value { return r.Value() },
	func(w *Writer, v Value) { w.Value(v) },
)

var taggedObjectReply = replyCodec[TaggedObjectID]{
	decode: func(r *Reader) TaggedObjectID { return r.TaggedObjectID() },
	encode: func(w *Writer, v TaggedObjectID) { w.TaggedObjectID(v) },
}

var invokeReply = replyCodec[InvokeResult]{
	decode: func(r *Reader) InvokeResult {
		return InvokeResult{Return: r.Value(), Exception: r.TaggedObjectID()}
	},
	encode: func(w *Writer, v InvokeResult) {
		w.Value(v.Return)
		w.TaggedObjectID(v.Exception)
	},
}

func sliceReply[T any](minElem int, dec func(r *Reader) T, enc func(w *Writer, v T)) replyCodec[[]T] {
	return replyCodec[[]T]{
		decode: func(r *Reader) []T {
			n := r.Count(minElem)
			out := make([]T, 0, n)
			for i := 0; i < n && r.Err() == nil; i++ {
				out = append(out, dec(r))
			}
			return out
		},
		encode: func(w *Writer, vs []T) {
			w.Int32(int32(len(vs)))
			for _, v := range vs {
				enc(w, v)
			}
		},
	}
}

// --- reply types ---

// Version is the VirtualMachine.Version reply
type Version struct {
	Description string
	JDWPMajor   int32
	JDWPMinor   int32
	VMVersion   string
	VMName      string
}

// ClassInfo describes a loaded reference type
type ClassInfo struct {
	Kind      TypeTag
	Type      ReferenceTypeID
	Signature string
	Status    ClassStatus
}

// Field describes a field of a reference type
type Field struct {
	ID        FieldID
	Name      string
	Signature string
	ModBits   int32
}

// Method describes a method of a reference type
type Method struct {
	ID        MethodID
	Name      string
	Signature string
	ModBits   int32
}

const modStatic = 0x0008

func (f Field) IsStatic() bool  { return f.ModBits&modStatic != 0 }
func (m Method) IsStatic() bool { return m.ModBits&modStatic != 0 }

// FieldValue pairs a field with the value to store in it
type FieldValue struct {
	Field FieldID
	Value Value
}

// InvokeResult is the reply to an invoke. Exception is non-zero when the
// invoked method threw.
type InvokeResult struct {
	Return    Value
	Exception TaggedObjectID
}

// TypeRef is a reference type with its kind
type TypeRef struct {
	Kind TypeTag
	Type ReferenceTypeID
}

// ThreadState is the ThreadReference.Status reply
type ThreadState struct {
	Status    ThreadStatus
	Suspended bool
}

// Frame is one stack frame
type Frame struct {
	ID       FrameID
	Location Location
}

// ArrayRegion is a slice of an array's elements. Primitive regions are sent
// untagged on the wire.
type ArrayRegion struct {
	Tag    Tag
	Values []Value
}

// LineTable maps code indices of a method to source lines
type LineTable struct {
	Start uint64
	End   uint64
	Lines []LineEntry
}

type LineEntry struct {
	CodeIndex uint64
	Line      int32
}

// VariableTable lists a method's local variables and their live ranges
type VariableTable struct {
	ArgCount  int32
	Variables []Variable
}

type Variable struct {
	CodeIndex uint64
	Name      string
	Signature string
	Length    uint32
	Slot      int32
}

// Visible reports whether the variable is live at code index idx
func (v Variable) Visible(idx uint64) bool {
	return idx >= v.CodeIndex && idx < v.CodeIndex+uint64(v.Length)
}

// SlotRequest names a local variable slot and the tag to read it as
type SlotRequest struct {
	Slot int32
	Tag  Tag
}

// SlotValue is a value to store in a local variable slot
type SlotValue struct {
	Slot  int32
	Value Value
}

// --- VirtualMachine ---

func VMVersion() Command[Version] {
	return newCommand("VirtualMachine.Version", SetVirtualMachine, 1, nil, replyCodec[Version]{
		decode: func(r *Reader) Version {
			return Version{
				Description: r.Str(),
				JDWPMajor:   r.Int32(),
				JDWPMinor:   r.Int32(),
				VMVersion:   r.Str(),
				VMName:      r.Str(),
			}
		},
		encode: func(w *Writer, v Version) {
			w.Str(v.Description)
			w.Int32(v.JDWPMajor)
			w.Int32(v.JDWPMinor)
			w.Str(v.VMVersion)
			w.Str(v.VMName)
		},
	})
}

// VMClassesBySignature looks up loaded types by JNI signature. The reply does
// not carry signatures; they are filled in from the request.
func VMClassesBySignature(signature string) Command[[]ClassInfo] {
	return newCommand("VirtualMachine.ClassesBySignature", SetVirtualMachine, 2,
		func(w *Writer) { w.Str(signature) },
		sliceReply(1+4,
			func(r *Reader) ClassInfo {
				return ClassInfo{
					Kind:      TypeTag(r.Uint8()),
					Type:      r.ReferenceTypeID(),
					Signature: signature,
					Status:    ClassStatus(r.Int32()),
				}
			},
			func(w *Writer, c ClassInfo) {
				w.Uint8(uint8(c.Kind))
				w.ReferenceTypeID(c.Type)
				w.Int32(int32(c.Status))
			},
		))
}

func VMAllClasses() Command[[]ClassInfo] {
	return newCommand("VirtualMachine.AllClasses", SetVirtualMachine, 3, nil,
		sliceReply(1+4+4,
			func(r *Reader) ClassInfo {
				return ClassInfo{
					Kind:      TypeTag(r.Uint8()),
					Type:      r.ReferenceTypeID(),
					Signature: r.Str(),
					Status:    ClassStatus(r.Int32()),
				}
			},
			func(w *Writer, c ClassInfo) {
				w.Uint8(uint8(c.Kind))
				w.ReferenceTypeID(c.Type)
				w.Str(c.Signature)
				w.Int32(int32(c.Status))
			},
		))
}

func VMAllThreads() Command[[]ThreadID] {
	return newCommand("VirtualMachine.AllThreads", SetVirtualMachine, 4, nil,
		sliceReply(1,
			func(r *Reader) ThreadID { return r.ThreadID() },
			func(w *Writer, t ThreadID) { w.ThreadID(t) },
		))
}

func VMDispose() Command[struct{}] {
	return newCommand("VirtualMachine.Dispose", SetVirtualMachine, 6, nil, emptyReply)
}

func VMIDSizes() Command[IDSizes] {
	return newCommand("VirtualMachine.IDSizes", SetVirtualMachine, 7, nil, replyCodec[IDSizes]{
		decode: func(r *Reader) IDSizes {
			s := IDSizes{
				FieldID:         r.Int32(),
				MethodID:        r.Int32(),
				ObjectID:        r.Int32(),
				ReferenceTypeID: r.Int32(),
				FrameID:         r.Int32(),
			}
			for _, n := range []int32{s.FieldID, s.MethodID, s.ObjectID, s.ReferenceTypeID, s.FrameID} {
				if n < 1 || n > 8 {
					r.Fail(fmt.Errorf("unsupported id size %d", n))
				}
			}
			return s
		},
		encode: func(w *Writer, s IDSizes) {
			w.Int32(s.FieldID)
			w.Int32(s.MethodID)
			w.Int32(s.ObjectID)
			w.Int32(s.ReferenceTypeID)
			w.Int32(s.FrameID)
		},
	})
}

func VMSuspend() Command[struct{}] {
	return newCommand("VirtualMachine.Suspend", SetVirtualMachine, 8, nil, emptyReply)
}

func VMResume() Command[struct{}] {
	return newCommand("VirtualMachine.Resume", SetVirtualMachine, 9, nil, emptyReply)
}

func VMCreateString(s string) Command[StringID] {
	return newCommand("VirtualMachine.CreateString", SetVirtualMachine, 11,
		func(w *Writer) { w.Str(s) },
		replyCodec[StringID]{
			decode: func(r *Reader) StringID { return StringID(r.ObjectID()) },
			encode: func(w *Writer, v StringID) { w.ObjectID(ObjectID(v)) },
		})
}

// --- ReferenceType ---

func RefTypeSignature(t ReferenceTypeID) Command[string] {
	return newCommand("ReferenceType.Signature", SetReferenceType, 1,
		func(w *Writer) { w.ReferenceTypeID(t) }, stringReply)
}

func RefTypeFields(t ReferenceTypeID) Command[[]Field] {
	return newCommand("ReferenceType.Fields", SetReferenceType, 4,
		func(w *Writer) { w.ReferenceTypeID(t) },
		sliceReply(4+4+4,
			func(r *Reader) Field {
				return Field{ID: r.FieldID(), Name: r.Str(), Signature: r.Str(), ModBits: r.Int32()}
			},
			func(w *Writer, f Field) {
				w.FieldID(f.ID)
				w.Str(f.Name)
				w.Str(f.Signature)
				w.Int32(f.ModBits)
			},
		))
}

func RefTypeMethods(t ReferenceTypeID) Command[[]Method] {
	return newCommand("ReferenceType.Methods", SetReferenceType, 5,
		func(w *Writer) { w.ReferenceTypeID(t) },
		sliceReply(4+4+4,
			func(r *Reader) Method {
				return Method{ID: r.MethodID(), Name: r.Str(), Signature: r.Str(), ModBits: r.Int32()}
			},
			func(w *Writer, m Method) {
				w.MethodID(m.ID)
				w.Str(m.Name)
				w.Str(m.Signature)
				w.Int32(m.ModBits)
			},
		))
}

// RefTypeGetValues reads static fields
func RefTypeGetValues(t ReferenceTypeID, fields []FieldID) Command[[]Value] {
	return newCommand("ReferenceType.GetValues", SetReferenceType, 6,
		func(w *Writer) {
			w.ReferenceTypeID(t)
			w.Int32(int32(len(fields)))
			for _, f := range fields {
				w.FieldID(f)
			}
		}, valuesReply)
}

func RefTypeSourceFile(t ReferenceTypeID) Command[string] {
	return newCommand("ReferenceType.SourceFile", SetReferenceType, 7,
		func(w *Writer) { w.ReferenceTypeID(t) }, stringReply)
}

// --- ClassType ---

// ClassSuperclass returns 0 for java.lang.Object
func ClassSuperclass(c ClassID) Command[ClassID] {
	return newCommand("ClassType.Superclass", SetClassType, 1,
		func(w *Writer) { w.ClassID(c) },
		replyCodec[ClassID]{
			decode: func(r *Reader) ClassID { return r.ClassID() },
			encode: func(w *Writer, v ClassID) { w.ClassID(v) },
		})
}

// ClassSetValues writes static fields. Values are sent untagged.
func ClassSetValues(c ClassID, values []FieldValue) Command[struct{}] {
	return newCommand("ClassType.SetValues", SetClassType, 2,
		func(w *Writer) {
			w.ClassID(c)
			writeFieldValues(w, values)
		}, emptyReply)
}

func ClassInvokeMethod(c ClassID, thread ThreadID, m MethodID, args []Value, opts InvokeOptions) Command[InvokeResult] {
	return newCommand("ClassType.InvokeMethod", SetClassType, 3,
		func(w *Writer) {
			w.ClassID(c)
			w.ThreadID(thread)
			w.MethodID(m)
			writeArgs(w, args, opts)
		}, invokeReply)
}

// --- Method ---

func MethodLineTable(t ReferenceTypeID, m MethodID) Command[LineTable] {
	return newCommand("Method.LineTable", SetMethod, 1,
		func(w *Writer) {
			w.ReferenceTypeID(t)
			w.MethodID(m)
		},
		replyCodec[LineTable]{
			decode: func(r *Reader) LineTable {
				lt := LineTable{Start: r.Uint64(), End: r.Uint64()}
				lines := sliceReply(8+4,
					func(r *Reader) LineEntry { return LineEntry{CodeIndex: r.Uint64(), Line: r.Int32()} },
					nil)
				lt.Lines = lines.decode(r)
				return lt
			},
			encode: func(w *Writer, lt LineTable) {
				w.Uint64(lt.Start)
				w.Uint64(lt.End)
				w.Int32(int32(len(lt.Lines)))
				for _, l := range lt.Lines {
					w.Uint64(l.CodeIndex)
					w.Int32(l.Line)
				}
			},
		})
}

func MethodVariableTable(t ReferenceTypeID, m MethodID) Command[VariableTable] {
	return newCommand("Method.VariableTable", SetMethod, 2,
		func(w *Writer) {
			w.ReferenceTypeID(t)
			w.MethodID(m)
		},
		replyCodec[VariableTable]{
			decode: func(r *Reader) VariableTable {
				vt := VariableTable{ArgCount: r.Int32()}
				vars := sliceReply(8+4+4+4+4,
					func(r *Reader) Variable {
						return Variable{
							CodeIndex: r.Uint64(),
							Name:      r.Str(),
							Signature: r.Str(),
							Length:    r.Uint32(),
							Slot:      r.Int32(),
						}
					}, nil)
				vt.Variables = vars.decode(r)
				return vt
			},
			encode: func(w *Writer, vt VariableTable) {
				w.Int32(vt.ArgCount)
				w.Int32(int32(len(vt.Variables)))
				for _, v := range vt.Variables {
					w.Uint64(v.CodeIndex)
					w.Str(v.Name)
					w.Str(v.Signature)
					w.Uint32(v.Length)
					w.Int32(v.Slot)
				}
			},
		})
}

// --- ObjectReference ---

func ObjectReferenceType(o ObjectID) Command[TypeRef] {
	return newCommand("ObjectReference.ReferenceType", SetObjectReference, 1,
		func(w *Writer) { w.ObjectID(o) },
		replyCodec[TypeRef]{
			decode: func(r *Reader) TypeRef { return TypeRef{Kind: TypeTag(r.Uint8()), Type: r.ReferenceTypeID()} },
			encode: func(w *Writer, v TypeRef) {
				w.Uint8(uint8(v.Kind))
				w.ReferenceTypeID(v.Type)
			},
		})
}

func ObjectGetValues(o ObjectID, fields []FieldID) Command[[]Value] {
	return newCommand("ObjectReference.GetValues", SetObjectReference, 2,
		func(w *Writer) {
			w.ObjectID(o)
			w.Int32(int32(len(fields)))
			for _, f := range fields {
				w.FieldID(f)
			}
		}, valuesReply)
}

func ObjectSetValues(o ObjectID, values []FieldValue) Command[struct{}] {
	return newCommand("ObjectReference.SetValues", SetObjectReference, 3,
		func(w *Writer) {
			w.ObjectID(o)
			writeFieldValues(w, values)
		}, emptyReply)
}

func ObjectInvokeMethod(o ObjectID, thread ThreadID, c ClassID, m MethodID, args []Value, opts InvokeOptions) Command[InvokeResult] {
	return newCommand("ObjectReference.InvokeMethod", SetObjectReference, 6,
		func(w *Writer) {
			w.ObjectID(o)
			w.ThreadID(thread)
			w.ClassID(c)
			w.MethodID(m)
			writeArgs(w, args, opts)
		}, invokeReply)
}

// --- StringReference ---

func StringValue(s StringID) Command[string] {
	return newCommand("StringReference.Value", SetStringReference, 1,
		func(w *Writer) { w.ObjectID(ObjectID(s)) }, stringReply)
}

// --- ThreadReference ---

func ThreadName(t ThreadID) Command[string] {
	return newCommand("ThreadReference.Name", SetThreadReference, 1,
		func(w *Writer) { w.ThreadID(t) }, stringReply)
}

func ThreadSuspend(t ThreadID) Command[struct{}] {
	return newCommand("ThreadReference.Suspend", SetThreadReference, 2,
		func(w *Writer) { w.ThreadID(t) }, emptyReply)
}

func ThreadResume(t ThreadID) Command[struct{}] {
	return newCommand("ThreadReference.Resume", SetThreadReference, 3,
		func(w *Writer) { w.ThreadID(t) }, emptyReply)
}

func ThreadGetStatus(t ThreadID) Command[ThreadState] {
	return newCommand("ThreadReference.Status", SetThreadReference, 4,
		func(w *Writer) { w.ThreadID(t) },
		replyCodec[ThreadState]{
			decode: func(r *Reader) ThreadState {
				return ThreadState{Status: ThreadStatus(r.Int32()), Suspended: r.Int32() == 1}
			},
			encode: func(w *Writer, v ThreadState) {
				w.Int32(int32(v.Status))
				if v.Suspended {
					w.Int32(1)
				} else {
					w.Int32(0)
				}
			},
		})
}

// ThreadFrames returns length frames starting at start; length -1 means all remaining
func ThreadFrames(t ThreadID, start, length int32) Command[[]Frame] {
	return newCommand("ThreadReference.Frames", SetThreadReference, 6,
		func(w *Writer) {
			w.ThreadID(t)
			w.Int32(start)
			w.Int32(length)
		},
		sliceReply(1,
			func(r *Reader) Frame { return Frame{ID: r.FrameID(), Location: r.Location()} },
			func(w *Writer, f Frame) {
				w.FrameID(f.ID)
				w.Location(f.Location)
			},
		))
}

func ThreadFrameCount(t ThreadID) Command[int32] {
	return newCommand("ThreadReference.FrameCount", SetThreadReference, 7,
		func(w *Writer) { w.ThreadID(t) }, int32Reply)
}

func ThreadSuspendCount(t ThreadID) Command[int32] {
	return newCommand("ThreadReference.SuspendCount", SetThreadReference, 12,
		func(w *Writer) { w.ThreadID(t) }, int32Reply)
}

// --- ArrayReference ---

func ArrayLength(a ArrayID) Command[int32] {
	return newCommand("ArrayReference.Length", SetArrayReference, 1,
		func(w *Writer) { w.ObjectID(ObjectID(a)) }, int32Reply)
}

func ArrayGetValues(a ArrayID, first, length int32) Command[ArrayRegion] {
	return newCommand("ArrayReference.GetValues", SetArrayReference, 2,
		func(w *Writer) {
			w.ObjectID(ObjectID(a))
			w.Int32(first)
			w.Int32(length)
		},
		replyCodec[ArrayRegion]{
			decode: func(r *Reader) ArrayRegion {
				region := ArrayRegion{Tag: Tag(r.Uint8())}
				primitive := !region.Tag.IsObject()
				n := r.Count(0)
				for i := 0; i < n && r.Err() == nil; i++ {
					if primitive {
						region.Values = append(region.Values, r.UntaggedValue(region.Tag))
					} else {
						region.Values = append(region.Values, r.Value())
					}
				}
				return region
			},
			encode: func(w *Writer, region ArrayRegion) {
				w.Uint8(uint8(region.Tag))
				w.Int32(int32(len(region.Values)))
				primitive := !region.Tag.IsObject()
				for _, v := range region.Values {
					if primitive {
						w.UntaggedValue(v)
					} else {
						w.Value(v)
					}
				}
			},
		})
}

// ArraySetValues stores values starting at first. Values are sent untagged.
func ArraySetValues(a ArrayID, first int32, values []Value) Command[struct{}] {
	return newCommand("ArrayReference.SetValues", SetArrayReference, 3,
		func(w *Writer) {
			w.ObjectID(ObjectID(a))
			w.Int32(first)
			w.Int32(int32(len(values)))
			for _, v := range values {
				w.UntaggedValue(v)
			}
		}, emptyReply)
}

// --- EventRequest ---

func EventRequestSet(req EventRequest) Command[EventRequestID] {
	return newCommand("EventRequest.Set", SetEventRequest, 1,
		req.encode,
		replyCodec[EventRequestID]{
			decode: func(r *Reader) EventRequestID { return EventRequestID(r.Int32()) },
			encode: func(w *Writer, v EventRequestID) { w.Int32(int32(v)) },
		})
}

func EventRequestClear(kind EventKind, id EventRequestID) Command[struct{}] {
	return newCommand("EventRequest.Clear", SetEventRequest, 2,
		func(w *Writer) {
			w.Uint8(uint8(kind))
			w.Int32(int32(id))
		}, emptyReply)
}

// --- StackFrame ---

func FrameGetValues(t ThreadID, f FrameID, slots []SlotRequest) Command[[]Value] {
	return newCommand("StackFrame.GetValues", SetStackFrame, 1,
		func(w *Writer) {
			w.ThreadID(t)
			w.FrameID(f)
			w.Int32(int32(len(slots)))
			for _, s := range slots {
				w.Int32(s.Slot)
				w.Uint8(uint8(s.Tag))
			}
		}, valuesReply)
}

func FrameSetValues(t ThreadID, f FrameID, values []SlotValue) Command[struct{}] {
	return newCommand("StackFrame.SetValues", SetStackFrame, 2,
		func(w *Writer) {
			w.ThreadID(t)
			w.FrameID(f)
			w.Int32(int32(len(values)))
			for _, v := range values {
				w.Int32(v.Slot)
				w.Value(v.Value)
			}
		}, emptyReply)
}

func FrameThisObject(t ThreadID, f FrameID) Command[TaggedObjectID] {
	return newCommand("StackFrame.ThisObject", SetStackFrame, 3,
		func(w *Writer) {
			w.ThreadID(t)
			w.FrameID(f)
		}, taggedObjectReply)
}

func writeFieldValues(w *Writer, values []FieldValue) {
	w.Int32(int32(len(values)))
	for _, fv := range values {
		w.FieldID(fv.Field)
		w.UntaggedValue(fv.Value)
	}
}

func writeArgs(w *Writer, args []Value, opts InvokeOptions) {
	w.Int32(int32(len(args)))
	for _, a := range args {
		w.Value(a)
	}
	w.Int32(int32(opts))
}
