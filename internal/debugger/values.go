package debugger

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/internal/jdwp"
)

var (
	ErrNoSuchField    = errors.New("no such field")
	ErrNoSuchVariable = errors.New("no such local variable")
	ErrNoSuchFrame    = errors.New("no such frame")
)

// ThreadInfo describes one thread in the target
type ThreadInfo struct {
	ID        jdwp.ThreadID
	Name      string
	Status    jdwp.ThreadStatus
	Suspended bool
	// SuspendCount is the locally tracked depth
	SuspendCount int
}

// StackFrame is a frame resolved to source terms where the VM has line info
type StackFrame struct {
	ID       jdwp.FrameID
	Location jdwp.Location
	Type     string
	Method   string
	Line     int
	Source   string
}

// Local is a local variable visible in a frame
type Local struct {
	Name      string
	Signature string
	Slot      int32
	Value     jdwp.Value
}

// ThreadIDs lists every live thread
func (d *Debugger) ThreadIDs(ctx context.Context) ([]jdwp.ThreadID, error) {
	s, err := d.session("threads")
	if err != nil {
		return nil, err
	}
	return jdwp.Do(ctx, s.conn, jdwp.VMAllThreads())
}

// ThreadInfos lists every live thread with its name and status. A thread
// that ends while being queried is left out.
func (d *Debugger) ThreadInfos(ctx context.Context) ([]ThreadInfo, error) {
	s, err := d.session("threads")
	if err != nil {
		return nil, err
	}
	ids, err := jdwp.Do(ctx, s.conn, jdwp.VMAllThreads())
	if err != nil {
		return nil, err
	}

	infos := make([]ThreadInfo, len(ids))
	live := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			name, err := jdwp.Do(gctx, s.conn, jdwp.ThreadName(id))
			if err != nil {
				if jdwp.IsCode(err, jdwp.ErrInvalidThread) {
					return nil
				}
				return err
			}
			st, err := jdwp.Do(gctx, s.conn, jdwp.ThreadGetStatus(id))
			if err != nil {
				if jdwp.IsCode(err, jdwp.ErrInvalidThread) {
					return nil
				}
				return err
			}
			infos[i] = ThreadInfo{ID: id, Name: name, Status: st.Status, Suspended: st.Suspended}
			live[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	for i := range infos {
		infos[i].SuspendCount = s.suspend.count(infos[i].ID)
	}
	d.mu.Unlock()
	return lo.Filter(infos, func(_ ThreadInfo, i int) bool { return live[i] }), nil
}

// Frames returns up to count frames of a suspended thread starting at
// start. count -1 returns every remaining frame.
func (d *Debugger) Frames(ctx context.Context, thread jdwp.ThreadID, start, count int) ([]StackFrame, error) {
	s, err := d.session("frames")
	if err != nil {
		return nil, err
	}
	frames, err := jdwp.Do(ctx, s.conn, jdwp.ThreadFrames(thread, int32(start), int32(count)))
	if err != nil {
		return nil, err
	}
	out := make([]StackFrame, 0, len(frames))
	for _, f := range frames {
		sf, err := d.describeFrame(ctx, s, f)
		if err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, nil
}

func (d *Debugger) describeFrame(ctx context.Context, s *session, f jdwp.Frame) (StackFrame, error) {
	loc := f.Location
	typ := jdwp.ReferenceTypeID(loc.Class)
	sf := StackFrame{ID: f.ID, Location: loc, Line: -1}

	sig, err := d.signature(ctx, s, typ)
	if err != nil {
		return StackFrame{}, err
	}
	sf.Type = signatureToName(sig)

	methods, err := d.methods(ctx, s, typ)
	if err != nil {
		return StackFrame{}, err
	}
	if m, ok := lo.Find(methods, func(m jdwp.Method) bool { return m.ID == loc.Method }); ok {
		sf.Method = m.Name
	}

	lt, err := d.lineTable(ctx, s, typ, loc.Method)
	switch {
	case err == nil:
		sf.Line = lineAt(lt, loc.Index)
	case noLineInfo(err):
	default:
		return StackFrame{}, err
	}

	src, err := d.sourceFile(ctx, s, typ)
	switch {
	case err == nil:
		sf.Source = src
	case jdwp.IsCode(err, jdwp.ErrAbsentInformation):
	default:
		return StackFrame{}, err
	}
	return sf, nil
}

// lineAt maps a code index to the line of the closest entry at or before it
func lineAt(lt jdwp.LineTable, idx uint64) int {
	line, best, found := -1, uint64(0), false
	for _, e := range lt.Lines {
		if e.CodeIndex <= idx && (!found || e.CodeIndex >= best) {
			line, best, found = int(e.Line), e.CodeIndex, true
		}
	}
	return line
}

// frameAt fetches the frame at depth of a suspended thread
func (d *Debugger) frameAt(ctx context.Context, s *session, thread jdwp.ThreadID, depth int) (jdwp.Frame, error) {
	if depth < 0 {
		return jdwp.Frame{}, apperrors.InvalidParameter("frame", depth, "a frame depth of zero or more")
	}
	frames, err := jdwp.Do(ctx, s.conn, jdwp.ThreadFrames(thread, int32(depth), 1))
	if err != nil {
		return jdwp.Frame{}, err
	}
	if len(frames) == 0 {
		return jdwp.Frame{}, fmt.Errorf("frame %d: %w", depth, ErrNoSuchFrame)
	}
	return frames[0], nil
}

func (d *Debugger) visibleVariables(ctx context.Context, s *session, loc jdwp.Location) ([]jdwp.Variable, error) {
	vt, err := d.variableTable(ctx, s, jdwp.ReferenceTypeID(loc.Class), loc.Method)
	if err != nil {
		return nil, err
	}
	return lo.Filter(vt.Variables, func(v jdwp.Variable, _ int) bool { return v.Visible(loc.Index) }), nil
}

// Locals reads the variables visible in the frame at depth of thread
func (d *Debugger) Locals(ctx context.Context, thread jdwp.ThreadID, depth int) ([]Local, error) {
	s, err := d.session("locals")
	if err != nil {
		return nil, err
	}
	f, err := d.frameAt(ctx, s, thread, depth)
	if err != nil {
		return nil, err
	}
	vars, err := d.visibleVariables(ctx, s, f.Location)
	if err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return nil, nil
	}
	slots := lo.Map(vars, func(v jdwp.Variable, _ int) jdwp.SlotRequest {
		return jdwp.SlotRequest{Slot: v.Slot, Tag: jdwp.TagForSignature(v.Signature)}
	})
	values, err := jdwp.Do(ctx, s.conn, jdwp.FrameGetValues(thread, f.ID, slots))
	if err != nil {
		return nil, err
	}
	locals := make([]Local, len(vars))
	for i, v := range vars {
		locals[i] = Local{Name: v.Name, Signature: v.Signature, Slot: v.Slot}
		if i < len(values) {
			locals[i].Value = values[i]
		}
	}
	return locals, nil
}

// SetLocalVariableValue stores value in the named local of the frame at depth
func (d *Debugger) SetLocalVariableValue(ctx context.Context, thread jdwp.ThreadID, depth int, name string, value jdwp.Value) error {
	s, err := d.session("set local")
	if err != nil {
		return err
	}
	f, err := d.frameAt(ctx, s, thread, depth)
	if err != nil {
		return err
	}
	vars, err := d.visibleVariables(ctx, s, f.Location)
	if err != nil {
		return err
	}
	v, ok := lo.Find(vars, func(v jdwp.Variable) bool { return v.Name == name })
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNoSuchVariable)
	}
	_, err = jdwp.Do(ctx, s.conn, jdwp.FrameSetValues(thread, f.ID, []jdwp.SlotValue{{Slot: v.Slot, Value: value}}))
	return err
}

// ThisObject returns the receiver of the frame at depth; zero in static methods
func (d *Debugger) ThisObject(ctx context.Context, thread jdwp.ThreadID, depth int) (jdwp.TaggedObjectID, error) {
	s, err := d.session("this")
	if err != nil {
		return jdwp.TaggedObjectID{}, err
	}
	f, err := d.frameAt(ctx, s, thread, depth)
	if err != nil {
		return jdwp.TaggedObjectID{}, err
	}
	return jdwp.Do(ctx, s.conn, jdwp.FrameThisObject(thread, f.ID))
}

// lookupField finds name on typ or, for classes, its superclasses. It
// returns the declaring type with the field.
func (d *Debugger) lookupField(ctx context.Context, s *session, typ jdwp.ReferenceTypeID, kind jdwp.TypeTag, name string) (jdwp.ReferenceTypeID, jdwp.Field, error) {
	for t := typ; t != 0; {
		fields, err := d.fields(ctx, s, t)
		if err != nil {
			return 0, jdwp.Field{}, err
		}
		if f, ok := lo.Find(fields, func(f jdwp.Field) bool { return f.Name == name }); ok {
			return t, f, nil
		}
		if kind != jdwp.TypeClass {
			break
		}
		super, err := d.superclass(ctx, s, jdwp.ClassID(t))
		if err != nil {
			return 0, jdwp.Field{}, err
		}
		t = jdwp.ReferenceTypeID(super)
	}
	return 0, jdwp.Field{}, fmt.Errorf("%s: %w", name, ErrNoSuchField)
}

func (d *Debugger) objectField(ctx context.Context, s *session, object jdwp.ObjectID, name string) (jdwp.Field, error) {
	ref, err := jdwp.Do(ctx, s.conn, jdwp.ObjectReferenceType(object))
	if err != nil {
		return jdwp.Field{}, err
	}
	_, f, err := d.lookupField(ctx, s, ref.Type, ref.Kind, name)
	return f, err
}

// ObjectType describes the runtime type of object
func (d *Debugger) ObjectType(ctx context.Context, object jdwp.ObjectID) (TypeInfo, error) {
	s, err := d.session("object type")
	if err != nil {
		return TypeInfo{}, err
	}
	ref, err := jdwp.Do(ctx, s.conn, jdwp.ObjectReferenceType(object))
	if err != nil {
		return TypeInfo{}, err
	}
	sig, err := d.signature(ctx, s, ref.Type)
	if err != nil {
		return TypeInfo{}, err
	}
	return d.describe(ctx, s, jdwp.ClassInfo{Kind: ref.Kind, Type: ref.Type, Signature: sig})
}

// GetFieldValue reads an instance field of object, searching superclasses
func (d *Debugger) GetFieldValue(ctx context.Context, object jdwp.ObjectID, name string) (jdwp.Value, error) {
	s, err := d.session("get field")
	if err != nil {
		return jdwp.Value{}, err
	}
	f, err := d.objectField(ctx, s, object, name)
	if err != nil {
		return jdwp.Value{}, err
	}
	values, err := jdwp.Do(ctx, s.conn, jdwp.ObjectGetValues(object, []jdwp.FieldID{f.ID}))
	if err != nil {
		return jdwp.Value{}, err
	}
	if len(values) != 1 {
		return jdwp.Value{}, fmt.Errorf("get field %s: %d values in reply", name, len(values))
	}
	return values[0], nil
}

// SetFieldValue writes an instance field of object
func (d *Debugger) SetFieldValue(ctx context.Context, object jdwp.ObjectID, name string, value jdwp.Value) error {
	s, err := d.session("set field")
	if err != nil {
		return err
	}
	f, err := d.objectField(ctx, s, object, name)
	if err != nil {
		return err
	}
	_, err = jdwp.Do(ctx, s.conn, jdwp.ObjectSetValues(object, []jdwp.FieldValue{{Field: f.ID, Value: value}}))
	return err
}

// GetStaticFieldValue reads a static field of class c or an ancestor
func (d *Debugger) GetStaticFieldValue(ctx context.Context, c jdwp.ClassID, name string) (jdwp.Value, error) {
	s, err := d.session("get static field")
	if err != nil {
		return jdwp.Value{}, err
	}
	owner, f, err := d.lookupField(ctx, s, jdwp.ReferenceTypeID(c), jdwp.TypeClass, name)
	if err != nil {
		return jdwp.Value{}, err
	}
	if !f.IsStatic() {
		return jdwp.Value{}, apperrors.InvalidParameter("field", name, "a static field")
	}
	values, err := jdwp.Do(ctx, s.conn, jdwp.RefTypeGetValues(owner, []jdwp.FieldID{f.ID}))
	if err != nil {
		return jdwp.Value{}, err
	}
	if len(values) != 1 {
		return jdwp.Value{}, fmt.Errorf("get static field %s: %d values in reply", name, len(values))
	}
	return values[0], nil
}

// SetStaticFieldValue writes a static field of class c or an ancestor
func (d *Debugger) SetStaticFieldValue(ctx context.Context, c jdwp.ClassID, name string, value jdwp.Value) error {
	s, err := d.session("set static field")
	if err != nil {
		return err
	}
	owner, f, err := d.lookupField(ctx, s, jdwp.ReferenceTypeID(c), jdwp.TypeClass, name)
	if err != nil {
		return err
	}
	if !f.IsStatic() {
		return apperrors.InvalidParameter("field", name, "a static field")
	}
	_, err = jdwp.Do(ctx, s.conn, jdwp.ClassSetValues(jdwp.ClassID(owner), []jdwp.FieldValue{{Field: f.ID, Value: value}}))
	return err
}

// GetArrayElementValues reads length elements from first. A negative length
// reads to the end of the array.
func (d *Debugger) GetArrayElementValues(ctx context.Context, array jdwp.ArrayID, first, length int) (jdwp.ArrayRegion, error) {
	s, err := d.session("get array")
	if err != nil {
		return jdwp.ArrayRegion{}, err
	}
	if first < 0 {
		return jdwp.ArrayRegion{}, apperrors.InvalidParameter("first", first, "an index of zero or more")
	}
	if length < 0 {
		n, err := jdwp.Do(ctx, s.conn, jdwp.ArrayLength(array))
		if err != nil {
			return jdwp.ArrayRegion{}, err
		}
		length = max(int(n)-first, 0)
	}
	return jdwp.Do(ctx, s.conn, jdwp.ArrayGetValues(array, int32(first), int32(length)))
}

// ArrayLength returns the number of elements in array
func (d *Debugger) ArrayLength(ctx context.Context, array jdwp.ArrayID) (int, error) {
	s, err := d.session("array length")
	if err != nil {
		return 0, err
	}
	n, err := jdwp.Do(ctx, s.conn, jdwp.ArrayLength(array))
	return int(n), err
}

// SetArrayElements stores values starting at first
func (d *Debugger) SetArrayElements(ctx context.Context, array jdwp.ArrayID, first int, values []jdwp.Value) error {
	s, err := d.session("set array")
	if err != nil {
		return err
	}
	if first < 0 {
		return apperrors.InvalidParameter("first", first, "an index of zero or more")
	}
	_, err = jdwp.Do(ctx, s.conn, jdwp.ArraySetValues(array, int32(first), values))
	return err
}

// StringValue reads the contents of a string object
func (d *Debugger) StringValue(ctx context.Context, id jdwp.StringID) (string, error) {
	s, err := d.session("string value")
	if err != nil {
		return "", err
	}
	return jdwp.Do(ctx, s.conn, jdwp.StringValue(id))
}

// CreateString makes a new string in the target, for use as an argument
func (d *Debugger) CreateString(ctx context.Context, value string) (jdwp.StringID, error) {
	s, err := d.session("create string")
	if err != nil {
		return 0, err
	}
	return jdwp.Do(ctx, s.conn, jdwp.VMCreateString(value))
}
