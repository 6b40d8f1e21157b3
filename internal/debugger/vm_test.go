package debugger

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctagard/adbg/internal/jdwp"
	"github.com/ctagard/adbg/internal/ports"
)

// Test fixtures: a scripted VM behind net.Pipe speaking real JDWP packets,
// and a forwarder recording what the debugger asked ADB to do.

const (
	fooType    jdwp.ReferenceTypeID = 0x100
	fooAnon    jdwp.ReferenceTypeID = 0x101
	barType    jdwp.ReferenceTypeID = 0x200
	fooInit    jdwp.MethodID        = 0x1001
	fooRun     jdwp.MethodID        = 0x1002
	fooAnonRun jdwp.MethodID        = 0x1011
	barMain    jdwp.MethodID        = 0x2001

	mainThread jdwp.ThreadID = 0x7001
	workThread jdwp.ThreadID = 0x7002
)

var (
	fooClass     = jdwp.ClassInfo{Kind: jdwp.TypeClass, Type: fooType, Signature: "Lcom/example/Foo;", Status: jdwp.StatusPrepared}
	fooAnonClass = jdwp.ClassInfo{Kind: jdwp.TypeClass, Type: fooAnon, Signature: "Lcom/example/Foo$1;", Status: jdwp.StatusPrepared}
	barClass     = jdwp.ClassInfo{Kind: jdwp.TypeClass, Type: barType, Signature: "Lcom/example/sub/Bar;", Status: jdwp.StatusPrepared}
)

type cmdKey struct{ set, cmd byte }

func keyOf(r jdwp.Request) cmdKey {
	set, cmd := r.CommandKey()
	return cmdKey{set, cmd}
}

var (
	keyIDSizes      = keyOf(jdwp.VMIDSizes())
	keySuspend      = keyOf(jdwp.VMSuspend())
	keyResume       = keyOf(jdwp.VMResume())
	keyDispose      = keyOf(jdwp.VMDispose())
	keyAllClasses   = keyOf(jdwp.VMAllClasses())
	keyBySignature  = keyOf(jdwp.VMClassesBySignature(""))
	keyAllThreads   = keyOf(jdwp.VMAllThreads())
	keyCreateString = keyOf(jdwp.VMCreateString(""))
	keySignature    = keyOf(jdwp.RefTypeSignature(0))
	keyFields       = keyOf(jdwp.RefTypeFields(0))
	keyMethods      = keyOf(jdwp.RefTypeMethods(0))
	keySourceFile   = keyOf(jdwp.RefTypeSourceFile(0))
	keySuperclass   = keyOf(jdwp.ClassSuperclass(0))
	keyClassInvoke  = keyOf(jdwp.ClassInvokeMethod(0, 0, 0, nil, 0))
	keyLineTable    = keyOf(jdwp.MethodLineTable(0, 0))
	keyVarTable     = keyOf(jdwp.MethodVariableTable(0, 0))
	keyObjectType   = keyOf(jdwp.ObjectReferenceType(0))
	keyObjectGet    = keyOf(jdwp.ObjectGetValues(0, nil))
	keyObjectSet    = keyOf(jdwp.ObjectSetValues(0, nil))
	keyObjectInvoke = keyOf(jdwp.ObjectInvokeMethod(0, 0, 0, 0, nil, 0))
	keyStringValue  = keyOf(jdwp.StringValue(0))
	keyThreadName   = keyOf(jdwp.ThreadName(0))
	keyThreadSusp   = keyOf(jdwp.ThreadSuspend(0))
	keyThreadResume = keyOf(jdwp.ThreadResume(0))
	keyThreadStatus = keyOf(jdwp.ThreadGetStatus(0))
	keyFrames       = keyOf(jdwp.ThreadFrames(0, 0, 0))
	keyArrayLength  = keyOf(jdwp.ArrayLength(0))
	keyArrayGet     = keyOf(jdwp.ArrayGetValues(0, 0, 0))
	keyRequestSet   = keyOf(jdwp.EventRequestSet(jdwp.EventRequest{}))
	keyRequestClear = keyOf(jdwp.EventRequestClear(0, 0))
	keyFrameGet     = keyOf(jdwp.FrameGetValues(0, 0, nil))
	keyFrameSet     = keyOf(jdwp.FrameSetValues(0, 0, nil))
)

// commandNames maps every command the fake understands to its name
var commandNames = func() map[cmdKey]string {
	m := make(map[cmdKey]string)
	for _, r := range []jdwp.Request{
		jdwp.VMIDSizes(), jdwp.VMSuspend(), jdwp.VMResume(), jdwp.VMDispose(), jdwp.VMAllClasses(),
		jdwp.VMClassesBySignature(""), jdwp.VMAllThreads(), jdwp.VMCreateString(""),
		jdwp.RefTypeSignature(0), jdwp.RefTypeFields(0), jdwp.RefTypeMethods(0), jdwp.RefTypeSourceFile(0),
		jdwp.ClassSuperclass(0), jdwp.ClassInvokeMethod(0, 0, 0, nil, 0),
		jdwp.MethodLineTable(0, 0), jdwp.MethodVariableTable(0, 0),
		jdwp.ObjectReferenceType(0), jdwp.ObjectGetValues(0, nil), jdwp.ObjectSetValues(0, nil),
		jdwp.ObjectInvokeMethod(0, 0, 0, 0, nil, 0), jdwp.StringValue(0),
		jdwp.ThreadName(0), jdwp.ThreadSuspend(0), jdwp.ThreadResume(0), jdwp.ThreadGetStatus(0),
		jdwp.ThreadFrames(0, 0, 0), jdwp.ArrayLength(0), jdwp.ArrayGetValues(0, 0, 0),
		jdwp.EventRequestSet(jdwp.EventRequest{}), jdwp.EventRequestClear(0, 0),
		jdwp.FrameGetValues(0, 0, nil), jdwp.FrameSetValues(0, 0, nil),
	} {
		m[keyOf(r)] = r.CommandName()
	}
	return m
}()

type vmRequest struct {
	id   jdwp.EventRequestID
	req  jdwp.EventRequest
	seen int32
}

func (r *vmRequest) modifier(kind jdwp.ModKind) (jdwp.Modifier, bool) {
	for _, m := range r.req.Modifiers {
		if m.ModKind() == kind {
			return m, true
		}
	}
	return nil, false
}

type vmInvoke struct {
	thread jdwp.ThreadID
	object jdwp.ObjectID
	method jdwp.MethodID
	reply  chan jdwp.InvokeResult
}

type fakeVM struct {
	t     *testing.T
	codec jdwp.Codec

	wmu  sync.Mutex
	mu   sync.Mutex
	conn net.Conn
	gone chan struct{}

	dialErr   error
	dials     int
	classes   []jdwp.ClassInfo
	methods   map[jdwp.ReferenceTypeID][]jdwp.Method
	fields    map[jdwp.ReferenceTypeID][]jdwp.Field
	supers    map[jdwp.ReferenceTypeID]jdwp.ClassID
	objects   map[jdwp.ObjectID]jdwp.ReferenceTypeID
	values    map[jdwp.FieldID]jdwp.Value
	lines     map[jdwp.MethodID]jdwp.LineTable
	variables map[jdwp.MethodID]jdwp.VariableTable
	frames    map[jdwp.ThreadID][]jdwp.Frame
	slots     map[int32]jdwp.Value
	threads   []jdwp.ThreadID

	requests map[jdwp.EventRequestID]*vmRequest
	nextReq  jdwp.EventRequestID
	nextEvt  uint32
	calls    map[string]int
	log      []string
	gates    map[string]chan struct{}

	invokes chan *vmInvoke
}

func newFakeVM(t *testing.T) *fakeVM {
	return &fakeVM{
		t:       t,
		codec:   jdwp.NewCodec(),
		methods: map[jdwp.ReferenceTypeID][]jdwp.Method{
			fooType: {
				{ID: fooInit, Name: "<init>", Signature: "()V"},
				{ID: fooRun, Name: "run", Signature: "()V"},
			},
			fooAnon: {{ID: fooAnonRun, Name: "run", Signature: "()V"}},
			barType: {{ID: barMain, Name: "main", Signature: "()V", ModBits: 0x0008}},
		},
		fields:  map[jdwp.ReferenceTypeID][]jdwp.Field{},
		supers:  map[jdwp.ReferenceTypeID]jdwp.ClassID{},
		objects: map[jdwp.ObjectID]jdwp.ReferenceTypeID{},
		values:  map[jdwp.FieldID]jdwp.Value{},
		lines: map[jdwp.MethodID]jdwp.LineTable{
			fooInit: {End: 8, Lines: []jdwp.LineEntry{{CodeIndex: 0, Line: 10}, {CodeIndex: 4, Line: 11}}},
			fooRun: {End: 16, Lines: []jdwp.LineEntry{
				{CodeIndex: 0, Line: 20}, {CodeIndex: 3, Line: 21}, {CodeIndex: 8, Line: 22}, {CodeIndex: 12, Line: 20},
			}},
			fooAnonRun: {End: 4, Lines: []jdwp.LineEntry{{CodeIndex: 0, Line: 30}}},
			barMain:    {End: 4, Lines: []jdwp.LineEntry{{CodeIndex: 2, Line: 5}}},
		},
		variables: map[jdwp.MethodID]jdwp.VariableTable{},
		frames:    map[jdwp.ThreadID][]jdwp.Frame{},
		slots:     map[int32]jdwp.Value{},
		threads:   []jdwp.ThreadID{mainThread, workThread},
		requests:  map[jdwp.EventRequestID]*vmRequest{},
		calls:     map[string]int{},
		gates:     map[string]chan struct{}{},
		invokes:   make(chan *vmInvoke, 16),
	}
}

// dial is the debugger's DialFunc: every call is a fresh VM connection
func (vm *fakeVM) dial(ctx context.Context, port int) (io.ReadWriteCloser, error) {
	vm.mu.Lock()
	vm.dials++
	if vm.dialErr != nil {
		err := vm.dialErr
		vm.mu.Unlock()
		return nil, err
	}
	client, server := net.Pipe()
	vm.conn = server
	vm.gone = make(chan struct{})
	vm.requests = map[jdwp.EventRequestID]*vmRequest{}
	gone := vm.gone
	vm.mu.Unlock()

	go vm.serve(server, gone)
	return client, nil
}

func (vm *fakeVM) serve(conn net.Conn, gone chan struct{}) {
	defer close(gone)
	defer conn.Close()

	buf := make([]byte, len("JDWP-Handshake"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}
	if _, err := conn.Write(buf); err != nil {
		return
	}
	for {
		p, err := jdwp.ReadPacket(conn)
		if err != nil {
			return
		}
		go vm.handle(conn, gone, p)
	}
}

func (vm *fakeVM) handle(conn net.Conn, gone chan struct{}, p jdwp.Packet) {
	key := cmdKey{p.CommandSet, p.Command}
	name := commandNames[key]

	vm.mu.Lock()
	vm.calls[name]++
	vm.log = append(vm.log, name)
	gate := vm.gates[name]
	vm.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-gone:
			return
		}
	}

	data, code := vm.answer(key, vm.codec.Reader(p.Data), gone)
	if code == dropReply {
		return
	}
	vm.write(conn, vm.codec.Reply(p.ID, code, data))
}

func (vm *fakeVM) write(conn net.Conn, p jdwp.Packet) {
	vm.wmu.Lock()
	defer vm.wmu.Unlock()
	_ = jdwp.WritePacket(conn, p)
}

var empty = struct{}{}

// dropReply tells handle the connection went away and nothing is sent
const dropReply jdwp.ErrorCode = 0xffff

func (vm *fakeVM) answer(key cmdKey, r *jdwp.Reader, gone chan struct{}) ([]byte, jdwp.ErrorCode) {
	c := vm.codec
	vm.mu.Lock()
	defer vm.mu.Unlock()

	switch key {
	case keyIDSizes:
		return jdwp.VMIDSizes().EncodeReply(c, jdwp.DefaultIDSizes), 0
	case keySuspend, keyResume, keyDispose, keyThreadSusp, keyThreadResume:
		return jdwp.VMSuspend().EncodeReply(c, empty), 0
	case keyAllClasses:
		return jdwp.VMAllClasses().EncodeReply(c, append([]jdwp.ClassInfo(nil), vm.classes...)), 0
	case keyBySignature:
		sig := r.Str()
		var found []jdwp.ClassInfo
		for _, ci := range vm.classes {
			if ci.Signature == sig {
				found = append(found, ci)
			}
		}
		return jdwp.VMClassesBySignature(sig).EncodeReply(c, found), 0
	case keyAllThreads:
		return jdwp.VMAllThreads().EncodeReply(c, vm.threads), 0
	case keyCreateString:
		return jdwp.VMCreateString("").EncodeReply(c, jdwp.StringID(0x9001)), 0
	case keySignature:
		typ := r.ReferenceTypeID()
		for _, ci := range vm.classes {
			if ci.Type == typ {
				return jdwp.RefTypeSignature(0).EncodeReply(c, ci.Signature), 0
			}
		}
		return nil, jdwp.ErrInvalidClass
	case keyFields:
		return jdwp.RefTypeFields(0).EncodeReply(c, vm.fields[r.ReferenceTypeID()]), 0
	case keyMethods:
		return jdwp.RefTypeMethods(0).EncodeReply(c, vm.methods[r.ReferenceTypeID()]), 0
	case keySourceFile:
		if r.ReferenceTypeID() == fooType {
			return jdwp.RefTypeSourceFile(0).EncodeReply(c, "Foo.java"), 0
		}
		return nil, jdwp.ErrAbsentInformation
	case keySuperclass:
		return jdwp.ClassSuperclass(0).EncodeReply(c, vm.supers[r.ReferenceTypeID()]), 0
	case keyLineTable:
		r.ReferenceTypeID()
		lt, ok := vm.lines[r.MethodID()]
		if !ok {
			return nil, jdwp.ErrAbsentInformation
		}
		return jdwp.MethodLineTable(0, 0).EncodeReply(c, lt), 0
	case keyVarTable:
		r.ReferenceTypeID()
		vt, ok := vm.variables[r.MethodID()]
		if !ok {
			return nil, jdwp.ErrAbsentInformation
		}
		return jdwp.MethodVariableTable(0, 0).EncodeReply(c, vt), 0
	case keyObjectType:
		typ, ok := vm.objects[r.ObjectID()]
		if !ok {
			return nil, jdwp.ErrInvalidObject
		}
		return jdwp.ObjectReferenceType(0).EncodeReply(c, jdwp.TypeRef{Kind: jdwp.TypeClass, Type: typ}), 0
	case keyObjectGet:
		r.ObjectID()
		n := r.Int32()
		var out []jdwp.Value
		for i := int32(0); i < n; i++ {
			out = append(out, vm.values[r.FieldID()])
		}
		return jdwp.ObjectGetValues(0, nil).EncodeReply(c, out), 0
	case keyObjectSet:
		r.ObjectID()
		n := r.Int32()
		for i := int32(0); i < n; i++ {
			// Field values are untagged; the fixtures only write ints.
			f := r.FieldID()
			vm.values[f] = r.UntaggedValue(jdwp.TagInt)
		}
		return jdwp.VMSuspend().EncodeReply(c, empty), 0
	case keyFrameSet:
		r.ThreadID()
		r.FrameID()
		n := r.Int32()
		for i := int32(0); i < n; i++ {
			slot := r.Int32()
			vm.slots[slot] = r.Value()
		}
		return jdwp.VMSuspend().EncodeReply(c, empty), 0
	case keyStringValue:
		return jdwp.StringValue(0).EncodeReply(c, "hello"), 0
	case keyThreadName:
		if r.ThreadID() == mainThread {
			return jdwp.ThreadName(0).EncodeReply(c, "main"), 0
		}
		return jdwp.ThreadName(0).EncodeReply(c, "worker"), 0
	case keyThreadStatus:
		return jdwp.ThreadGetStatus(0).EncodeReply(c, jdwp.ThreadState{Status: jdwp.ThreadRunning, Suspended: true}), 0
	case keyFrames:
		t := r.ThreadID()
		start, length := int(r.Int32()), int(r.Int32())
		fs := vm.frames[t]
		if start > len(fs) {
			return nil, jdwp.ErrInvalidIndex
		}
		fs = fs[start:]
		if length >= 0 && length < len(fs) {
			fs = fs[:length]
		}
		return jdwp.ThreadFrames(0, 0, 0).EncodeReply(c, fs), 0
	case keyFrameGet:
		r.ThreadID()
		r.FrameID()
		n := r.Int32()
		var out []jdwp.Value
		for i := int32(0); i < n; i++ {
			slot := r.Int32()
			r.Uint8()
			out = append(out, vm.slots[slot])
		}
		return jdwp.FrameGetValues(0, 0, nil).EncodeReply(c, out), 0
	case keyArrayLength:
		return jdwp.ArrayLength(0).EncodeReply(c, 3), 0
	case keyArrayGet:
		r.ObjectID()
		first, length := r.Int32(), r.Int32()
		region := jdwp.ArrayRegion{Tag: jdwp.TagInt}
		for i := first; i < first+length; i++ {
			region.Values = append(region.Values, jdwp.Int(i*10))
		}
		return jdwp.ArrayGetValues(0, 0, 0).EncodeReply(c, region), 0
	case keyRequestSet:
		req, err := jdwp.DecodeEventRequest(r)
		if err != nil {
			return nil, jdwp.ErrIllegalArgument
		}
		vm.nextReq++
		vm.requests[vm.nextReq] = &vmRequest{id: vm.nextReq, req: req}
		return jdwp.EventRequestSet(req).EncodeReply(c, vm.nextReq), 0
	case keyRequestClear:
		r.Uint8()
		delete(vm.requests, jdwp.EventRequestID(r.Int32()))
		return jdwp.VMSuspend().EncodeReply(c, empty), 0
	case keyClassInvoke, keyObjectInvoke:
		inv := &vmInvoke{reply: make(chan jdwp.InvokeResult, 1)}
		if key == keyObjectInvoke {
			inv.object = r.ObjectID()
		} else {
			r.ClassID()
		}
		inv.thread = r.ThreadID()
		if key == keyObjectInvoke {
			r.ClassID()
		}
		inv.method = r.MethodID()
		vm.mu.Unlock()
		vm.invokes <- inv
		var res jdwp.InvokeResult
		select {
		case res = <-inv.reply:
		case <-gone:
			vm.mu.Lock()
			return nil, dropReply
		}
		vm.mu.Lock()
		return jdwp.ClassInvokeMethod(0, 0, 0, nil, 0).EncodeReply(c, res), 0
	}
	return nil, jdwp.ErrNotImplemented
}

// event sends a composite event on the current connection
func (vm *fakeVM) event(policy jdwp.SuspendPolicy, evs ...jdwp.Event) {
	vm.t.Helper()
	vm.mu.Lock()
	vm.nextEvt++
	id, conn := vm.nextEvt, vm.conn
	vm.mu.Unlock()
	p, err := vm.codec.EncodeEvent(id, jdwp.EventSet{Policy: policy, Events: evs})
	require.NoError(vm.t, err)
	vm.write(conn, p)
}

// matching returns the live requests of kind satisfying pred
func (vm *fakeVM) matching(kind jdwp.EventKind, pred func(r *vmRequest) bool) []*vmRequest {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	var out []*vmRequest
	for id := jdwp.EventRequestID(1); id <= vm.nextReq; id++ {
		r, ok := vm.requests[id]
		if ok && r.req.Kind == kind && (pred == nil || pred(r)) {
			out = append(out, r)
		}
	}
	return out
}

// fire applies Count filtering to the requests and returns those that
// fire. A request whose count is reached expires.
func (vm *fakeVM) fire(reqs []*vmRequest) []*vmRequest {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	var fired []*vmRequest
	for _, r := range reqs {
		m, ok := r.modifier(jdwp.ModCount)
		if !ok {
			fired = append(fired, r)
			continue
		}
		r.seen++
		if r.seen == m.(jdwp.CountModifier).Count {
			fired = append(fired, r)
			delete(vm.requests, r.id)
		}
	}
	return fired
}

// hit executes loc on thread and reports how many breakpoint events fired
func (vm *fakeVM) hit(thread jdwp.ThreadID, loc jdwp.Location) int {
	reqs := vm.matching(jdwp.KindBreakpoint, func(r *vmRequest) bool {
		m, ok := r.modifier(jdwp.ModLocationOnly)
		return ok && m.(jdwp.LocationOnlyModifier).Location == loc
	})
	fired := vm.fire(reqs)
	if len(fired) == 0 {
		return 0
	}
	var evs []jdwp.Event
	for _, r := range fired {
		evs = append(evs, jdwp.EventBreakpoint{Request: r.id, Thread: thread, Location: loc})
	}
	vm.event(jdwp.SuspendAll, evs...)
	return len(fired)
}

// loadClass prepares a class and reports it to every matching filter in one composite
func (vm *fakeVM) loadClass(thread jdwp.ThreadID, ci jdwp.ClassInfo) int {
	vm.mu.Lock()
	vm.classes = append(vm.classes, ci)
	vm.mu.Unlock()

	name := signatureToName(ci.Signature)
	reqs := vm.matching(jdwp.KindClassPrepare, func(r *vmRequest) bool {
		m, ok := r.modifier(jdwp.ModClassMatch)
		return !ok || jdwp.MatchClassPattern(m.(jdwp.ClassMatchModifier).Pattern, name)
	})
	if len(reqs) == 0 {
		return 0
	}
	var evs []jdwp.Event
	for _, r := range reqs {
		evs = append(evs, jdwp.EventClassPrepare{
			Request: r.id, Thread: thread, ClassKind: ci.Kind, ClassType: ci.Type, Signature: ci.Signature, Status: ci.Status,
		})
	}
	vm.event(jdwp.SuspendEventThread, evs...)
	return len(evs)
}

// kill drops the connection as if the device went away
func (vm *fakeVM) kill() {
	vm.mu.Lock()
	conn, gone := vm.conn, vm.gone
	vm.mu.Unlock()
	_ = conn.Close()
	<-gone
}

func (vm *fakeVM) gate(name string) (release func()) {
	ch := make(chan struct{})
	vm.mu.Lock()
	vm.gates[name] = ch
	vm.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			vm.mu.Lock()
			delete(vm.gates, name)
			vm.mu.Unlock()
			close(ch)
		})
	}
}

func (vm *fakeVM) count(name string) int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.calls[name]
}

func (vm *fakeVM) waitCalls(name string, n int) {
	vm.t.Helper()
	require.Eventually(vm.t, func() bool { return vm.count(name) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s", n, name)
}

func (vm *fakeVM) nextInvoke() *vmInvoke {
	vm.t.Helper()
	select {
	case inv := <-vm.invokes:
		return inv
	case <-time.After(2 * time.Second):
		vm.t.Fatal("no invoke reached the VM")
		return nil
	}
}

func (vm *fakeVM) noInvoke(wait time.Duration) {
	vm.t.Helper()
	select {
	case inv := <-vm.invokes:
		vm.t.Fatalf("unexpected invoke of method %#x on thread %#x", inv.method, inv.thread)
	case <-time.After(wait):
	}
}

type fakeForwarder struct {
	mu       sync.Mutex
	forwards []int
	removed  []int
	err      error
	gate     chan struct{}
}

func (f *fakeForwarder) Forward(ctx context.Context, serial string, port, pid int) error {
	f.mu.Lock()
	f.forwards = append(f.forwards, port)
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeForwarder) RemoveForward(ctx context.Context, serial string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, port)
	return nil
}

func (f *fakeForwarder) calls() (forwards, removed []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.forwards...), append([]int(nil), f.removed...)
}

// recorder collects emitted events in order
type recorder struct {
	t  *testing.T
	ch chan Event
}

func record(t *testing.T, d *Debugger) *recorder {
	r := &recorder{t: t, ch: make(chan Event, 256)}
	remove := d.OnEvent(func(ev Event) { r.ch <- ev })
	t.Cleanup(remove)
	return r
}

// next returns the next event satisfying match, skipping others
func (r *recorder) next(match func(Event) bool) Event {
	r.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			r.t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

// none asserts nothing matching arrives within wait
func (r *recorder) none(wait time.Duration, match func(Event) bool) {
	r.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-r.ch:
			if match(ev) {
				r.t.Fatalf("unexpected event %s: %+v", ev.EventType(), ev)
			}
		case <-deadline:
			return
		}
	}
}

func isType(name string) func(Event) bool {
	return func(ev Event) bool { return ev.EventType() == name }
}

func bpState(key BreakpointKey, state BreakpointState) func(Event) bool {
	return func(ev Event) bool {
		e, ok := ev.(BreakpointStateChanged)
		return ok && e.Breakpoint.BreakpointKey == key && e.New == state
	}
}

type harness struct {
	d   *Debugger
	vm  *fakeVM
	fwd *fakeForwarder
	reg *ports.Registry
	ev  *recorder
}

var testTarget = Target{Serial: "emulator-5554", PID: 4242}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	vm := newFakeVM(t)
	fwd := &fakeForwarder{}
	reg := ports.NewRegistry(41000, 41009, ports.WithProbe(func(int) bool { return true }))
	d := New(fwd, append([]Option{WithPorts(reg), WithDialer(vm.dial)}, opts...)...)
	t.Cleanup(func() { _ = d.Close() })
	return &harness{d: d, vm: vm, fwd: fwd, reg: reg, ev: record(t, d)}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.Connect(context.Background(), testTarget))
	require.Equal(t, StateConnected, h.d.State())
}

func (h *harness) breakpointLoc() []jdwp.Location {
	var out []jdwp.Location
	for _, r := range h.vm.matching(jdwp.KindBreakpoint, nil) {
		m, _ := r.modifier(jdwp.ModLocationOnly)
		out = append(out, m.(jdwp.LocationOnlyModifier).Location)
	}
	return out
}
