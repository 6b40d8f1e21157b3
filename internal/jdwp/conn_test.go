package jdwp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vmEnd is the VM side of a net.Pipe speaking raw packets
type vmEnd struct {
	t     *testing.T
	conn  net.Conn
	codec Codec
}

func newPipe(t *testing.T) (*Conn, *vmEnd) {
	t.Helper()
	client, server := net.Pipe()
	vm := &vmEnd{t: t, conn: server, codec: NewCodec()}

	errc := make(chan error, 1)
	go func() {
		buf := make([]byte, len(handshake))
		if _, err := io.ReadFull(server, buf); err != nil {
			errc <- err
			return
		}
		_, err := server.Write(buf)
		errc <- err
	}()

	c, err := Open(context.Background(), client)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	t.Cleanup(func() {
		_ = c.Close()
		_ = server.Close()
	})
	return c, vm
}

func (vm *vmEnd) read() Packet {
	vm.t.Helper()
	p, err := ReadPacket(vm.conn)
	require.NoError(vm.t, err)
	return p
}

func (vm *vmEnd) write(p Packet) {
	vm.t.Helper()
	require.NoError(vm.t, WritePacket(vm.conn, p))
}

func TestHandshakeMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		buf := make([]byte, len(handshake))
		_, _ = io.ReadFull(server, buf)
		_, _ = server.Write([]byte("NOT-A-HANDSHAK"))
	}()
	_, err := Open(context.Background(), client)
	assert.ErrorContains(t, err, "unexpected reply")
}

func TestConn_EventsAreNotReplies(t *testing.T) {
	t.Parallel()
	c, vm := newPipe(t)

	type result struct {
		v   Version
		err error
	}
	res := make(chan result, 1)
	go func() {
		v, err := Do(context.Background(), c, VMVersion())
		res <- result{v, err}
	}()

	req := vm.read()
	require.Equal(t, SetVirtualMachine, req.CommandSet)

	// An event whose packet id collides with the outstanding command must
	// still be routed as an event.
	ev, err := vm.codec.EncodeEvent(req.ID, EventSet{
		Policy: SuspendNone,
		Events: []Event{EventThreadStart{Request: 3, Thread: 9}},
	})
	require.NoError(t, err)
	vm.write(ev)
	vm.write(Packet{ID: 999, CommandSet: 0xc7, Command: 0x01, Data: []byte("HELO")})

	select {
	case set := <-c.Events():
		assert.Equal(t, []Event{EventThreadStart{Request: 3, Thread: 9}}, set.Events)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case <-res:
		t.Fatal("command resolved by an event")
	default:
	}

	want := Version{Description: "ART", JDWPMajor: 1, JDWPMinor: 6, VMVersion: "0", VMName: "Dalvik"}
	vm.write(vm.codec.Reply(req.ID, ErrNone, VMVersion().EncodeReply(vm.codec, want)))

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, want, r.v)
	assert.Zero(t, c.Pending())
}

func TestConn_MalformedEventIsDelivered(t *testing.T) {
	t.Parallel()
	c, vm := newPipe(t)

	w := vm.codec.Writer()
	w.Uint8(uint8(SuspendAll))
	w.Int32(1)
	w.Uint8(uint8(KindBreakpoint))
	w.Int32(4)
	w.ThreadID(2)
	w.Uint8(uint8(TypeClass)) // location cut short
	vm.write(Packet{ID: 1, CommandSet: SetEvent, Command: 100, Data: w.Bytes()})

	select {
	case set := <-c.Events():
		var de *DecodeError
		require.ErrorAs(t, set.Err, &de)
		assert.Equal(t, "Breakpoint event", de.What)
		assert.Equal(t, SuspendAll, set.Policy)
		assert.Empty(t, set.Events)
	case <-time.After(2 * time.Second):
		t.Fatal("malformed event not delivered")
	}
	assert.NoError(t, c.Err(), "a bad record does not break framing")
}

func TestConn_OutOfOrderReplies(t *testing.T) {
	t.Parallel()
	c, vm := newPipe(t)

	var wg sync.WaitGroup
	names := make([]string, 2)
	for i, th := range []ThreadID{1, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := Do(context.Background(), c, ThreadName(th))
			assert.NoError(t, err)
			names[i] = n
		}()
	}

	first, second := vm.read(), vm.read()
	reply := func(p Packet) {
		th := vm.codec.Reader(p.Data).ThreadID()
		name := map[ThreadID]string{1: "main", 2: "worker"}[th]
		vm.write(vm.codec.Reply(p.ID, ErrNone, ThreadName(th).EncodeReply(vm.codec, name)))
	}
	reply(second)
	reply(first)
	wg.Wait()

	assert.Equal(t, []string{"main", "worker"}, names)
}

func TestConn_ErrorReplyNamesCommand(t *testing.T) {
	t.Parallel()
	c, vm := newPipe(t)

	errc := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), c, ThreadFrames(5, 0, -1))
		errc <- err
	}()
	p := vm.read()
	vm.write(vm.codec.Reply(p.ID, ErrThreadNotSuspended, nil))

	err := <-errc
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ThreadReference.Frames", ce.Command)

	// The connection survives command failures.
	assert.NoError(t, c.Err())
}

func TestConn_TeardownFailsPending(t *testing.T) {
	t.Parallel()
	c, vm := newPipe(t)

	const n = 3
	errc := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := Do(context.Background(), c, VMAllThreads())
			errc <- err
		}()
	}
	for i := 0; i < n; i++ {
		vm.read()
	}
	require.Eventually(t, func() bool { return c.Pending() == n }, time.Second, 5*time.Millisecond)

	require.NoError(t, vm.conn.Close())

	for i := 0; i < n; i++ {
		select {
		case err := <-errc:
			require.Error(t, err)
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		case <-time.After(2 * time.Second):
			t.Fatal("pending command never failed")
		}
	}
	<-c.Done()
	assert.ErrorIs(t, c.Err(), io.ErrUnexpectedEOF)

	// Events channel closes once the connection is gone.
	_, ok := <-c.Events()
	assert.False(t, ok)

	_, err := Do(context.Background(), c, VMResume())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestConn_CloseIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := newPipe(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, errors.Is(c.Err(), ErrClosed))
}

func TestConn_ContextCancel(t *testing.T) {
	t.Parallel()
	c, vm := newPipe(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := Do(ctx, c, VMSuspend())
		errc <- err
	}()
	p := vm.read()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// A late reply is dropped without disturbing the connection.
	vm.write(vm.codec.Reply(p.ID, ErrNone, nil))
	go func() { _, _ = Do(context.Background(), c, VMResume()) }()
	next := vm.read()
	assert.Equal(t, byte(9), next.Command)
	vm.write(vm.codec.Reply(next.ID, ErrNone, nil))
}

func TestConn_SetIDSizes(t *testing.T) {
	t.Parallel()
	c, vm := newPipe(t)

	small := IDSizes{FieldID: 4, MethodID: 4, ObjectID: 4, ReferenceTypeID: 4, FrameID: 4}
	c.SetIDSizes(small)
	assert.Equal(t, small, c.Codec().Sizes)

	go func() { _, _ = Do(context.Background(), c, ThreadResume(0x01020304)) }()
	p := vm.read()
	assert.Equal(t, []byte{1, 2, 3, 4}, p.Data)
	vm.write(vm.codec.Reply(p.ID, ErrNone, nil))
}
