package adb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		if c.request() == "host:version" {
			c.reply("0029")
		}
	})
	client := srv.client()
	defer client.Close()

	v, err := client.Version(bg())
	require.NoError(t, err)
	assert.Equal(t, 41, v)
}

func TestFailMessageIsVerbatim(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		c.transport("emulator-5554")
	})
	client := srv.client()
	defer client.Close()

	_, err := client.Shell(bg(), "nosuch", "id")
	require.Error(t, err)
	var fe *FailError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "device 'nosuch' not found", fe.Message)
	assert.Equal(t, "host:transport:nosuch", fe.Command)
	assert.True(t, IsFail(err))
}

func TestFailLeavesFdUsable(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		c.request()
		c.fail("unknown host service")
		if c.request() == "host:version" {
			c.reply("0029")
		}
	})
	client := srv.client()
	defer client.Close()

	fd, err := client.Open(bg())
	require.NoError(t, err)
	defer fd.Close()

	err = fd.Send(bg(), "host:bogus")
	assert.True(t, IsFail(err))

	payload, err := fd.SendAndReply(bg(), "host:version")
	require.NoError(t, err)
	assert.Equal(t, "0029", string(payload))
}

func TestOperationsRunInSubmissionOrder(t *testing.T) {
	const n = 20
	srv := newFakeServer(t, func(c *serverConn) {
		for {
			req := c.request()
			if req == "" {
				return
			}
			// Echo the command so each caller can check it got its own reply.
			c.reply(req)
		}
	})
	client := srv.client()
	defer client.Close()

	fd, err := client.Open(bg())
	require.NoError(t, err)
	defer fd.Close()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := fmt.Sprintf("host:echo:%d", i)
			payload, err := fd.SendAndReply(bg(), cmd)
			assert.NoError(t, err)
			assert.Equal(t, cmd, string(payload))
		}(i)
	}
	wg.Wait()
}

func TestIOErrorFailsQueuedOperations(t *testing.T) {
	got := make(chan struct{})
	srv := newFakeServer(t, func(c *serverConn) {
		c.request()
		<-got
		// Drop the connection without answering.
	})
	client := srv.client()
	defer client.Close()

	fd, err := client.Open(bg())
	require.NoError(t, err)

	errs := make(chan error, 3)
	go func() { errs <- fd.Send(bg(), "host:first") }()
	time.Sleep(20 * time.Millisecond)
	go func() { errs <- fd.Send(bg(), "host:second") }()
	go func() { _, err := fd.SendAndReply(bg(), "host:third"); errs <- err }()
	time.Sleep(20 * time.Millisecond)
	close(got)

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("queued operation never completed")
		}
	}
	<-fd.Done()
	assert.Error(t, fd.Err())

	err = fd.Send(bg(), "host:after")
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		c.request()
	})
	client := srv.client()

	fd, err := client.Open(bg())
	require.NoError(t, err)

	assert.NoError(t, fd.Close())
	assert.NoError(t, fd.Close())
	assert.ErrorIs(t, fd.Err(), ErrClosed)
	assert.ErrorIs(t, fd.Send(bg(), "host:version"), ErrClosed)

	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	_, err = client.Open(bg())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientCloseTearsDownOpenFds(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		if !c.transport("emulator-5554") {
			return
		}
		if c.request() != "shell:logcat -v brief" {
			return
		}
		c.okay()
		// Hold the stream open until the client goes away.
		_, _ = io.Copy(io.Discard, c.r)
	})
	client := srv.client()

	s, err := client.Logcat(bg(), "emulator-5554", "-v", "brief")
	require.NoError(t, err)
	assert.Equal(t, 1, client.OpenFDs())

	require.NoError(t, client.Close())
	_, err = s.Next(bg())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStreamLongPoll(t *testing.T) {
	release := make(chan struct{})
	srv := newFakeServer(t, func(c *serverConn) {
		if !c.transport("emulator-5554") {
			return
		}
		if c.request() != "shell:logcat" {
			c.fail("unexpected")
			return
		}
		c.okay()
		<-release
		_, _ = c.Write([]byte("I/ActivityManager: started\n"))
	})
	client := srv.client()
	defer client.Close()

	s, err := client.Logcat(bg(), "emulator-5554")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(bg(), 30*time.Millisecond)
	_, err = s.Next(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, s.Err(), "no data yet is not an error")

	close(release)
	out, err := s.ReadAll(bg())
	require.NoError(t, err)
	assert.Equal(t, "I/ActivityManager: started\n", string(out))
	assert.ErrorIs(t, s.Err(), io.EOF)
}

func TestStreamRejectsFurtherCommands(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		c.request()
		c.okay()
		_, _ = io.Copy(io.Discard, c.r)
	})
	client := srv.client()
	defer client.Close()

	fd, err := client.Open(bg())
	require.NoError(t, err)
	s, err := fd.SendAndStream(bg(), "host:track-devices")
	require.NoError(t, err)
	defer s.Close()

	err = fd.Send(bg(), "host:version")
	assert.ErrorIs(t, err, ErrStreamActive)
}

func TestStreamCloseWakesReader(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		c.request()
		c.okay()
		_, _ = io.Copy(io.Discard, c.r)
	})
	client := srv.client()
	defer client.Close()

	fd, err := client.Open(bg())
	require.NoError(t, err)
	s, err := fd.SendAndStream(bg(), "host:track-devices")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Next(bg())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestForwardAndRemove(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := newFakeServer(t, func(c *serverConn) {
		req := c.request()
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		c.okay()
		c.okay()
	})
	client := srv.client()
	defer client.Close()

	require.NoError(t, client.Forward(bg(), "emulator-5554", 40001, 1234))
	require.NoError(t, client.RemoveForward(bg(), "emulator-5554", 40001))
	require.NoError(t, client.KillForwardAll(bg()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"host-serial:emulator-5554:forward:tcp:40001;jdwp:1234",
		"host-serial:emulator-5554:killforward:tcp:40001",
		"host:killforward-all",
	}, seen)
}

func TestForwardSecondStatusFail(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		c.request()
		c.okay()
		c.fail("cannot bind listener: Address already in use")
	})
	client := srv.client()
	defer client.Close()

	err := client.Forward(bg(), "emulator-5554", 40001, 1234)
	var fe *FailError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "cannot bind listener: Address already in use", fe.Message)
}

func TestShellReadsUntilClose(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		if !c.transport("emulator-5554") {
			return
		}
		if c.request() == "shell:pidof com.example.app" {
			c.okay()
			_, _ = c.Write([]byte("4321\n"))
		}
	})
	client := srv.client()
	defer client.Close()

	pid, err := client.PidOf(bg(), "emulator-5554", "com.example.app")
	require.NoError(t, err)
	assert.Equal(t, 4321, pid)

	_, err = client.PidOf(bg(), "emulator-5554", "x; rm -rf /")
	assert.Error(t, err)
}

func TestJDWPProcesses(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		if !c.transport("emulator-5554") {
			return
		}
		if c.request() == "jdwp" {
			c.reply("1234\n5678\n")
		}
	})
	client := srv.client()
	defer client.Close()

	pids, err := client.JDWPProcesses(bg(), "emulator-5554")
	require.NoError(t, err)
	assert.Equal(t, []int{1234, 5678}, pids)
}

func TestDevices(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		if c.request() == "host:devices-l" {
			c.reply("emulator-5554          device product:sdk_gphone64 model:Pixel_7 transport_id:1\n" +
				"0123456789ABCDEF       unauthorized transport_id:2\n")
		}
	})
	client := srv.client()
	defer client.Close()

	devs, err := client.Devices(bg())
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, "emulator-5554", devs[0].Serial)
	assert.True(t, devs[0].Online())
	assert.Equal(t, "Pixel_7", devs[0].Attributes["model"])
	assert.False(t, devs[1].Online())
	assert.Equal(t, "2", devs[1].Attributes["transport_id"])
}

func TestTrackDevices(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		if c.request() != "host:track-devices" {
			return
		}
		c.okay()
		// Two frames in one write, then one split across writes.
		_, _ = fmt.Fprintf(c, "%04x%s%04x%s", 0, "", 21, "emulator-5554\tdevice\n")
		time.Sleep(10 * time.Millisecond)
		_, _ = c.Write([]byte("0016emulator-55"))
		time.Sleep(10 * time.Millisecond)
		_, _ = c.Write([]byte("54\toffline\n"))
		_, _ = io.Copy(io.Discard, c.r)
	})
	client := srv.client()
	defer client.Close()

	tr, err := client.TrackDevices(bg(), false)
	require.NoError(t, err)
	defer tr.Close()

	devs, err := tr.Next(bg())
	require.NoError(t, err)
	assert.Empty(t, devs)

	devs, err = tr.Next(bg())
	require.NoError(t, err)
	assert.Equal(t, []Device{{Serial: "emulator-5554", State: "device"}}, devs)

	devs, err = tr.Next(bg())
	require.NoError(t, err)
	assert.Equal(t, []Device{{Serial: "emulator-5554", State: "offline"}}, devs)
}

func TestPush(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 9000) // 72000 bytes, two DATA chunks
	mtime := time.Unix(1700000000, 0)

	type pushed struct {
		header string
		chunks []int
		body   []byte
		mtime  uint32
		quit   bool
	}
	result := make(chan pushed, 1)

	srv := newFakeServer(t, func(c *serverConn) {
		if !c.transport("emulator-5554") {
			return
		}
		if c.request() != "sync:" {
			return
		}
		c.okay()

		var p pushed
		hdr := c.readN(8)
		if string(hdr[:4]) != "SEND" {
			return
		}
		p.header = string(c.readN(int(binary.LittleEndian.Uint32(hdr[4:]))))
		for {
			hdr = c.readN(8)
			if hdr == nil {
				return
			}
			n := binary.LittleEndian.Uint32(hdr[4:])
			if string(hdr[:4]) == "DONE" {
				p.mtime = n
				break
			}
			p.chunks = append(p.chunks, int(n))
			p.body = append(p.body, c.readN(int(n))...)
		}
		_, _ = c.Write(syncFrame("OKAY", 0))
		hdr = c.readN(8)
		p.quit = hdr != nil && string(hdr[:4]) == "QUIT"
		result <- p
	})
	client := srv.client()
	defer client.Close()

	err := client.Push(bg(), "emulator-5554", PushRequest{
		Path:    "/data/local/tmp/agent.jar",
		Mode:    0o644,
		ModTime: mtime,
		Data:    bytes.NewReader(data),
	})
	require.NoError(t, err)

	p := <-result
	assert.Equal(t, "/data/local/tmp/agent.jar,33188", p.header)
	assert.Equal(t, []int{syncMaxChunk, len(data) - syncMaxChunk}, p.chunks)
	assert.Equal(t, data, p.body)
	assert.Equal(t, uint32(mtime.Unix()), p.mtime)
	assert.True(t, p.quit)
}

func TestPushFailStatus(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		c.transport("emulator-5554")
		c.request()
		c.okay()
		hdr := c.readN(8)
		c.readN(int(binary.LittleEndian.Uint32(hdr[4:])))
		for {
			hdr = c.readN(8)
			if hdr == nil || string(hdr[:4]) == "DONE" {
				break
			}
			c.readN(int(binary.LittleEndian.Uint32(hdr[4:])))
		}
		msg := "couldn't create file: Read-only file system"
		_, _ = c.Write(append(syncFrame("FAIL", uint32(len(msg))), msg...))
	})
	client := srv.client()
	defer client.Close()

	err := client.Push(bg(), "emulator-5554", PushRequest{
		Path: "/system/agent.jar",
		Mode: 0o644,
		Data: bytes.NewReader([]byte("x")),
	})
	var fe *FailError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "couldn't create file: Read-only file system", fe.Message)
}

func TestOpenJDWPPassthrough(t *testing.T) {
	srv := newFakeServer(t, func(c *serverConn) {
		if !c.transport("emulator-5554") {
			return
		}
		if c.request() != "jdwp:1234" {
			return
		}
		c.okay()
		hs := c.readN(14)
		_, _ = c.Write(hs)
	})
	client := srv.client()
	defer client.Close()

	s, err := client.OpenJDWP(bg(), "emulator-5554", 1234)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Write([]byte("JDWP-Handshake"))
	require.NoError(t, err)
	buf := make([]byte, 14)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "JDWP-Handshake", string(buf))
}
