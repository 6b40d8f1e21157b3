package adb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// syncMaxChunk is the largest DATA payload the sync service accepts
const syncMaxChunk = 64 * 1024

// PushRequest describes a file upload over the sync service
type PushRequest struct {
	Path    string
	Mode    os.FileMode
	ModTime time.Time
	Data    io.Reader
}

// push runs SEND, DATA..., DONE, reads the status, then QUIT. The fd must
// already be in sync mode.
func push(t Transport, req PushRequest) error {
	// The mode carries S_IFREG like a local st_mode would.
	header := fmt.Sprintf("%s,%d", req.Path, uint32(req.Mode.Perm())|0o100000)
	if len(header) > 1024 {
		return fmt.Errorf("adb: push: remote path too long")
	}
	if err := t.Write(append(syncFrame("SEND", uint32(len(header))), header...)); err != nil {
		return err
	}

	buf := make([]byte, syncMaxChunk)
	for {
		n, rerr := io.ReadFull(req.Data, buf)
		if n > 0 {
			if err := t.Write(append(syncFrame("DATA", uint32(n)), buf[:n]...)); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			// Local read failure; the remote file is left incomplete.
			return fmt.Errorf("adb: push: reading source: %w", rerr)
		}
	}

	mtime := req.ModTime
	if mtime.IsZero() {
		mtime = time.Now()
	}
	if err := t.Write(syncFrame("DONE", uint32(mtime.Unix()))); err != nil {
		return err
	}
	if err := readSyncStatus(t, "push "+req.Path); err != nil {
		return err
	}
	return t.Write(syncFrame("QUIT", 0))
}

func readSyncStatus(t Transport, what string) error {
	hdr, err := t.ReadN(8)
	if err != nil {
		return err
	}
	id, n := string(hdr[:4]), binary.LittleEndian.Uint32(hdr[4:])
	switch id {
	case statusOkay:
		return nil
	case statusFail:
		if n > syncMaxChunk {
			return &ProtocolError{Command: what, Msg: fmt.Sprintf("FAIL message length %d", n)}
		}
		msg, err := t.ReadN(int(n))
		if err != nil {
			return err
		}
		return &FailError{Command: what, Message: string(msg)}
	}
	return &ProtocolError{Command: what, Msg: fmt.Sprintf("unexpected sync status %q", id)}
}
