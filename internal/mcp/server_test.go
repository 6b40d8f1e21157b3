package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/adbg/internal/adb"
	"github.com/ctagard/adbg/internal/config"
	"github.com/ctagard/adbg/internal/debugger"
	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/internal/ports"
	"github.com/ctagard/adbg/internal/version"
	"github.com/ctagard/adbg/pkg/types"
)

type stubBridge struct {
	mu         sync.Mutex
	devices    []adb.Device
	pids       []int
	pidOf      map[string]int
	ps         string
	forwardErr error
	forwards   int
	pushed     map[string]string
}

func (b *stubBridge) Forward(context.Context, string, int, int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwards++
	return b.forwardErr
}

func (b *stubBridge) RemoveForward(context.Context, string, int) error { return nil }

func (b *stubBridge) Devices(context.Context) ([]adb.Device, error) { return b.devices, nil }

func (b *stubBridge) JDWPProcesses(context.Context, string) ([]int, error) { return b.pids, nil }

func (b *stubBridge) PidOf(_ context.Context, _, pkg string) (int, error) { return b.pidOf[pkg], nil }

func (b *stubBridge) Shell(_ context.Context, _, cmd string) (string, error) {
	if cmd == "ps -A -o PID,NAME" && b.ps != "" {
		return b.ps, nil
	}
	return "", errors.New("not found")
}

func (b *stubBridge) Logcat(context.Context, string, ...string) (*adb.Stream, error) {
	return nil, errors.New("logcat unavailable")
}

func (b *stubBridge) Push(_ context.Context, serial string, req adb.PushRequest) error {
	data, err := io.ReadAll(req.Data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pushed == nil {
		b.pushed = make(map[string]string)
	}
	b.pushed[serial+":"+req.Path] = string(data)
	return nil
}

func (b *stubBridge) forwardCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forwards
}

var oneDevice = []adb.Device{
	{Serial: "emulator-5554", State: "device", Attributes: map[string]string{"model": "sdk_gphone64", "product": "sdk", "transport_id": "1"}},
	{Serial: "R58M", State: "unauthorized"},
}

func newTestServer(t *testing.T, cfg *config.Config, bridge Bridge) *Server {
	t.Helper()
	s := NewServer(cfg, bridge, WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}))
	t.Cleanup(s.Close)
	return s
}

func callTool(t *testing.T, handler server.ToolHandlerFunc, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func callJSON(t *testing.T, handler server.ToolHandlerFunc, args map[string]any) map[string]any {
	t.Helper()
	text, isErr := callTool(t, handler, args)
	require.False(t, isErr, text)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

func TestRegisterTools(t *testing.T) {
	control := []string{
		"debug_breakpoints", "debug_exception_breaks", "debug_suspend", "debug_resume",
		"debug_step", "debug_set_local", "debug_invoke", "device_push",
	}
	inspection := []string{
		"device_list", "device_processes", "device_logcat", "debug_list_configs",
		"debug_attach", "debug_disconnect", "debug_list_sessions", "debug_threads",
		"debug_stack", "debug_locals", "debug_field", "debug_array", "debug_classes",
		"debug_wait_for_stop", "adbg_version",
	}

	full := newTestServer(t, config.Default(), &stubBridge{})
	assert.ElementsMatch(t, append(append([]string{}, inspection...), control...), full.Tools())

	cfg := config.Default()
	cfg.Mode = config.ModeReadOnly
	ro := newTestServer(t, cfg, &stubBridge{})
	assert.ElementsMatch(t, inspection, ro.Tools())
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, config.Default(), &stubBridge{})

	out := callJSON(t, s.handleVersion, nil)
	assert.Equal(t, version.Version, out["version"])
	assert.NotContains(t, out, "update")
}

func TestDeviceList(t *testing.T) {
	s := newTestServer(t, config.Default(), &stubBridge{devices: oneDevice})

	text, isErr := callTool(t, s.handleDeviceList, nil)
	require.False(t, isErr, text)
	var out struct {
		Devices []types.DeviceInfo `json:"devices"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, []types.DeviceInfo{
		{Serial: "emulator-5554", State: "device", Model: "sdk_gphone64", Product: "sdk", TransportID: "1"},
		{Serial: "R58M", State: "unauthorized"},
	}, out.Devices)
}

func TestDeviceProcesses(t *testing.T) {
	bridge := &stubBridge{
		devices: oneDevice,
		pids:    []int{1234, 5678},
		ps:      "  PID NAME\n 1234 com.example.app\n  999 zygote\n",
	}
	s := newTestServer(t, config.Default(), bridge)

	out := callJSON(t, s.handleDeviceProcesses, nil)
	assert.Equal(t, "emulator-5554", out["serial"], "the only online device is picked")
	assert.Equal(t, []any{
		map[string]any{"pid": float64(1234), "packageName": "com.example.app"},
		map[string]any{"pid": float64(5678)},
	}, out["processes"])

	// Without ps the pids are still listed.
	bridge.ps = ""
	out = callJSON(t, s.handleDeviceProcesses, map[string]any{"serial": "R58M"})
	assert.Len(t, out["processes"], 2)
}

func TestResolveSerial(t *testing.T) {
	s := newTestServer(t, config.Default(), &stubBridge{})
	_, err := s.ResolveSerial(context.Background(), "")
	assert.ErrorContains(t, err, "No device is online")

	s = newTestServer(t, config.Default(), &stubBridge{devices: []adb.Device{
		{Serial: "a", State: "device"}, {Serial: "b", State: "device"},
	}})
	_, err = s.ResolveSerial(context.Background(), "")
	assert.ErrorContains(t, err, "one of a, b")

	serial, err := s.ResolveSerial(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "b", serial)
}

func TestDeviceLogcat_Errors(t *testing.T) {
	s := newTestServer(t, config.Default(), &stubBridge{devices: oneDevice})

	text, isErr := callTool(t, s.handleDeviceLogcat, map[string]any{"filter": "*:S; rm -rf /"})
	assert.True(t, isErr)
	assert.Contains(t, text, "filter")

	text, isErr = callTool(t, s.handleDeviceLogcat, map[string]any{"lines": 0})
	assert.True(t, isErr)
	assert.Contains(t, text, "lines")

	text, isErr = callTool(t, s.handleDeviceLogcat, nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "logcat unavailable")
}

func TestDevicePush(t *testing.T) {
	bridge := &stubBridge{devices: oneDevice}
	s := newTestServer(t, config.Default(), bridge)

	out := callJSON(t, s.handleDevicePush, map[string]any{
		"path":    "/data/local/tmp/fixture.json",
		"content": `{"ok":true}`,
	})
	assert.Equal(t, float64(11), out["bytes"])
	assert.Equal(t, `{"ok":true}`, bridge.pushed["emulator-5554:/data/local/tmp/fixture.json"])

	text, isErr := callTool(t, s.handleDevicePush, map[string]any{"path": "relative", "content": "x"})
	assert.True(t, isErr)
	assert.Contains(t, text, "absolute")

	text, isErr = callTool(t, s.handleDevicePush, map[string]any{"path": "/x", "content": "x", "mode": "rwx"})
	assert.True(t, isErr)
	assert.Contains(t, text, "octal")
}

func TestDebugAttach_PermissionDenied(t *testing.T) {
	cfg := config.Default()
	cfg.AllowAttach = false
	s := newTestServer(t, cfg, &stubBridge{devices: oneDevice})

	text, isErr := callTool(t, s.handleDebugAttach, map[string]any{"pid": 1234})
	assert.True(t, isErr)
	assert.Contains(t, text, "attach is not allowed")
}

func TestDebugAttach_InvalidArguments(t *testing.T) {
	s := newTestServer(t, config.Default(), &stubBridge{devices: oneDevice, pidOf: map[string]int{}})

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"no target", map[string]any{}, "'pid' is missing"},
		{"negative pid", map[string]any{"pid": -1}, "'pid'"},
		{"bad port", map[string]any{"pid": 1, "forwardPort": 70000}, "'forwardPort'"},
		{"bad breakpoint", map[string]any{"pid": 1, "breakpoints": "com.example.Foo"}, "Type:line"},
		{"not running", map[string]any{"packageName": "com.example.app"}, "running process"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := callTool(t, s.handleDebugAttach, tt.args)
			assert.True(t, isErr)
			assert.Contains(t, text, tt.want)
		})
	}
	assert.Empty(t, s.Sessions().List())
}

func TestDebugAttach_RetriesThenLeavesNoSession(t *testing.T) {
	bridge := &stubBridge{
		devices:    oneDevice,
		pidOf:      map[string]int{"com.example.app": 4321},
		forwardErr: errors.New("device offline"),
	}
	s := newTestServer(t, config.Default(), bridge)

	text, isErr := callTool(t, s.handleDebugAttach, map[string]any{"packageName": "com.example.app"})
	assert.True(t, isErr)
	assert.Contains(t, text, "failed to attach to pid 4321 on emulator-5554")
	assert.Equal(t, 3, bridge.forwardCount(), "one attempt plus two retries")
	assert.Empty(t, s.Sessions().List())
}

func TestAttachArgs(t *testing.T) {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{
		"serial":       "emulator-5554",
		"pid":          float64(1234),
		"forwardPort":  float64(8700),
		"stopOnAttach": true,
		"breakpoints":  "com.example.Foo:21, com.example.Bar:7,",
	}
	r, err := attachArgs(req)
	require.NoError(t, err)
	assert.Equal(t, types.AttachRequest{Serial: "emulator-5554", PID: 1234, ForwardPort: 8700}, r.AttachRequest())
	assert.True(t, r.StopOnAttach)
	assert.Equal(t, []types.BreakpointRequest{
		{Type: "com.example.Foo", Line: 21},
		{Type: "com.example.Bar", Line: 7},
	}, r.Breakpoints)
}

func TestResolveLaunchConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".vscode"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".vscode", "launch.json"), []byte(`{
		"version": "0.2.0",
		"configurations": [
			{"type": "android", "request": "attach", "name": "App", "packageName": "${input:pkg}",
			 "breakpoints": ["com.example.Main:10"], "exceptionBreaks": {"uncaught": true}}
		]
	}`), 0o644))
	s := newTestServer(t, config.Default(), &stubBridge{})

	out := callJSON(t, s.handleDebugListConfigs, map[string]any{"workspace": root})
	assert.Equal(t, filepath.Join(root, ".vscode", "launch.json"), out["configPath"])
	assert.Len(t, out["configurations"], 1)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"workspace": root}
	_, err := s.resolveLaunchConfig(req, "App")
	assert.ErrorContains(t, err, "[pkg]")

	_, err = s.resolveLaunchConfig(req, "Missing")
	assert.ErrorContains(t, err, "Missing")

	req.Params.Arguments = map[string]any{"workspace": root, "inputValues": `{"pkg": "com.example.app"}`}
	r, err := s.resolveLaunchConfig(req, "App")
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", r.PackageName)
	assert.Equal(t, []types.BreakpointRequest{{Type: "com.example.Main", Line: 10}}, r.Breakpoints)
	assert.True(t, r.Exceptions.Uncaught)
}

func TestSessionTools(t *testing.T) {
	s := newTestServer(t, config.Default(), &stubBridge{devices: oneDevice})
	sess, err := s.Sessions().Create(debugger.Target{Serial: "emulator-5554", PID: 1234}, "com.example.app")
	require.NoError(t, err)
	id := sess.ID

	out := callJSON(t, s.handleDebugListSessions, nil)
	require.Len(t, out["sessions"], 1)
	assert.Equal(t, id, out["sessions"].([]any)[0].(map[string]any)["sessionId"])

	// Breakpoints are kept while no VM is attached.
	out = callJSON(t, s.handleDebugBreakpoints, map[string]any{
		"sessionId": id, "action": "set", "type": "com.example.Foo", "line": 21, "hitCount": 2,
	})
	bp := out["breakpoint"].(map[string]any)
	assert.Equal(t, "set", bp["state"])
	assert.Equal(t, false, bp["verified"])
	assert.Equal(t, float64(2), bp["hitCount"])

	callJSON(t, s.handleDebugBreakpoints, map[string]any{"sessionId": id, "action": "set", "type": "com.example.Foo", "line": 30})
	callJSON(t, s.handleDebugBreakpoints, map[string]any{"sessionId": id, "action": "set", "type": "com.example.Bar", "line": 5})
	out = callJSON(t, s.handleDebugBreakpoints, map[string]any{"sessionId": id, "action": "list"})
	assert.Len(t, out["breakpoints"], 3)

	out = callJSON(t, s.handleDebugBreakpoints, map[string]any{"sessionId": id, "action": "remove", "type": "com.example.Foo"})
	assert.Equal(t, float64(2), out["removed"])
	out = callJSON(t, s.handleDebugBreakpoints, map[string]any{"sessionId": id, "action": "clear"})
	assert.Equal(t, float64(1), out["removed"])

	text, isErr := callTool(t, s.handleDebugBreakpoints, map[string]any{"sessionId": id, "action": "toggle"})
	assert.True(t, isErr)
	assert.Contains(t, text, "set, remove, clear or list")

	out = callJSON(t, s.handleDebugExceptionBreaks, map[string]any{"sessionId": id, "uncaught": true})
	assert.Equal(t, map[string]any{"caught": false, "uncaught": true}, out["exceptionBreaks"])

	// Inspection needs a live VM.
	text, isErr = callTool(t, s.handleDebugThreads, map[string]any{"sessionId": id})
	assert.True(t, isErr)
	assert.Contains(t, text, "not connected")

	text, isErr = callTool(t, s.handleDebugStack, map[string]any{"sessionId": id})
	assert.True(t, isErr)
	assert.Contains(t, text, "'threadId' is missing")

	out = callJSON(t, s.handleDebugDisconnect, map[string]any{"sessionId": id})
	assert.Equal(t, "terminated", out["status"])
	assert.Empty(t, s.Sessions().List())

	text, isErr = callTool(t, s.handleDebugThreads, map[string]any{"sessionId": id})
	assert.True(t, isErr)
	assert.Contains(t, text, "session '"+id+"' not found")
}

func TestPermissionGates(t *testing.T) {
	cfg := config.Default()
	cfg.AllowModify = false
	cfg.AllowInvoke = false
	s := newTestServer(t, cfg, &stubBridge{})
	sess, err := s.Sessions().Create(debugger.Target{Serial: "a", PID: 1}, "")
	require.NoError(t, err)

	text, isErr := callTool(t, s.handleDebugSetLocal, map[string]any{
		"sessionId": sess.ID, "threadId": 1, "name": "count", "value": "1",
	})
	assert.True(t, isErr)
	assert.Contains(t, text, "modify is not allowed")

	text, isErr = callTool(t, s.handleDebugField, map[string]any{
		"sessionId": sess.ID, "objectId": 5, "field": "count", "value": "1",
	})
	assert.True(t, isErr)
	assert.Contains(t, text, "modify is not allowed")

	text, isErr = callTool(t, s.handleDebugInvoke, map[string]any{
		"sessionId": sess.ID, "threadId": 1, "className": "java.lang.System", "method": "gc",
	})
	assert.True(t, isErr)
	assert.Contains(t, text, "invoke is not allowed")
}

func TestWaitForStop_InvalidTimeout(t *testing.T) {
	s := newTestServer(t, config.Default(), &stubBridge{})
	sess, err := s.Sessions().Create(debugger.Target{Serial: "a", PID: 1}, "")
	require.NoError(t, err)

	text, isErr := callTool(t, s.handleDebugWaitForStop, map[string]any{"sessionId": sess.ID, "timeout": -1})
	assert.True(t, isErr)
	assert.Contains(t, text, "'timeout'")
}

func TestSplitMethodSignature(t *testing.T) {
	tests := []struct {
		sig    string
		params []string
		ret    string
	}{
		{"()V", nil, "V"},
		{"(I)Ljava/lang/String;", []string{"I"}, "Ljava/lang/String;"},
		{"(Ljava/lang/String;[IJ[[Lcom/example/Foo;)Z", []string{"Ljava/lang/String;", "[I", "J", "[[Lcom/example/Foo;"}, "Z"},
	}
	for _, tt := range tests {
		t.Run(tt.sig, func(t *testing.T) {
			params, ret, err := splitMethodSignature(tt.sig)
			require.NoError(t, err)
			assert.Equal(t, tt.params, params)
			assert.Equal(t, tt.ret, ret)
		})
	}

	for _, bad := range []string{"", "V", "(I", "(Ljava/lang/String)V", "([)V"} {
		_, _, err := splitMethodSignature(bad)
		assert.Error(t, err, bad)
	}
}

func TestRetryable(t *testing.T) {
	offline := apperrors.ConnectFailed("a", 1, errors.New("device offline"))
	assert.True(t, retryable(offline))
	assert.True(t, retryable(fmt.Errorf("attach: %w", offline)))

	taken := apperrors.ConnectFailed("a", 1, fmt.Errorf("%w: 8700", ports.ErrPortInUse))
	assert.False(t, retryable(taken), "a fixed port stays taken")
	assert.False(t, retryable(apperrors.SessionLimitReached(1)))
	assert.False(t, retryable(errors.New("plain")))
}
