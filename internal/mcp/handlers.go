package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	godap "github.com/google/go-dap"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/samber/lo"

	"github.com/ctagard/adbg/internal/adb"
	"github.com/ctagard/adbg/internal/dap"
	"github.com/ctagard/adbg/internal/debugger"
	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/internal/jdwp"
	"github.com/ctagard/adbg/internal/launchconfig"
	"github.com/ctagard/adbg/internal/ports"
	"github.com/ctagard/adbg/internal/session"
	"github.com/ctagard/adbg/internal/version"
	"github.com/ctagard/adbg/pkg/types"
)

const (
	defaultWaitSeconds  = 30
	defaultLogcatLines  = 200
	defaultArrayCount   = 100
	defaultClassesLimit = 200
)

// Device Handlers

func (s *Server) handleDeviceList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := s.Devices(ctx)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]interface{}{
		"devices": devices,
	})
}

// Devices lists the devices known to the ADB server
func (s *Server) Devices(ctx context.Context) ([]types.DeviceInfo, error) {
	devices, err := s.bridge.Devices(ctx)
	if err != nil {
		return nil, apperrors.BridgeFail("host:devices", err)
	}
	return lo.Map(devices, func(d adb.Device, _ int) types.DeviceInfo {
		return types.DeviceInfo{
			Serial:      d.Serial,
			State:       d.State,
			Model:       d.Attributes["model"],
			Product:     d.Attributes["product"],
			TransportID: d.Attributes["transport_id"],
		}
	}), nil
}

func (s *Server) handleDeviceProcesses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serial, err := s.ResolveSerial(ctx, request.GetString("serial", ""))
	if err != nil {
		return toolError(err)
	}
	processes, err := s.Processes(ctx, serial)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]interface{}{
		"serial":    serial,
		"processes": processes,
	})
}

// Processes lists the debuggable processes of a device with their names
func (s *Server) Processes(ctx context.Context, serial string) ([]types.ProcessInfo, error) {
	pids, err := s.bridge.JDWPProcesses(ctx, serial)
	if err != nil {
		return nil, apperrors.BridgeFail("jdwp", err)
	}
	names := s.processNames(ctx, serial)
	return lo.Map(pids, func(pid int, _ int) types.ProcessInfo {
		return types.ProcessInfo{PID: pid, PackageName: names[pid]}
	}), nil
}

// processNames maps pids to process names from ps. It is best effort:
// older devices lack the -o option.
func (s *Server) processNames(ctx context.Context, serial string) map[int]string {
	out, err := s.bridge.Shell(ctx, serial, "ps -A -o PID,NAME")
	if err != nil {
		s.log.V(1).Info("listing process names failed", "serial", serial, "error", err.Error())
		return nil
	}
	names := make(map[int]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		names[pid] = fields[1]
	}
	return names
}

func (s *Server) handleDeviceLogcat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serial, err := s.ResolveSerial(ctx, request.GetString("serial", ""))
	if err != nil {
		return toolError(err)
	}
	lines := request.GetInt("lines", defaultLogcatLines)
	if lines <= 0 {
		return toolError(apperrors.InvalidParameter("lines", lines, "a positive number of lines"))
	}

	args := []string{"-d", "-t", strconv.Itoa(lines)}
	if pid := request.GetInt("pid", 0); pid > 0 {
		args = append(args, "--pid="+strconv.Itoa(pid))
	}
	if filter := request.GetString("filter", ""); filter != "" {
		if strings.ContainsAny(filter, ";&|`$'\"<>\\") {
			return toolError(apperrors.InvalidParameter("filter", filter, "logcat filter specs such as 'Tag:I *:S'"))
		}
		args = append(args, strings.Fields(filter)...)
	}

	stream, err := s.bridge.Logcat(ctx, serial, args...)
	if err != nil {
		return toolError(apperrors.BridgeFail("logcat", err))
	}
	defer stream.Close()
	out, err := stream.ReadAll(ctx)
	if err != nil {
		return toolError(apperrors.BridgeFail("logcat", err))
	}
	return jsonResult(map[string]interface{}{
		"serial": serial,
		"log":    string(out),
	})
}

func (s *Server) handleDevicePush(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return toolError(apperrors.MissingParameter("path", "Give the absolute destination path on the device, e.g. /data/local/tmp/fixture.json."))
	}
	if !strings.HasPrefix(path, "/") {
		return toolError(apperrors.InvalidParameter("path", path, "an absolute device path"))
	}
	content, err := request.RequireString("content")
	if err != nil {
		return toolError(apperrors.MissingParameter("content", "Give the file content to write."))
	}
	mode, err := strconv.ParseUint(request.GetString("mode", "0644"), 8, 32)
	if err != nil {
		return toolError(apperrors.InvalidParameter("mode", request.GetString("mode", ""), "octal permission bits such as 0644"))
	}
	serial, err := s.ResolveSerial(ctx, request.GetString("serial", ""))
	if err != nil {
		return toolError(err)
	}

	err = s.bridge.Push(ctx, serial, adb.PushRequest{
		Path:    path,
		Mode:    fs.FileMode(mode).Perm(),
		ModTime: time.Now(),
		Data:    strings.NewReader(content),
	})
	if err != nil {
		return toolError(apperrors.BridgeFail("sync:push", err))
	}
	return jsonResult(map[string]interface{}{
		"serial": serial,
		"path":   path,
		"bytes":  len(content),
	})
}

// ResolveSerial returns serial, or the only online device when it is empty
func (s *Server) ResolveSerial(ctx context.Context, serial string) (string, error) {
	if serial != "" {
		return serial, nil
	}
	devices, err := s.bridge.Devices(ctx)
	if err != nil {
		return "", apperrors.BridgeFail("host:devices", err)
	}
	online := lo.Filter(devices, func(d adb.Device, _ int) bool { return d.Online() })
	switch len(online) {
	case 0:
		return "", apperrors.MissingParameter("serial", "No device is online. Connect a device or start an emulator, then check device_list.")
	case 1:
		return online[0].Serial, nil
	}
	serials := lo.Map(online, func(d adb.Device, _ int) string { return d.Serial })
	return "", apperrors.InvalidParameter("serial", "", "one of "+strings.Join(serials, ", "))
}

// Session Handlers

func (s *Server) handleDebugListConfigs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lj, foundPath, err := launchconfig.Load(request.GetString("workspace", ""), request.GetString("configPath", ""))
	if err != nil {
		return toolError(fmt.Errorf("failed to load launch.json: %w", err))
	}

	result := map[string]interface{}{
		"configPath":     foundPath,
		"configurations": launchconfig.ListConfigurations(lj),
	}
	if validationErrors := launchconfig.ValidateLaunchJSON(lj); len(validationErrors) > 0 {
		errStrings := make([]string, len(validationErrors))
		for i, e := range validationErrors {
			errStrings[i] = e.Error()
		}
		result["validationWarnings"] = errStrings
	}
	return jsonResult(result)
}

func (s *Server) handleDebugAttach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanAttach() {
		return toolError(apperrors.PermissionDenied("attach", string(s.config.Mode)))
	}

	configName := request.GetString("configName", "")
	var (
		resolved *launchconfig.ResolvedConfiguration
		err      error
	)
	if configName != "" {
		resolved, err = s.resolveLaunchConfig(request, configName)
	} else {
		resolved, err = attachArgs(request)
	}
	if err != nil {
		return toolError(err)
	}

	sess, warnings, err := s.Attach(ctx, resolved)
	if err != nil {
		return toolError(err)
	}

	result := map[string]interface{}{
		"sessionId":   sess.ID,
		"status":      sess.Status(),
		"serial":      sess.Target.Serial,
		"pid":         sess.Target.PID,
		"breakpoints": breakpointViews(sess.Debugger.FindBreakpoints("", 0)),
	}
	if sess.PackageName != "" {
		result["packageName"] = sess.PackageName
	}
	if configName != "" {
		result["configName"] = configName
	}
	if len(warnings) > 0 {
		result["warnings"] = warnings
	}
	return jsonResult(result)
}

// attachArgs reads a direct attach request
func attachArgs(request mcp.CallToolRequest) (*launchconfig.ResolvedConfiguration, error) {
	r := &launchconfig.ResolvedConfiguration{
		Serial:       request.GetString("serial", ""),
		PID:          request.GetInt("pid", 0),
		PackageName:  request.GetString("packageName", ""),
		ForwardPort:  request.GetInt("forwardPort", 0),
		StopOnAttach: request.GetBool("stopOnAttach", false),
	}
	if r.PID < 0 {
		return nil, apperrors.InvalidParameter("pid", r.PID, "a process ID from device_processes")
	}
	if r.PID == 0 && r.PackageName == "" {
		return nil, apperrors.MissingParameter("pid",
			"Give pid or packageName. Use device_processes to list debuggable processes. Alternatively, use configName to load from launch.json.")
	}
	if r.ForwardPort < 0 || r.ForwardPort > 65535 {
		return nil, apperrors.InvalidParameter("forwardPort", r.ForwardPort, "a TCP port number")
	}
	for _, spec := range strings.Split(request.GetString("breakpoints", ""), ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		bp, err := launchconfig.Breakpoint{Type: spec}.Request()
		if err != nil {
			return nil, apperrors.InvalidParameter("breakpoints", spec, "Type:line, e.g. com.example.MainActivity:42")
		}
		r.Breakpoints = append(r.Breakpoints, bp)
	}
	return r, nil
}

// resolveLaunchConfig loads and resolves an android attach configuration
func (s *Server) resolveLaunchConfig(request mcp.CallToolRequest, configName string) (*launchconfig.ResolvedConfiguration, error) {
	workspace := request.GetString("workspace", "")
	lj, configPath, err := launchconfig.Load(workspace, request.GetString("configPath", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to load launch.json: %w", err)
	}

	cfg, err := launchconfig.FindConfiguration(lj, configName)
	if err != nil {
		return nil, err
	}

	var inputValues map[string]string
	if raw := request.GetString("inputValues", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputValues); err != nil {
			return nil, apperrors.InvalidParameter("inputValues", raw, "a JSON object of strings")
		}
	}

	resolved, err := launchconfig.ResolveConfiguration(cfg, launchconfig.NewResolutionContext(lj, configPath, workspace, inputValues))
	if err != nil {
		if missingErr, ok := launchconfig.IsMissingInputsError(err); ok {
			return nil, apperrors.MissingParameter("inputValues",
				fmt.Sprintf("Provide values for %v via the inputValues parameter.", missingErr.Inputs))
		}
		return nil, apperrors.ConfigInvalid(configName, err.Error())
	}
	return resolved, nil
}

// Attach connects to the configured process and applies its breakpoints and
// exception breaks. Failures to apply them are returned as warnings.
func (s *Server) Attach(ctx context.Context, r *launchconfig.ResolvedConfiguration) (*session.Session, []string, error) {
	sess, err := s.attach(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	return sess, s.prepare(ctx, sess, r), nil
}

// attach finds the target process and connects, retrying transient failures
func (s *Server) attach(ctx context.Context, r *launchconfig.ResolvedConfiguration) (*session.Session, error) {
	serial, err := s.ResolveSerial(ctx, r.Serial)
	if err != nil {
		return nil, err
	}
	pid := r.PID
	if pid == 0 {
		pid, err = s.bridge.PidOf(ctx, serial, r.PackageName)
		if err != nil {
			return nil, apperrors.BridgeFail("pidof", err)
		}
		if pid == 0 {
			return nil, apperrors.InvalidParameter("packageName", r.PackageName, "a package with a running process")
		}
	}

	target := debugger.Target{Serial: serial, PID: pid}
	var opts []debugger.Option
	if r.ForwardPort > 0 {
		opts = append(opts, debugger.WithFixedPort(r.ForwardPort))
	}

	var sess *session.Session
	op := func() error {
		var err error
		sess, err = s.sessions.Attach(ctx, target, r.PackageName, opts...)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.log.Info("attach failed, retrying", "target", target.String(), "error", err.Error(), "wait", wait.String())
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return sess, nil
}

// retryable reports whether an attach failure may go away on its own
func retryable(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeConnectFailed) && !errors.Is(err, ports.ErrPortInUse)
}

// prepare applies the configured breakpoints and exception breaks, then
// resumes the VM unless asked to stay stopped. Failures are reported, not fatal.
func (s *Server) prepare(ctx context.Context, sess *session.Session, r *launchconfig.ResolvedConfiguration) []string {
	var warnings []string
	d := sess.Debugger
	for _, bp := range r.Breakpoints {
		if _, err := d.SetBreakpoint(ctx, bp.Type, bp.Line, bp.HitCount); err != nil {
			warnings = append(warnings, fmt.Sprintf("breakpoint %s:%d: %v", bp.Type, bp.Line, err))
		}
	}
	if r.Exceptions.Caught || r.Exceptions.Uncaught {
		if err := d.SetBreakOnExceptions(ctx, r.Exceptions.Caught, r.Exceptions.Uncaught); err != nil {
			warnings = append(warnings, fmt.Sprintf("exception breaks: %v", err))
		}
	}
	s.subscribe(sess)

	if !r.StopOnAttach {
		if err := d.ResumeVM(ctx); err != nil {
			warnings = append(warnings, fmt.Sprintf("resume: %v", err))
		} else {
			sess.SetStatus(types.SessionStatusRunning)
		}
	}
	return warnings
}

func (s *Server) handleDebugDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return toolError(sessionIDMissing())
	}
	if err := s.sessions.Terminate(sessionID); err != nil {
		return toolError(err)
	}
	// Terminate waits for queued events, so subscribers saw the disconnect.
	s.unsubscribe(sessionID)

	return jsonResult(map[string]interface{}{
		"sessionId": sessionID,
		"status":    types.SessionStatusTerminated,
	})
}

func (s *Server) handleDebugListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := lo.Map(s.sessions.List(), func(sess *session.Session, _ int) types.SessionInfo {
		return sess.Info()
	})
	return jsonResult(map[string]interface{}{
		"sessions": sessions,
	})
}

func (s *Server) handleVersion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := map[string]interface{}{
		"version": version.Version,
	}
	if s.checker != nil {
		if info := s.checker.GetUpdateInfo(); info != nil {
			result["update"] = info
			if msg := info.UpdateMessage(); msg != "" {
				result["message"] = msg
			}
		}
	}
	return jsonResult(result)
}

// Inspection Handlers

func (s *Server) handleDebugThreads(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	infos, err := sess.Debugger.ThreadInfos(ctx)
	if err != nil {
		return toolError(err)
	}

	threads := make([]map[string]interface{}, len(infos))
	for i, t := range infos {
		dt := dap.Thread(t)
		threads[i] = map[string]interface{}{
			"id":           dt.Id,
			"name":         dt.Name,
			"status":       t.Status.String(),
			"suspended":    t.Suspended,
			"suspendCount": t.SuspendCount,
		}
	}
	return jsonResult(map[string]interface{}{
		"threads": threads,
		"status":  sess.Status(),
	})
}

func (s *Server) handleDebugStack(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, thread, err := s.getSessionThread(request)
	if err != nil {
		return toolError(err)
	}
	start := request.GetInt("startFrame", 0)
	levels := request.GetInt("levels", -1)
	if start < 0 {
		return toolError(apperrors.InvalidParameter("startFrame", start, "a frame depth of zero or more"))
	}
	if levels == 0 {
		levels = -1
	}

	frames, err := sess.Debugger.Frames(ctx, thread, start, levels)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]interface{}{
		"threadId":    int(thread),
		"stackFrames": dap.StackFrames(frames),
	})
}

func (s *Server) handleDebugLocals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, thread, err := s.getSessionThread(request)
	if err != nil {
		return toolError(err)
	}
	depth := request.GetInt("frame", 0)
	d := sess.Debugger

	locals, err := d.Locals(ctx, thread, depth)
	if err != nil {
		return toolError(err)
	}
	vars := make([]godap.Variable, 0, len(locals)+1)
	if !lo.ContainsBy(locals, func(l debugger.Local) bool { return l.Name == "this" }) {
		this, err := d.ThisObject(ctx, thread, depth)
		if err == nil && this.Object != 0 {
			var sig string
			if info, err := d.ObjectType(ctx, this.Object); err == nil {
				sig = info.Signature
			}
			vars = append(vars, variable(ctx, d, "this", sig, jdwp.Object(this.Tag, this.Object)))
		}
	}
	for _, l := range locals {
		vars = append(vars, variable(ctx, d, l.Name, l.Signature, l.Value))
	}
	return jsonResult(map[string]interface{}{
		"threadId":  int(thread),
		"frame":     depth,
		"variables": vars,
	})
}

func (s *Server) handleDebugField(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	field, err := request.RequireString("field")
	if err != nil {
		return toolError(apperrors.MissingParameter("field", "Give the field name."))
	}
	text := request.GetString("value", "")
	write := text != ""
	if write && !s.config.CanModifyVariables() {
		return toolError(apperrors.PermissionDenied("modify", string(s.config.Mode)))
	}

	d := sess.Debugger
	objectID := jdwp.ObjectID(request.GetInt("objectId", 0))
	className := request.GetString("className", "")

	var (
		info  debugger.TypeInfo
		value jdwp.Value
	)
	switch {
	case objectID != 0:
		if info, err = d.ObjectType(ctx, objectID); err != nil {
			return toolError(err)
		}
		value, err = d.GetFieldValue(ctx, objectID, field)
	case className != "":
		if info, err = d.GetTypeInfo(ctx, className); err != nil {
			return toolError(err)
		}
		value, err = d.GetStaticFieldValue(ctx, jdwp.ClassID(info.Type), field)
	default:
		return toolError(apperrors.MissingParameter("objectId", "Give objectId for an instance field or className for a static field."))
	}
	if err != nil {
		return toolError(err)
	}

	declared := ""
	if f, ok := lo.Find(info.Fields, func(f jdwp.Field) bool { return f.Name == field }); ok {
		declared = f.Signature
	}
	if write {
		sig := declared
		if sig == "" {
			sig = tagSignature(value.Tag)
		}
		if value, err = parseValue(ctx, d, sig, text); err != nil {
			return toolError(err)
		}
		if objectID != 0 {
			err = d.SetFieldValue(ctx, objectID, field, value)
		} else {
			err = d.SetStaticFieldValue(ctx, jdwp.ClassID(info.Type), field, value)
		}
		if err != nil {
			return toolError(err)
		}
	}
	return jsonResult(map[string]interface{}{
		"type":     info.Name,
		"variable": variable(ctx, d, field, declared, value),
		"written":  write,
	})
}

func (s *Server) handleDebugArray(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	array := jdwp.ArrayID(request.GetInt("arrayId", 0))
	if array == 0 {
		return toolError(apperrors.MissingParameter("arrayId", "Give the variablesReference of an array from debug_locals or debug_field."))
	}
	d := sess.Debugger

	length, err := d.ArrayLength(ctx, array)
	if err != nil {
		return toolError(err)
	}

	if _, ok := request.GetArguments()["index"]; ok {
		if !s.config.CanModifyVariables() {
			return toolError(apperrors.PermissionDenied("modify", string(s.config.Mode)))
		}
		index := request.GetInt("index", 0)
		if index < 0 || index >= length {
			return toolError(apperrors.InvalidParameter("index", index, fmt.Sprintf("an index below the array length %d", length)))
		}
		text, err := request.RequireString("value")
		if err != nil {
			return toolError(apperrors.MissingParameter("value", "Give the new element value."))
		}
		current, err := d.GetArrayElementValues(ctx, array, index, 1)
		if err != nil {
			return toolError(err)
		}
		v, err := parseValue(ctx, d, tagSignature(current.Tag), text)
		if err != nil {
			return toolError(err)
		}
		if err := d.SetArrayElements(ctx, array, index, []jdwp.Value{v}); err != nil {
			return toolError(err)
		}
	}

	start := request.GetInt("start", 0)
	if start < 0 || start > length {
		return toolError(apperrors.InvalidParameter("start", start, fmt.Sprintf("an index from 0 to %d", length)))
	}
	count := min(request.GetInt("count", defaultArrayCount), length-start)

	elements := []godap.Variable{}
	if count > 0 {
		region, err := d.GetArrayElementValues(ctx, array, start, count)
		if err != nil {
			return toolError(err)
		}
		for i, v := range region.Values {
			elements = append(elements, variable(ctx, d, fmt.Sprintf("[%d]", start+i), "", v))
		}
	}
	return jsonResult(map[string]interface{}{
		"length":   length,
		"start":    start,
		"elements": elements,
	})
}

func (s *Server) handleDebugClasses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	limit := request.GetInt("limit", defaultClassesLimit)
	if limit <= 0 {
		return toolError(apperrors.InvalidParameter("limit", limit, "a positive number"))
	}

	classes, err := sess.Debugger.AllClasses(ctx, request.GetString("prefix", ""))
	if err != nil {
		return toolError(err)
	}
	shown := classes[:min(limit, len(classes))]
	return jsonResult(map[string]interface{}{
		"classes": lo.Map(shown, func(c jdwp.ClassInfo, _ int) types.ClassInfo {
			return types.ClassInfo{
				Name:      dap.TypeName(c.Signature, jdwp.TagObject),
				Signature: c.Signature,
				Kind:      c.Kind.String(),
			}
		}),
		"total":     len(classes),
		"truncated": len(classes) > len(shown),
	})
}

func (s *Server) handleDebugWaitForStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	return s.waitForStop(ctx, sess, request.GetInt("timeout", defaultWaitSeconds))
}

func (s *Server) waitForStop(ctx context.Context, sess *session.Session, timeout int) (*mcp.CallToolResult, error) {
	if timeout <= 0 {
		return toolError(apperrors.InvalidParameter("timeout", timeout, "a positive number of seconds"))
	}
	wctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	stop, err := sess.WaitForStop(wctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return toolError(apperrors.Timeout("waiting for a stop", timeout))
		}
		return toolError(err)
	}
	return jsonResult(map[string]interface{}{
		"stop":    stopInfo(ctx, sess.Debugger, stop),
		"stopped": dap.StoppedBody(stop),
	})
}

// stopInfo describes a stop, resolved to the top frame where possible
func stopInfo(ctx context.Context, d *debugger.Debugger, stop debugger.Stop) types.StopInfo {
	info := types.StopInfo{
		Reason:   string(stop.Reason),
		ThreadID: int64(stop.Thread),
		Time:     stop.Time,
	}
	frames, err := d.Frames(ctx, stop.Thread, 0, 1)
	if err == nil && len(frames) > 0 {
		info.Type = frames[0].Type
		info.Method = frames[0].Method
		info.Line = max(frames[0].Line, 0)
		info.Source = frames[0].Source
	}
	return info
}

// Control Handlers

func (s *Server) handleDebugBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	action, err := request.RequireString("action")
	if err != nil {
		return toolError(apperrors.MissingParameter("action", "One of: set, remove, clear, list."))
	}
	d := sess.Debugger
	typeName := request.GetString("type", "")
	line := request.GetInt("line", 0)

	switch action {
	case "set":
		if typeName == "" {
			return toolError(apperrors.MissingParameter("type", "Give the fully qualified class name, e.g. com.example.MainActivity."))
		}
		if line <= 0 {
			return toolError(apperrors.InvalidParameter("line", line, "a source line number"))
		}
		bp, err := d.SetBreakpoint(ctx, typeName, line, request.GetInt("hitCount", 0))
		if err != nil {
			return toolError(err)
		}
		return jsonResult(map[string]interface{}{
			"breakpoint": newBreakpointView(bp),
		})

	case "remove":
		if typeName == "" {
			return toolError(apperrors.MissingParameter("type", "Give the class of the breakpoints to remove."))
		}
		keys := lo.Map(d.FindBreakpoints(typeName, line), func(bp debugger.Breakpoint, _ int) debugger.BreakpointKey {
			return bp.BreakpointKey
		})
		if len(keys) == 0 {
			return toolError(apperrors.InvalidParameter("type", typeName, "a class with breakpoints; see action=list"))
		}
		if err := d.RemoveBreakpoints(ctx, keys...); err != nil {
			return toolError(err)
		}
		return jsonResult(map[string]interface{}{
			"removed": len(keys),
		})

	case "clear":
		n := len(d.FindBreakpoints("", 0))
		if err := d.RemoveAllBreakpoints(ctx); err != nil {
			return toolError(err)
		}
		return jsonResult(map[string]interface{}{
			"removed": n,
		})

	case "list":
		return jsonResult(map[string]interface{}{
			"breakpoints": breakpointViews(d.FindBreakpoints("", 0)),
		})
	}
	return toolError(apperrors.InvalidParameter("action", action, "set, remove, clear or list"))
}

func (s *Server) handleDebugExceptionBreaks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	caught := request.GetBool("caught", false)
	uncaught := request.GetBool("uncaught", false)
	if err := sess.Debugger.SetBreakOnExceptions(ctx, caught, uncaught); err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]interface{}{
		"exceptionBreaks": sess.Debugger.ExceptionBreaks(),
	})
}

func (s *Server) handleDebugSuspend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	d := sess.Debugger
	if thread := jdwp.ThreadID(request.GetInt("threadId", 0)); thread != 0 {
		if err := d.SuspendThread(ctx, thread); err != nil {
			return toolError(err)
		}
		return jsonResult(map[string]interface{}{
			"threadId":     int(thread),
			"suspendCount": d.SuspendCount(thread),
		})
	}
	if err := d.SuspendVM(ctx); err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]interface{}{
		"suspendCount": d.GlobalSuspendCount(),
	})
}

func (s *Server) handleDebugResume(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	d := sess.Debugger
	if thread := jdwp.ThreadID(request.GetInt("threadId", 0)); thread != 0 {
		if err := d.ResumeThread(ctx, thread); err != nil {
			return toolError(err)
		}
		return jsonResult(map[string]interface{}{
			"threadId":     int(thread),
			"suspendCount": d.SuspendCount(thread),
		})
	}
	if err := d.ResumeVM(ctx); err != nil {
		return toolError(err)
	}
	if d.GlobalSuspendCount() == 0 {
		sess.SetStatus(types.SessionStatusRunning)
	}
	return jsonResult(map[string]interface{}{
		"status":       sess.Status(),
		"suspendCount": d.GlobalSuspendCount(),
	})
}

func (s *Server) handleDebugStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, thread, err := s.getSessionThread(request)
	if err != nil {
		return toolError(err)
	}
	kind := debugger.StepKind(request.GetString("kind", string(debugger.StepOver)))

	prev := sess.Status()
	sess.SetStatus(types.SessionStatusRunning)
	if err := sess.Debugger.Step(ctx, thread, kind); err != nil {
		sess.SetStatus(prev)
		if apperrors.HasCode(err, apperrors.CodeInvalidParameter) {
			return toolError(err)
		}
		return toolError(apperrors.StepFailed(string(kind), err))
	}

	if !request.GetBool("wait", true) {
		return jsonResult(map[string]interface{}{
			"threadId": int(thread),
			"status":   sess.Status(),
		})
	}
	return s.waitForStop(ctx, sess, request.GetInt("timeout", defaultWaitSeconds))
}

func (s *Server) handleDebugSetLocal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanModifyVariables() {
		return toolError(apperrors.PermissionDenied("modify", string(s.config.Mode)))
	}
	sess, thread, err := s.getSessionThread(request)
	if err != nil {
		return toolError(err)
	}
	name, err := request.RequireString("name")
	if err != nil {
		return toolError(apperrors.MissingParameter("name", "Give the local variable name from debug_locals."))
	}
	text, err := request.RequireString("value")
	if err != nil {
		return toolError(apperrors.MissingParameter("value", "Give the new value: a number, true/false, null or a quoted string."))
	}
	depth := request.GetInt("frame", 0)
	d := sess.Debugger

	locals, err := d.Locals(ctx, thread, depth)
	if err != nil {
		return toolError(err)
	}
	local, ok := lo.Find(locals, func(l debugger.Local) bool { return l.Name == name })
	if !ok {
		return toolError(apperrors.InvalidParameter("name", name, "a variable visible in the frame; see debug_locals"))
	}
	v, err := parseValue(ctx, d, local.Signature, text)
	if err != nil {
		return toolError(err)
	}
	if err := d.SetLocalVariableValue(ctx, thread, depth, name, v); err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]interface{}{
		"variable": variable(ctx, d, name, local.Signature, v),
	})
}

func (s *Server) handleDebugInvoke(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanInvoke() {
		return toolError(apperrors.PermissionDenied("invoke", string(s.config.Mode)))
	}
	sess, thread, err := s.getSessionThread(request)
	if err != nil {
		return toolError(err)
	}
	method, err := request.RequireString("method")
	if err != nil {
		return toolError(apperrors.MissingParameter("method", "Give the method name."))
	}
	var args []string
	if raw := request.GetString("args", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return toolError(apperrors.InvalidParameter("args", raw, "a JSON array of strings"))
		}
	}
	d := sess.Debugger

	object := jdwp.ObjectID(request.GetInt("objectId", 0))
	var info debugger.TypeInfo
	switch className := request.GetString("className", ""); {
	case object != 0:
		info, err = d.ObjectType(ctx, object)
	case className != "":
		info, err = d.GetTypeInfo(ctx, className)
	default:
		return toolError(apperrors.MissingParameter("objectId", "Give objectId for an instance method or className for a static method."))
	}
	if err != nil {
		return toolError(err)
	}

	declaring, m, err := d.FindMethod(ctx, jdwp.ClassID(info.Type), method, request.GetString("signature", ""))
	if err != nil {
		return toolError(err)
	}
	params, ret, err := splitMethodSignature(m.Signature)
	if err != nil {
		return toolError(apperrors.InvokeFailed(method, err))
	}
	if len(params) != len(args) {
		return toolError(apperrors.InvalidParameter("args", args,
			fmt.Sprintf("%d arguments for %s%s", len(params), m.Name, m.Signature)))
	}
	values := make([]jdwp.Value, len(args))
	for i, a := range args {
		if values[i], err = parseValue(ctx, d, params[i], a); err != nil {
			return toolError(err)
		}
	}

	res, err := d.InvokeMethod(ctx, debugger.InvokeRequest{
		Thread:  thread,
		Object:  object,
		Class:   declaring,
		Method:  m.ID,
		Args:    values,
		Options: jdwp.InvokeSingleThreaded,
	})
	if err != nil {
		return toolError(apperrors.InvokeFailed(method, err))
	}

	rv := variable(ctx, d, m.Name, ret, res.Return)
	result := types.InvokeResult{Value: rv.Value, Type: rv.Type}
	if res.Exception.Object != 0 {
		result.Exception = fmt.Sprintf("object@%x", uint64(res.Exception.Object))
		if exc, err := d.ObjectType(ctx, res.Exception.Object); err == nil {
			result.Exception = exc.Name
		}
	}
	return jsonResult(map[string]interface{}{
		"result":             result,
		"variablesReference": rv.VariablesReference,
	})
}

// Helper functions

func (s *Server) getSession(request mcp.CallToolRequest) (*session.Session, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return nil, sessionIDMissing()
	}
	return s.sessions.Get(sessionID)
}

func (s *Server) getSessionThread(request mcp.CallToolRequest) (*session.Session, jdwp.ThreadID, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return nil, 0, err
	}
	thread := request.GetInt("threadId", 0)
	if thread <= 0 {
		return nil, 0, apperrors.MissingParameter("threadId", "Give a thread ID from debug_threads, or the threadId of a stop.")
	}
	return sess, jdwp.ThreadID(thread), nil
}

func sessionIDMissing() error {
	return apperrors.MissingParameter("sessionId", "Provide the sessionId returned from debug_attach. Use debug_list_sessions to see active sessions.")
}

func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// breakpointView is a DAP breakpoint with the lifecycle detail DAP lacks
type breakpointView struct {
	godap.Breakpoint
	Type     string                   `json:"type"`
	State    debugger.BreakpointState `json:"state"`
	HitCount int                      `json:"hitCount,omitempty"`
	Hits     int                      `json:"hits"`
}

func newBreakpointView(bp debugger.Breakpoint) breakpointView {
	return breakpointView{
		Breakpoint: dap.Breakpoint(bp),
		Type:       bp.Type,
		State:      bp.State,
		HitCount:   bp.HitCount,
		Hits:       bp.Hits,
	}
}

func breakpointViews(bps []debugger.Breakpoint) []breakpointView {
	return lo.Map(bps, func(bp debugger.Breakpoint, _ int) breakpointView { return newBreakpointView(bp) })
}

// variable renders a value, with the text of strings in place of their id
func variable(ctx context.Context, d *debugger.Debugger, name, signature string, v jdwp.Value) godap.Variable {
	out := dap.Variable(name, signature, v)
	if v.Tag == jdwp.TagString && !v.IsNull() {
		if str, err := d.StringValue(ctx, jdwp.StringID(v.ObjectID())); err == nil {
			out.Value = strconv.Quote(str)
		}
	}
	return out
}

// parseValue turns client text into a value for a slot of the given
// signature. Quoted text becomes a new string in the target.
func parseValue(ctx context.Context, d *debugger.Debugger, signature, text string) (jdwp.Value, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, `"`) {
		if !jdwp.TagForSignature(signature).IsObject() {
			return jdwp.Value{}, apperrors.InvalidParameter("value", text, "a "+dap.TypeName(signature, 0)+" literal")
		}
		str, err := strconv.Unquote(text)
		if err != nil {
			return jdwp.Value{}, apperrors.InvalidParameter("value", text, "a double-quoted string")
		}
		id, err := d.CreateString(ctx, str)
		if err != nil {
			return jdwp.Value{}, err
		}
		return jdwp.Object(jdwp.TagString, jdwp.ObjectID(id)), nil
	}
	v, err := dap.ParseValue(signature, text)
	if err != nil {
		return jdwp.Value{}, apperrors.InvalidParameter("value", text, err.Error())
	}
	return v, nil
}

// tagSignature stands in for a signature when only the value tag is known
func tagSignature(tag jdwp.Tag) string {
	if tag == jdwp.TagString {
		return "Ljava/lang/String;"
	}
	return string(rune(tag))
}

// splitMethodSignature splits a JNI method signature into its parameter
// signatures and return signature.
func splitMethodSignature(sig string) (params []string, ret string, err error) {
	if !strings.HasPrefix(sig, "(") {
		return nil, "", fmt.Errorf("bad method signature %q", sig)
	}
	i := 1
	for i < len(sig) && sig[i] != ')' {
		start := i
		for i < len(sig) && sig[i] == '[' {
			i++
		}
		if i < len(sig) && sig[i] == 'L' {
			end := strings.IndexByte(sig[i:], ';')
			if end < 0 {
				return nil, "", fmt.Errorf("bad method signature %q", sig)
			}
			i += end
		}
		i++
		if i > len(sig) {
			return nil, "", fmt.Errorf("bad method signature %q", sig)
		}
		params = append(params, sig[start:i])
	}
	if i >= len(sig)-1 {
		return nil, "", fmt.Errorf("bad method signature %q", sig)
	}
	return params, sig[i+1:], nil
}
