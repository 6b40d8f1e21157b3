package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the device, session, inspection and control tools
func (s *Server) registerTools() {
	// Devices (both modes)
	s.registerDeviceList()
	s.registerDeviceProcesses()
	s.registerDeviceLogcat()

	// Sessions (both modes)
	s.registerDebugListConfigs()
	s.registerDebugAttach()
	s.registerDebugDisconnect()
	s.registerDebugListSessions()
	s.registerVersion()

	// Inspection (both modes)
	s.registerDebugThreads()
	s.registerDebugStack()
	s.registerDebugLocals()
	s.registerDebugField()
	s.registerDebugArray()
	s.registerDebugClasses()
	s.registerDebugWaitForStop()

	// Control (full mode only)
	if s.config.CanUseControlTools() {
		s.registerDebugBreakpoints()
		s.registerDebugExceptionBreaks()
		s.registerDebugSuspend()
		s.registerDebugResume()
		s.registerDebugStep()
		s.registerDebugSetLocal()
		s.registerDebugInvoke()
		s.registerDevicePush()
	}
}

func sessionIDParam() mcp.ToolOption {
	return mcp.WithString("sessionId",
		mcp.Required(),
		mcp.Description("The session ID from debug_attach"),
	)
}

func threadIDParam(required bool) mcp.ToolOption {
	opts := []mcp.PropertyOption{
		mcp.Description("Thread ID from debug_threads or a stop"),
	}
	if required {
		opts = append(opts, mcp.Required())
	}
	return mcp.WithNumber("threadId", opts...)
}

func serialParam() mcp.ToolOption {
	return mcp.WithString("serial",
		mcp.Description("Device serial. May be omitted when exactly one device is online."),
	)
}

// Device Tools

func (s *Server) registerDeviceList() {
	tool := mcp.NewTool("device_list",
		mcp.WithDescription("List devices and emulators known to the ADB server, with their state (device, offline, unauthorized) and model."),
	)
	s.addTool(tool, s.handleDeviceList)
}

func (s *Server) registerDeviceProcesses() {
	tool := mcp.NewTool("device_processes",
		mcp.WithDescription("List debuggable (JDWP) processes on a device. Process names are filled in from ps where available."),
		serialParam(),
	)
	s.addTool(tool, s.handleDeviceProcesses)
}

func (s *Server) registerDeviceLogcat() {
	tool := mcp.NewTool("device_logcat",
		mcp.WithDescription("Dump recent logcat output from a device and return it. Does not follow the log."),
		serialParam(),
		mcp.WithNumber("lines",
			mcp.Description("Number of most recent lines to return (default: 200)"),
		),
		mcp.WithNumber("pid",
			mcp.Description("Only show lines from this process"),
		),
		mcp.WithString("filter",
			mcp.Description("Logcat filter specs, e.g. 'ActivityManager:I *:S'"),
		),
	)
	s.addTool(tool, s.handleDeviceLogcat)
}

func (s *Server) registerDevicePush() {
	tool := mcp.NewTool("device_push",
		mcp.WithDescription("Write a text file to the device, e.g. a fixture under /data/local/tmp."),
		serialParam(),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Absolute path on the device"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("File content"),
		),
		mcp.WithString("mode",
			mcp.Description("Octal permission bits (default: 0644)"),
		),
	)
	s.addTool(tool, s.handleDevicePush)
}

// Session Tools

func (s *Server) registerDebugListConfigs() {
	tool := mcp.NewTool("debug_list_configs",
		mcp.WithDescription("List the android attach configurations of a VS Code launch.json. Use a name with debug_attach configName."),
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json file. Auto-discovers from workspace if not provided."),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace root to search for .vscode/launch.json"),
		),
	)
	s.addTool(tool, s.handleDebugListConfigs)
}

func (s *Server) registerDebugAttach() {
	tool := mcp.NewTool("debug_attach",
		mcp.WithDescription("Attach the debugger to an app process. Give a pid or packageName directly, OR reference an android configuration in launch.json. The VM is left suspended when stopOnAttach is true; otherwise it runs. Returns sessionId needed for all other tools."),
		serialParam(),
		mcp.WithNumber("pid",
			mcp.Description("Process ID to attach to. See device_processes."),
		),
		mcp.WithString("packageName",
			mcp.Description("Application package; its pid is looked up on the device"),
		),
		mcp.WithNumber("forwardPort",
			mcp.Description("Local port for the jdwp forward (default: random from the configured range)"),
		),
		mcp.WithBoolean("stopOnAttach",
			mcp.Description("Keep the VM suspended after attaching (default: false)"),
		),
		mcp.WithString("breakpoints",
			mcp.Description("Comma-separated breakpoints to set before resuming, e.g. 'com.example.MainActivity:42,com.example.Worker:7'"),
		),
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json file. Auto-discovers from workspace if not provided."),
		),
		mcp.WithString("configName",
			mcp.Description("Name of an android attach configuration in launch.json"),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace root for variable resolution and config discovery."),
		),
		mcp.WithString("inputValues",
			mcp.Description("JSON object with values for ${input:} variables in launch.json."),
		),
	)
	s.addTool(tool, s.handleDebugAttach)
}

func (s *Server) registerDebugDisconnect() {
	tool := mcp.NewTool("debug_disconnect",
		mcp.WithDescription("Disconnect from a debug session. Breakpoints are removed and the app keeps running."),
		sessionIDParam(),
	)
	s.addTool(tool, s.handleDebugDisconnect)
}

func (s *Server) registerDebugListSessions() {
	tool := mcp.NewTool("debug_list_sessions",
		mcp.WithDescription("List all active debug sessions"),
	)
	s.addTool(tool, s.handleDebugListSessions)
}

func (s *Server) registerVersion() {
	tool := mcp.NewTool("adbg_version",
		mcp.WithDescription("Show the adbg version and whether a newer release is available"),
	)
	s.addTool(tool, s.handleVersion)
}

// Inspection Tools

func (s *Server) registerDebugThreads() {
	tool := mcp.NewTool("debug_threads",
		mcp.WithDescription("List threads with their status and suspend count"),
		sessionIDParam(),
	)
	s.addTool(tool, s.handleDebugThreads)
}

func (s *Server) registerDebugStack() {
	tool := mcp.NewTool("debug_stack",
		mcp.WithDescription("Get the call stack of a suspended thread. Frame 0 is the top of the stack."),
		sessionIDParam(),
		threadIDParam(true),
		mcp.WithNumber("startFrame",
			mcp.Description("First frame to return (default: 0)"),
		),
		mcp.WithNumber("levels",
			mcp.Description("Number of frames to return (default: all)"),
		),
	)
	s.addTool(tool, s.handleDebugStack)
}

func (s *Server) registerDebugLocals() {
	tool := mcp.NewTool("debug_locals",
		mcp.WithDescription("Get the local variables of a frame, plus 'this' in instance methods. Object values carry a variablesReference usable as objectId or arrayId."),
		sessionIDParam(),
		threadIDParam(true),
		mcp.WithNumber("frame",
			mcp.Description("Frame depth (default: 0)"),
		),
	)
	s.addTool(tool, s.handleDebugLocals)
}

func (s *Server) registerDebugField() {
	tool := mcp.NewTool("debug_field",
		mcp.WithDescription("Read a field of an object, or a static field of a class. Give value to write the field (full mode with allowModify)."),
		sessionIDParam(),
		mcp.WithNumber("objectId",
			mcp.Description("Object ID (a variablesReference) for instance fields"),
		),
		mcp.WithString("className",
			mcp.Description("Fully qualified class name for static fields"),
		),
		mcp.WithString("field",
			mcp.Required(),
			mcp.Description("Field name"),
		),
		mcp.WithString("value",
			mcp.Description("New value: a primitive literal, null, or a quoted string"),
		),
	)
	s.addTool(tool, s.handleDebugField)
}

func (s *Server) registerDebugArray() {
	tool := mcp.NewTool("debug_array",
		mcp.WithDescription("Read elements of an array. Give index and value to write one element (full mode with allowModify)."),
		sessionIDParam(),
		mcp.WithNumber("arrayId",
			mcp.Required(),
			mcp.Description("Array ID (a variablesReference)"),
		),
		mcp.WithNumber("start",
			mcp.Description("First element (default: 0)"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of elements (default: 100)"),
		),
		mcp.WithNumber("index",
			mcp.Description("Element to write"),
		),
		mcp.WithString("value",
			mcp.Description("New element value"),
		),
	)
	s.addTool(tool, s.handleDebugArray)
}

func (s *Server) registerDebugClasses() {
	tool := mcp.NewTool("debug_classes",
		mcp.WithDescription("List loaded classes whose name starts with a prefix"),
		sessionIDParam(),
		mcp.WithString("prefix",
			mcp.Description("Class name prefix, e.g. 'com.example.'"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of classes (default: 200)"),
		),
	)
	s.addTool(tool, s.handleDebugClasses)
}

func (s *Server) registerDebugWaitForStop() {
	tool := mcp.NewTool("debug_wait_for_stop",
		mcp.WithDescription("Wait until execution stops at a breakpoint, step or exception and return where. Returns at once if already stopped."),
		sessionIDParam(),
		mcp.WithNumber("timeout",
			mcp.Description("Seconds to wait (default: 30)"),
		),
	)
	s.addTool(tool, s.handleDebugWaitForStop)
}

// Control Tools

func (s *Server) registerDebugBreakpoints() {
	tool := mcp.NewTool("debug_breakpoints",
		mcp.WithDescription("Manage line breakpoints. Breakpoints on classes that are not loaded yet bind when the class loads."),
		sessionIDParam(),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("set, remove, clear or list"),
			mcp.Enum("set", "remove", "clear", "list"),
		),
		mcp.WithString("type",
			mcp.Description("Fully qualified class name, e.g. com.example.MainActivity (set, remove)"),
		),
		mcp.WithNumber("line",
			mcp.Description("Source line (set, remove)"),
		),
		mcp.WithNumber("hitCount",
			mcp.Description("Stop only on this hit (set)"),
		),
	)
	s.addTool(tool, s.handleDebugBreakpoints)
}

func (s *Server) registerDebugExceptionBreaks() {
	tool := mcp.NewTool("debug_exception_breaks",
		mcp.WithDescription("Choose which thrown exceptions stop execution. Both false turns exception breaks off."),
		sessionIDParam(),
		mcp.WithBoolean("caught",
			mcp.Description("Break on exceptions that will be caught"),
		),
		mcp.WithBoolean("uncaught",
			mcp.Description("Break on exceptions nothing catches"),
		),
	)
	s.addTool(tool, s.handleDebugExceptionBreaks)
}

func (s *Server) registerDebugSuspend() {
	tool := mcp.NewTool("debug_suspend",
		mcp.WithDescription("Suspend the whole VM, or one thread when threadId is given"),
		sessionIDParam(),
		threadIDParam(false),
	)
	s.addTool(tool, s.handleDebugSuspend)
}

func (s *Server) registerDebugResume() {
	tool := mcp.NewTool("debug_resume",
		mcp.WithDescription("Resume the whole VM, or one thread when threadId is given"),
		sessionIDParam(),
		threadIDParam(false),
	)
	s.addTool(tool, s.handleDebugResume)
}

func (s *Server) registerDebugStep() {
	tool := mcp.NewTool("debug_step",
		mcp.WithDescription("Step a suspended thread by one source line and resume. With wait=true, returns where it stopped."),
		sessionIDParam(),
		threadIDParam(true),
		mcp.WithString("kind",
			mcp.Description("into, over or out (default: over)"),
			mcp.Enum("into", "over", "out"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the step to complete (default: true)"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Seconds to wait (default: 30)"),
		),
	)
	s.addTool(tool, s.handleDebugStep)
}

func (s *Server) registerDebugSetLocal() {
	tool := mcp.NewTool("debug_set_local",
		mcp.WithDescription("Set a local variable in a frame of a suspended thread. Requires allowModify."),
		sessionIDParam(),
		threadIDParam(true),
		mcp.WithNumber("frame",
			mcp.Description("Frame depth (default: 0)"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Variable name"),
		),
		mcp.WithString("value",
			mcp.Required(),
			mcp.Description("New value: a primitive literal, null, or a quoted string"),
		),
	)
	s.addTool(tool, s.handleDebugSetLocal)
}

func (s *Server) registerDebugInvoke() {
	tool := mcp.NewTool("debug_invoke",
		mcp.WithDescription("Run a method in the target on a suspended thread. Only that thread runs during the call. Requires allowInvoke."),
		sessionIDParam(),
		threadIDParam(true),
		mcp.WithNumber("objectId",
			mcp.Description("Receiver object ID for instance methods"),
		),
		mcp.WithString("className",
			mcp.Description("Fully qualified class name for static methods"),
		),
		mcp.WithString("method",
			mcp.Required(),
			mcp.Description("Method name"),
		),
		mcp.WithString("signature",
			mcp.Description("JNI method signature, e.g. '(I)Ljava/lang/String;'. Needed when the name is overloaded."),
		),
		mcp.WithString("args",
			mcp.Description("JSON array of argument literals, e.g. [\"42\", \"\\\"text\\\"\"]"),
		),
	)
	s.addTool(tool, s.handleDebugInvoke)
}
