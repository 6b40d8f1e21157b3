package launchconfig

import (
	"errors"
	"fmt"

	"github.com/ctagard/adbg/pkg/types"
)

// ResolvedConfiguration is an attach configuration with every variable
// substituted and every number parsed.
type ResolvedConfiguration struct {
	Name         string
	Serial       string
	PID          int
	PackageName  string
	ForwardPort  int
	Breakpoints  []types.BreakpointRequest
	Exceptions   ExceptionBreaks
	StopOnAttach bool
	Extra        map[string]any
}

// AttachRequest returns the process selection part of the configuration
func (r *ResolvedConfiguration) AttachRequest() types.AttachRequest {
	return types.AttachRequest{
		Serial:      r.Serial,
		PID:         r.PID,
		PackageName: r.PackageName,
		ForwardPort: r.ForwardPort,
	}
}

// NewResolutionContext builds the context for configurations of lj read
// from launchPath. workspace overrides the folder derived from the path.
func NewResolutionContext(lj *LaunchJSON, launchPath, workspace string, inputs map[string]string) *ResolutionContext {
	if workspace == "" && launchPath != "" {
		workspace = GetWorkspaceFolder(launchPath)
	}
	return &ResolutionContext{
		WorkspaceFolder: workspace,
		InputValues:     inputs,
		Inputs:          lj.Inputs,
	}
}

// ResolveConfiguration validates cfg and resolves all of its variables.
func ResolveConfiguration(cfg *DebugConfiguration, ctx *ResolutionContext) (*ResolvedConfiguration, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if ctx == nil {
		ctx = &ResolutionContext{}
	}
	if err := ValidateConfiguration(cfg); err != nil {
		return nil, err
	}
	if missing := ValidateInputsProvided(cfg, ctx); len(missing) > 0 {
		return nil, &MissingInputsError{Inputs: missing}
	}

	resolved := &ResolvedConfiguration{
		Name:         cfg.Name,
		StopOnAttach: cfg.StopOnAttach,
	}
	if cfg.ExceptionBreaks != nil {
		resolved.Exceptions = *cfg.ExceptionBreaks
	}

	var err error
	if resolved.Serial, err = ResolveVariables(cfg.Serial, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve serial: %w", err)
	}
	if resolved.PackageName, err = ResolveVariables(cfg.PackageName, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve packageName: %w", err)
	}
	if resolved.PID, err = resolveNumber(cfg.ProcessID, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve processId: %w", err)
	}
	if resolved.ForwardPort, err = resolveNumber(cfg.ForwardPort, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve forwardPort: %w", err)
	}
	if resolved.PID == 0 && resolved.PackageName == "" {
		return nil, fmt.Errorf("configuration %q resolved to neither a processId nor a packageName", cfg.Name)
	}

	for i, bp := range cfg.Breakpoints {
		bp.Type, err = ResolveVariables(bp.Type, ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve breakpoints[%d]: %w", i, err)
		}
		req, err := bp.Request()
		if err != nil {
			return nil, fmt.Errorf("breakpoints[%d]: %w", i, err)
		}
		resolved.Breakpoints = append(resolved.Breakpoints, req)
	}

	if len(cfg.Extra) > 0 {
		resolved.Extra = make(map[string]any, len(cfg.Extra))
		for k, v := range cfg.Extra {
			if resolved.Extra[k], err = resolveValue(v, ctx); err != nil {
				return nil, fmt.Errorf("failed to resolve %s: %w", k, err)
			}
		}
	}
	return resolved, nil
}

func resolveNumber(n Number, ctx *ResolutionContext) (int, error) {
	s, err := ResolveVariables(string(n), ctx)
	if err != nil {
		return 0, err
	}
	return Number(s).Int()
}

// resolveValue resolves variables in a value of any type.
func resolveValue(v any, ctx *ResolutionContext) (any, error) {
	switch val := v.(type) {
	case string:
		return ResolveVariables(val, ctx)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := resolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			result[k] = resolved
		}
		return result, nil
	default:
		return v, nil
	}
}

// MissingInputsError is returned when required ${input:} values are not provided.
type MissingInputsError struct {
	Inputs []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("missing input values: %v", e.Inputs)
}

// IsMissingInputsError checks if an error is a MissingInputsError.
func IsMissingInputsError(err error) (*MissingInputsError, bool) {
	var e *MissingInputsError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
