package launchconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Variable pattern matches ${...} expressions
var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveVariables replaces all ${...} variables in the given text. Variables
// that fail to resolve are left in place and the last failure is returned.
func ResolveVariables(text string, ctx *ResolutionContext) (string, error) {
	if ctx == nil {
		ctx = &ResolutionContext{}
	}

	var lastErr error
	result := variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		resolved, err := resolveVariable(match[2:len(match)-1], ctx)
		if err != nil {
			lastErr = err
			return match
		}
		return resolved
	})
	return result, lastErr
}

func resolveVariable(expr string, ctx *ResolutionContext) (string, error) {
	switch {
	case expr == "workspaceFolder":
		return ctx.WorkspaceFolder, nil

	case expr == "workspaceFolderBasename":
		return filepath.Base(ctx.WorkspaceFolder), nil

	case expr == "userHome":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home: %w", err)
		}
		return home, nil

	case expr == "cwd":
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get cwd: %w", err)
		}
		return cwd, nil

	case expr == "pathSeparator":
		return string(os.PathSeparator), nil

	case strings.HasPrefix(expr, "env:"):
		name := strings.TrimPrefix(expr, "env:")
		if val, ok := ctx.EnvOverrides[name]; ok {
			return val, nil
		}
		return os.Getenv(name), nil

	case strings.HasPrefix(expr, "config:"):
		return resolveConfigVariable(strings.TrimPrefix(expr, "config:"), ctx.WorkspaceFolder)

	case strings.HasPrefix(expr, "input:"):
		id := strings.TrimPrefix(expr, "input:")
		if val, ok := ctx.InputValues[id]; ok {
			return val, nil
		}
		if in, ok := FindInput(ctx.Inputs, id); ok && in.Default != "" {
			return in.Default, nil
		}
		return "", fmt.Errorf("missing input value for ${input:%s}", id)

	default:
		return "", fmt.Errorf("unknown variable: ${%s}", expr)
	}
}

// resolveConfigVariable reads a setting such as "adbg.serial" from the
// workspace's .vscode/settings.json. Missing settings resolve to "".
func resolveConfigVariable(settingID, workspaceFolder string) (string, error) {
	if workspaceFolder == "" {
		return "", fmt.Errorf("workspaceFolder required for ${config:} variables")
	}

	data, err := os.ReadFile(filepath.Join(workspaceFolder, VSCodeDirName, "settings.json"))
	if err != nil {
		return "", nil
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return "", fmt.Errorf("failed to parse settings.json: %w", err)
	}

	// VS Code accepts both flat ("adbg.serial") and nested keys
	var current any = settings
	if v, ok := settings[settingID]; ok {
		current = v
	} else {
		for _, part := range strings.Split(settingID, ".") {
			m, ok := current.(map[string]any)
			if !ok {
				return "", nil
			}
			current = m[part]
		}
	}

	switch v := current.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		data, _ := json.Marshal(v)
		return string(data), nil
	}
}

// FindRequiredInputs scans a text for ${input:...} variables and returns their IDs.
func FindRequiredInputs(text string) []string {
	var inputs []string
	seen := make(map[string]bool)
	for _, match := range variablePattern.FindAllStringSubmatch(text, -1) {
		id, ok := strings.CutPrefix(match[1], "input:")
		if ok && !seen[id] {
			seen[id] = true
			inputs = append(inputs, id)
		}
	}
	return inputs
}

// configStrings lists every string in cfg that may carry variables
func configStrings(cfg *DebugConfiguration) []string {
	out := []string{cfg.Serial, string(cfg.ProcessID), cfg.PackageName, string(cfg.ForwardPort)}
	for _, bp := range cfg.Breakpoints {
		out = append(out, bp.Type)
	}
	if len(cfg.Extra) > 0 {
		if data, err := json.Marshal(cfg.Extra); err == nil {
			out = append(out, string(data))
		}
	}
	return out
}

// FindAllRequiredInputsInConfig scans a configuration for ${input:} variables.
func FindAllRequiredInputsInConfig(cfg *DebugConfiguration) []string {
	var inputs []string
	seen := make(map[string]bool)
	for _, s := range configStrings(cfg) {
		for _, id := range FindRequiredInputs(s) {
			if !seen[id] {
				seen[id] = true
				inputs = append(inputs, id)
			}
		}
	}
	return inputs
}

// ValidateInputsProvided returns the inputs of cfg that have neither a value
// nor a default.
func ValidateInputsProvided(cfg *DebugConfiguration, ctx *ResolutionContext) []string {
	var missing []string
	for _, id := range FindAllRequiredInputsInConfig(cfg) {
		if _, ok := ctx.InputValues[id]; ok {
			continue
		}
		if in, ok := FindInput(ctx.Inputs, id); ok && in.Default != "" {
			continue
		}
		missing = append(missing, id)
	}
	return missing
}
