package launchconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/ctagard/adbg/internal/errors"
)

const (
	// LaunchJSONFileName is the standard name for VS Code launch configuration file.
	LaunchJSONFileName = "launch.json"
	// VSCodeDirName is the VS Code configuration directory name.
	VSCodeDirName = ".vscode"
)

// LoadFromPath loads a launch.json file from an explicit path.
func LoadFromPath(path string) (*LaunchJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch.json: %w", err)
	}

	var lj LaunchJSON
	if err := json.Unmarshal(data, &lj); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &lj, nil
}

// Discover searches for a .vscode/launch.json file starting from the given path
// and walking up the directory tree until found or reaching the root.
func Discover(startPath string) (string, error) {
	if startPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		startPath = cwd
	}

	current, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	info, err := os.Stat(current)
	if err != nil {
		return "", fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		current = filepath.Dir(current)
	}

	for {
		launchPath := filepath.Join(current, VSCodeDirName, LaunchJSONFileName)
		if _, err := os.Stat(launchPath); err == nil {
			return launchPath, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("no %s/%s found in %s or parent directories", VSCodeDirName, LaunchJSONFileName, startPath)
}

// Load reads configPath when set, and otherwise discovers launch.json from
// workspace (or the working directory). It returns the path it read.
func Load(workspace, configPath string) (*LaunchJSON, string, error) {
	if configPath == "" {
		var err error
		if configPath, err = Discover(workspace); err != nil {
			return nil, "", err
		}
	}
	lj, err := LoadFromPath(configPath)
	if err != nil {
		return nil, "", err
	}
	return lj, configPath, nil
}

// FindConfiguration finds a configuration by name in the LaunchJSON.
func FindConfiguration(lj *LaunchJSON, name string) (*DebugConfiguration, error) {
	for i := range lj.Configurations {
		if lj.Configurations[i].Name == name {
			return &lj.Configurations[i], nil
		}
	}
	return nil, apperrors.ConfigNotFound(name, ListConfigurationNames(lj))
}

// ListConfigurationNames returns the names of the android configurations.
func ListConfigurationNames(lj *LaunchJSON) []string {
	var names []string
	for _, cfg := range lj.Configurations {
		if cfg.IsAndroid() {
			names = append(names, cfg.Name)
		}
	}
	return names
}

// ConfigurationInfo provides summary information about a configuration.
type ConfigurationInfo struct {
	Name        string `json:"name"`
	Serial      string `json:"serial,omitempty"`
	PackageName string `json:"packageName,omitempty"`
	ProcessID   Number `json:"processId,omitempty"`
	Breakpoints int    `json:"breakpoints"`
}

// ListConfigurations summarizes the android configurations.
func ListConfigurations(lj *LaunchJSON) []ConfigurationInfo {
	var infos []ConfigurationInfo
	for _, cfg := range lj.Configurations {
		if !cfg.IsAndroid() {
			continue
		}
		infos = append(infos, ConfigurationInfo{
			Name:        cfg.Name,
			Serial:      cfg.Serial,
			PackageName: cfg.PackageName,
			ProcessID:   cfg.ProcessID,
			Breakpoints: len(cfg.Breakpoints),
		})
	}
	return infos
}

// FindInput finds an input configuration by ID.
func FindInput(inputs []InputConfig, id string) (*InputConfig, bool) {
	for i := range inputs {
		if inputs[i].ID == id {
			return &inputs[i], true
		}
	}
	return nil, false
}

// GetWorkspaceFolder derives the workspace folder from the launch.json path.
// The workspace folder is the parent of the .vscode directory.
func GetWorkspaceFolder(launchJSONPath string) string {
	return filepath.ToSlash(filepath.Dir(filepath.Dir(launchJSONPath)))
}

// ValidateConfiguration checks that a configuration can be used to attach.
func ValidateConfiguration(cfg *DebugConfiguration) error {
	switch {
	case cfg.Name == "":
		return fmt.Errorf("configuration name is required")
	case !cfg.IsAndroid():
		return fmt.Errorf("configuration type must be %q, got %q", TypeAndroid, cfg.Type)
	case !cfg.IsAttachRequest():
		return fmt.Errorf("configuration request must be 'attach', got %q", cfg.Request)
	case cfg.ProcessID == "" && cfg.PackageName == "":
		return fmt.Errorf("configuration %q needs processId or packageName", cfg.Name)
	}
	for i, bp := range cfg.Breakpoints {
		if _, err := bp.Request(); err != nil {
			return fmt.Errorf("breakpoints[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateLaunchJSON validates every android configuration. Entries for
// other debuggers are ignored.
func ValidateLaunchJSON(lj *LaunchJSON) []error {
	var errs []error
	seen := make(map[string]bool)
	for i := range lj.Configurations {
		cfg := &lj.Configurations[i]
		if !cfg.IsAndroid() {
			continue
		}
		if err := ValidateConfiguration(cfg); err != nil {
			errs = append(errs, fmt.Errorf("configuration[%d]: %w", i, err))
		}
		if seen[cfg.Name] {
			errs = append(errs, fmt.Errorf("configuration[%d]: duplicate name %q", i, cfg.Name))
		}
		seen[cfg.Name] = true
	}
	return errs
}
