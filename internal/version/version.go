// Package version provides version information and update checking.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Version is the current version of adbg, overridden at build time with
// -ldflags "-X github.com/ctagard/adbg/internal/version.Version=..."
var Version = "0.1.0"

const (
	// GitHubRepo is the repository path
	GitHubRepo = "ctagard/adbg"

	// GitHubAPIURL is the GitHub API endpoint for latest release
	GitHubAPIURL = "https://api.github.com/repos/%s/releases/latest"
)

// UpdateInfo contains information about available updates
type UpdateInfo struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	ReleaseNotes    string    `json:"release_notes,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
	Error           string    `json:"error,omitempty"`
}

// UpdateMessage returns a human-readable message about the update
func (u *UpdateInfo) UpdateMessage() string {
	if u.Error != "" || !u.UpdateAvailable {
		return ""
	}
	return fmt.Sprintf(
		"A new version of adbg is available: v%s (current: v%s). "+
			"Update with: go install github.com/%s/cmd/adbg@latest",
		u.LatestVersion, u.CurrentVersion, GitHubRepo,
	)
}

// Checker handles version checking
type Checker struct {
	mu         sync.RWMutex
	updateInfo *UpdateInfo

	client *http.Client
	url    string
}

// NewChecker creates a new version checker
func NewChecker() *Checker {
	return &Checker{
		client: &http.Client{Timeout: 5 * time.Second},
		url:    fmt.Sprintf(GitHubAPIURL, GitHubRepo),
	}
}

// githubRelease represents the GitHub API response for a release
type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
	Body    string `json:"body"`
}

// CheckForUpdates checks GitHub for a newer version. Failures are reported
// in UpdateInfo.Error.
func (c *Checker) CheckForUpdates(ctx context.Context) *UpdateInfo {
	info := &UpdateInfo{
		CurrentVersion: Version,
		CheckedAt:      time.Now(),
	}
	if err := c.fetch(ctx, info); err != nil {
		info.Error = err.Error()
	}

	c.mu.Lock()
	c.updateInfo = info
	c.mu.Unlock()
	return info
}

func (c *Checker) fetch(ctx context.Context, info *UpdateInfo) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "adbg/"+Version)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	latest, err := semver.NewVersion(release.TagName)
	if err != nil {
		return fmt.Errorf("release tag %q: %w", release.TagName, err)
	}
	info.LatestVersion = latest.String()
	info.ReleaseURL = release.HTMLURL
	info.ReleaseNotes = truncateString(release.Body, 500)

	current, err := semver.NewVersion(Version)
	if err != nil {
		// development builds carry no comparable version
		return nil
	}
	info.UpdateAvailable = current.LessThan(latest)
	return nil
}

// CheckForUpdatesAsync checks for updates in the background
func (c *Checker) CheckForUpdatesAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.CheckForUpdates(ctx)
	}()
}

// GetUpdateInfo returns the cached update info, or nil before the first check
func (c *Checker) GetUpdateInfo() *UpdateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateInfo
}

// truncateString truncates a string to maxLen bytes
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return strings.TrimSpace(s[:maxLen-3]) + "..."
}
