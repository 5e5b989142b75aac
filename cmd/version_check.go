package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var ErrVersionCheckFailed = errors.New("version check failed")

const (
	releasesURL         = "https://api.github.com/repos/airframesio/db-backup/releases/latest"
	versionCheckTimeout = 5 * time.Second
	versionCacheTTL     = 24 * time.Hour
)

// UpdateInfo is the outcome of comparing the running build to the latest release
type UpdateInfo struct {
	UpdateAvailable bool      `json:"update_available"`
	CurrentVersion  string    `json:"-"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseURL      string    `json:"release_url"`
	CheckedAt       time.Time `json:"checked_at"`
}

// releaseChecker looks up the latest published release, caching answers on disk
type releaseChecker struct {
	url       string
	client    *http.Client
	cachePath string
	now       func() time.Time
}

func newReleaseChecker() *releaseChecker {
	return &releaseChecker{
		url:       releasesURL,
		client:    &http.Client{Timeout: versionCheckTimeout},
		cachePath: filepath.Join(GetStateDir(), "version_check.json"),
		now:       time.Now,
	}
}

// Check compares current against the latest release. Development builds
// are never checked.
func (c *releaseChecker) Check(ctx context.Context, current string) (*UpdateInfo, error) {
	info := &UpdateInfo{CurrentVersion: current}
	if current == "" || current == "dev" {
		return info, nil
	}

	if cached := c.readCache(); cached != nil && c.now().Sub(cached.CheckedAt) < versionCacheTTL {
		cached.CurrentVersion = current
		cached.UpdateAvailable = compareVersions(cached.LatestVersion, current) > 0
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return info, fmt.Errorf("%w: %w", ErrVersionCheckFailed, err)
	}
	// GitHub rejects requests without a User-Agent
	req.Header.Set("User-Agent", "db-backup/"+current)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return info, fmt.Errorf("%w: %w", ErrVersionCheckFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("%w: status %d", ErrVersionCheckFailed, resp.StatusCode)
	}

	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return info, fmt.Errorf("%w: decode release: %w", ErrVersionCheckFailed, err)
	}

	info.LatestVersion = strings.TrimPrefix(release.TagName, "v")
	info.ReleaseURL = release.HTMLURL
	info.UpdateAvailable = compareVersions(info.LatestVersion, current) > 0
	info.CheckedAt = c.now()
	c.writeCache(info)
	return info, nil
}

func (c *releaseChecker) readCache() *UpdateInfo {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return nil
	}
	var info UpdateInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

func (c *releaseChecker) writeCache(info *UpdateInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(c.cachePath), 0o755)
	_ = os.WriteFile(c.cachePath, data, 0o600)
}

// compareVersions compares dotted versions numerically, ignoring a leading
// "v" and any pre-release suffix. Returns 1, 0 or -1.
func compareVersions(v1, v2 string) int {
	a, b := parseVersion(v1), parseVersion(v2)
	for i := range a {
		switch {
		case a[i] > b[i]:
			return 1
		case a[i] < b[i]:
			return -1
		}
	}
	return 0
}

func parseVersion(version string) [3]int {
	var parts [3]int
	version = strings.TrimPrefix(version, "v")
	if i := strings.IndexAny(version, "-+"); i >= 0 {
		version = version[:i]
	}
	for i, component := range strings.SplitN(version, ".", 3) {
		n, err := strconv.Atoi(component)
		if err != nil {
			break
		}
		parts[i] = n
	}
	return parts
}

func formatUpdateMessage(info *UpdateInfo) string {
	return fmt.Sprintf("Update available: v%s → v%s (visit %s)",
		strings.TrimPrefix(info.CurrentVersion, "v"), info.LatestVersion, info.ReleaseURL)
}

var checkUpdates bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version, optionally checking for a newer release",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "db-backup %s\n", Version)
		if !checkUpdates {
			return nil
		}

		info, err := newReleaseChecker().Check(commandContext(cmd), Version)
		if err != nil {
			return err
		}
		switch {
		case info.UpdateAvailable:
			fmt.Fprintln(cmd.OutOrStdout(), "💡 "+formatUpdateMessage(info))
		case info.LatestVersion != "":
			fmt.Fprintln(cmd.OutOrStdout(), "✅ You are running the latest release")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&checkUpdates, "check", false, "query GitHub for the latest release")
}
