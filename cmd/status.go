package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusPrune bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backups currently running on this host",
	Long: `Read the run-state files under $HOME/.db-backup and show each run's
table, range, state and counters. Records left behind by a process that is
no longer alive are marked stale; --prune removes them.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusPrune, "prune", false, "remove records of runs whose process is gone")
}

// describeRun renders one run record for display
func describeRun(info *RunInfo, alive bool, now time.Time) []string {
	marker := "🟢"
	if !alive {
		marker = "⚪ (stale)"
	}

	lines := []string{
		fmt.Sprintf("%s %s  pid %d  state %s", marker, info.Table, info.PID, info.State),
	}
	if info.RangeStart != "" {
		lines = append(lines, fmt.Sprintf("   Range:   [%s, %s)", info.RangeStart, info.RangeEnd))
	}
	if info.Key != "" {
		lines = append(lines, fmt.Sprintf("   Key:     %s", info.Key))
	}
	lines = append(lines, fmt.Sprintf("   Run:     %s, started %s ago", info.RunToken, now.Sub(info.StartTime).Round(time.Second)))

	rows := fmt.Sprintf("%d", info.RowsExported)
	if info.RowTotal > 0 {
		rows = fmt.Sprintf("%d/%d", info.RowsExported, info.RowTotal)
	}
	lines = append(lines, fmt.Sprintf("   Rows:    %s (%s)", rows, formatBytes(info.BytesExported)))

	if info.UploadTotal > 0 {
		pct := float64(info.BytesUploaded) / float64(info.UploadTotal) * 100
		lines = append(lines, fmt.Sprintf("   Upload:  %s / %s (%.0f%%)", formatBytes(info.BytesUploaded), formatBytes(info.UploadTotal), pct))
	}
	if !info.LastUpdate.IsZero() {
		lines = append(lines, fmt.Sprintf("   Updated: %s ago", now.Sub(info.LastUpdate).Round(time.Second)))
	}
	return lines
}

func runStatus(_ *cobra.Command, _ []string) error {
	config := loadConfig()
	initLogger(config.Debug, config.LogFormat, config.LogLevel)

	infos, err := ListRunInfos()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		logger.Info("No backups running")
		return nil
	}

	now := time.Now()
	for _, info := range infos {
		alive := IsProcessRunning(info.PID)
		if !alive && statusPrune {
			if err := RemoveRunFile(info.Table); err != nil {
				logger.Warn(fmt.Sprintf("⚠️  Failed to remove stale record for %s: %v", info.Table, err))
			} else {
				logger.Info(fmt.Sprintf("🧹 Removed stale record for %s (pid %d)", info.Table, info.PID))
			}
			_ = RemovePIDFile(info.Table)
			continue
		}
		for _, line := range describeRun(info, alive, now) {
			logger.Info(line)
		}
	}
	return nil
}
