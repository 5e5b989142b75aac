package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrRunInProgress is returned when another live process holds the table's PID file
var ErrRunInProgress = errors.New("a backup of this table is already running")

// RunInfo is the on-disk record of a run in progress
type RunInfo struct {
	PID           int       `json:"pid"`
	StartTime     time.Time `json:"start_time"`
	Table         string    `json:"table"`
	RangeStart    string    `json:"range_start,omitempty"`
	RangeEnd      string    `json:"range_end,omitempty"`
	RunToken      string    `json:"run_token"`
	Key           string    `json:"key,omitempty"`
	State         string    `json:"state"`
	RowTotal      int64     `json:"row_total,omitempty"`
	RowsExported  int64     `json:"rows_exported"`
	BytesExported int64     `json:"bytes_exported"`
	BytesUploaded int64     `json:"bytes_uploaded"`
	UploadTotal   int64     `json:"upload_total,omitempty"`
	LastUpdate    time.Time `json:"last_update"`
}

// GetStateDir returns the directory holding PID and run files
func GetStateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".db-backup")
}

// GetPIDFilePath returns the path to the PID file for table
func GetPIDFilePath(table string) string {
	return filepath.Join(GetStateDir(), sanitizeComponent(table)+".pid")
}

// GetRunFilePath returns the path to the run info file for table
func GetRunFilePath(table string) string {
	return filepath.Join(GetStateDir(), sanitizeComponent(table)+".json")
}

// AcquirePIDFile writes the current PID for table, refusing when a live
// process already owns it. Stale files from dead processes are replaced.
func AcquirePIDFile(table string) error {
	if pid, err := ReadPIDFile(table); err == nil && pid != os.Getpid() && IsProcessRunning(pid) {
		return fmt.Errorf("%w: %s (pid %d)", ErrRunInProgress, table, pid)
	}
	return WritePIDFile(table)
}

// WritePIDFile writes the current process PID to a file
func WritePIDFile(table string) error {
	pidPath := GetPIDFilePath(table)
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// RemovePIDFile removes the PID file
func RemovePIDFile(table string) error {
	return os.Remove(GetPIDFilePath(table))
}

// ReadPIDFile reads the PID from file
func ReadPIDFile(table string) (int, error) {
	data, err := os.ReadFile(GetPIDFilePath(table))
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything
	return process.Signal(syscall.Signal(0)) == nil
}

// WriteRunInfo writes run information to its file
func WriteRunInfo(info *RunInfo) error {
	runPath := GetRunFilePath(info.Table)
	if err := os.MkdirAll(filepath.Dir(runPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}

	// Write then rename so readers never see a torn file
	tmp := runPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, runPath)
}

// ReadRunInfo reads run information for table
func ReadRunInfo(table string) (*RunInfo, error) {
	return readRunInfoFile(GetRunFilePath(table))
}

func readRunInfoFile(path string) (*RunInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var info RunInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run info: %w", err)
	}
	return &info, nil
}

// ListRunInfos returns every recorded run, oldest first
func ListRunInfos() ([]*RunInfo, error) {
	paths, err := filepath.Glob(filepath.Join(GetStateDir(), "*.json"))
	if err != nil {
		return nil, err
	}

	infos := make([]*RunInfo, 0, len(paths))
	for _, path := range paths {
		info, err := readRunInfoFile(path)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos, nil
}

// RemoveRunFile removes the run info file
func RemoveRunFile(table string) error {
	return os.Remove(GetRunFilePath(table))
}

// runStateRecorder is an Observer that mirrors progress into the run file.
// Row progress is written at most once per interval; state changes always are.
type runStateRecorder struct {
	mu        sync.Mutex
	info      RunInfo
	interval  time.Duration
	lastWrite time.Time
	onError   func(error)
}

func newRunStateRecorder(table, runToken string, plan *Plan, onError func(error)) *runStateRecorder {
	info := RunInfo{
		PID:       os.Getpid(),
		StartTime: time.Now(),
		Table:     table,
		RunToken:  runToken,
		State:     StateInit.String(),
	}
	if plan != nil {
		info.RangeStart = plan.Range.Start().Format(time.RFC3339)
		info.RangeEnd = plan.Range.End().Format(time.RFC3339)
		info.Key = plan.Key
	}
	return &runStateRecorder{info: info, interval: time.Second, onError: onError}
}

func (r *runStateRecorder) flush(force bool) {
	if !force && time.Since(r.lastWrite) < r.interval {
		return
	}
	r.lastWrite = time.Now()
	info := r.info
	if err := WriteRunInfo(&info); err != nil && r.onError != nil {
		r.onError(err)
	}
}

func (r *runStateRecorder) StateChanged(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.State = s.String()
	r.flush(true)
}

func (r *runStateRecorder) RowTotal(total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.RowTotal = total
	r.flush(true)
}

func (r *runStateRecorder) RowsExported(rows, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.RowsExported = rows
	r.info.BytesExported = bytes
	r.flush(false)
}

func (r *runStateRecorder) UploadProgress(sent, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.BytesUploaded = sent
	r.info.UploadTotal = total
	r.flush(sent == total)
}

// Snapshot returns a copy of the current record
func (r *runStateRecorder) Snapshot() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}
