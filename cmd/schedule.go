package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var ErrScheduleInvalid = errors.New("invalid cron schedule")

var (
	cronSpec    string
	scheduleNow bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run backups on a cron schedule",
	Long: `Run a backup every time the cron schedule fires, until interrupted.

Schedules use the standard 5-field syntax or descriptors:
  "0 3 * * *"   daily at 03:00
  "0 */6 * * *" every 6 hours
  "@hourly"     every hour

Every run resolves its date range at the moment it starts and gets a new
run token. A tick that fires while the previous run is still going is skipped.`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	addBackupFlags(scheduleCmd.Flags())
	scheduleCmd.Flags().StringVar(&cronSpec, "cron", "0 3 * * *", "cron schedule for backups")
	scheduleCmd.Flags().BoolVar(&scheduleNow, "run-now", false, "also run once immediately at startup")
}

// BackupJob performs one complete backup run
type BackupJob func(ctx context.Context) (*Result, error)

// cronLogger adapts slog to the cron.Logger interface
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		l.logger.Warn("⚠️  Previous backup still running, skipping this tick")
		return
	}
	l.logger.Debug(fmt.Sprintf("cron: %s %v", msg, keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(fmt.Sprintf("❌ cron: %s: %v %v", msg, err, keysAndValues))
}

// Scheduler fires a BackupJob on a cron schedule, never two at a time
type Scheduler struct {
	spec   string
	job    BackupJob
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entry   cron.EntryID
	runs    atomic.Int64
	failed  atomic.Int64
	running atomic.Bool
}

// NewScheduler validates spec and prepares a scheduler for job
func NewScheduler(spec string, job BackupJob, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrScheduleInvalid, spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cl := cronLogger{logger: logger}
	return &Scheduler{
		spec:   spec,
		job:    job,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}, nil
}

// schedule registers the job with ctx as the parent of every run
func (s *Scheduler) schedule(ctx context.Context) (cron.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		return s.entry, nil
	}
	id, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) })
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", ErrScheduleInvalid, s.spec, err)
	}
	s.entry = id
	return id, nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.running.Store(true)
	defer s.running.Store(false)

	n := s.runs.Add(1)
	s.logger.Info("")
	s.logger.Info(fmt.Sprintf("⏰ Scheduled backup #%d starting", n))

	result, err := s.job(ctx)
	switch {
	case err == nil:
		s.logger.Info(fmt.Sprintf("✅ Scheduled backup #%d done: %d rows in %s", n, result.Rows, result.Duration().Round(time.Millisecond)))
	case errors.Is(err, context.Canceled):
		s.logger.Info(fmt.Sprintf("⚠️  Scheduled backup #%d cancelled", n))
	default:
		s.failed.Add(1)
		s.logger.Error(fmt.Sprintf("❌ Scheduled backup #%d failed (%s): %v", n, ErrorCategory(err), err))
	}

	if next := s.NextRun(); !next.IsZero() {
		s.logger.Info(fmt.Sprintf("   Next run at %s", next.Format(time.RFC3339)))
	}
}

// trigger runs the job through the cron chain immediately
func (s *Scheduler) trigger(ctx context.Context) error {
	id, err := s.schedule(ctx)
	if err != nil {
		return err
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

// Run starts the schedule and blocks until ctx is done, then waits for an
// in-flight backup to finish.
func (s *Scheduler) Run(ctx context.Context, runNow bool) error {
	if _, err := s.schedule(ctx); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info(fmt.Sprintf("📅 Schedule %q active, next run at %s", s.spec, s.NextRun().Format(time.RFC3339)))

	if runNow {
		go func() { _ = s.trigger(ctx) }()
	}

	<-ctx.Done()
	s.logger.Info("⚠️  Stopping scheduler, waiting for the running backup...")
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// NextRun returns the next time the schedule fires, or zero when unscheduled
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	id := s.entry
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	next := s.cron.Entry(id).Next
	if next.IsZero() {
		if sched, err := cron.ParseStandard(s.spec); err == nil {
			next = sched.Next(time.Now())
		}
	}
	return next
}

// IsRunning reports whether a backup is in flight
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Runs reports how many backups have started and how many failed
func (s *Scheduler) Runs() (started, failed int64) {
	return s.runs.Load(), s.failed.Load()
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	config := loadConfig()
	initLogger(config.Debug, config.LogFormat, config.LogLevel)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 DB Backup v%s - schedule mode", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	job := func(ctx context.Context) (*Result, error) {
		result, err := backupOnce(ctx, config, false)
		if result != nil {
			printResult(result)
		}
		return result, err
	}
	scheduler, err := NewScheduler(cronSpec, job, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := AcquirePIDFile(config.Table); err != nil {
		return err
	}
	defer func() {
		if err := RemovePIDFile(config.Table); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Debug(fmt.Sprintf("Failed to remove PID file: %v", err))
		}
	}()

	err = scheduler.Run(commandContext(cmd), scheduleNow)
	started, failed := scheduler.Runs()
	logger.Info(fmt.Sprintf("📊 %d scheduled backup(s), %d failed", started, failed))
	return err
}
