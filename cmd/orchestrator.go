package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/airframesio/db-backup/cmd/compressors"
	"github.com/airframesio/db-backup/cmd/daterange"
	"github.com/airframesio/db-backup/cmd/encryption"
	"github.com/airframesio/db-backup/cmd/formatters"
	"github.com/airframesio/db-backup/cmd/rowsource"
	"github.com/airframesio/db-backup/cmd/storage"
	"github.com/google/uuid"
)

// State is a step of the backup state machine
type State int

const (
	StateInit State = iota
	StateConnecting
	StateExporting
	StateEncrypting
	StateUploading
	StateCleanup
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateExporting:
		return "exporting"
	case StateEncrypting:
		return "encrypting"
	case StateUploading:
		return "uploading"
	case StateCleanup:
		return "cleanup"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Outcome separates the operationally different ways a run can end
type Outcome int

const (
	// OutcomeNotExtracted means no complete export ever existed
	OutcomeNotExtracted Outcome = iota
	// OutcomeNotUploaded means data was exported but never reached storage
	OutcomeNotUploaded
	// OutcomeUploaded is full success
	OutcomeUploaded
	// OutcomeUploadedCleanupFailed is success with local files left behind
	OutcomeUploadedCleanupFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotExtracted:
		return "not_extracted"
	case OutcomeNotUploaded:
		return "not_uploaded"
	case OutcomeUploaded:
		return "uploaded"
	case OutcomeUploadedCleanupFailed:
		return "uploaded_cleanup_failed"
	default:
		return "unknown"
	}
}

// Uploader is the storage side of a run; *storage.Client implements it
type Uploader interface {
	EnsureBucket(ctx context.Context) error
	Upload(ctx context.Context, req storage.UploadRequest) (*storage.UploadResult, error)
}

// Observer receives progress from a run. Calls happen on the run's goroutine.
type Observer interface {
	StateChanged(state State)
	RowTotal(total int64)
	RowsExported(rows, bytes int64)
	UploadProgress(sent, total int64)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)          {}
func (nopObserver) RowTotal(int64)              {}
func (nopObserver) RowsExported(int64, int64)   {}
func (nopObserver) UploadProgress(int64, int64) {}

// multiObserver fans events out to several observers
type multiObserver []Observer

func (m multiObserver) StateChanged(s State) {
	for _, o := range m {
		o.StateChanged(s)
	}
}

func (m multiObserver) RowTotal(n int64) {
	for _, o := range m {
		o.RowTotal(n)
	}
}

func (m multiObserver) RowsExported(rows, bytes int64) {
	for _, o := range m {
		o.RowsExported(rows, bytes)
	}
}

func (m multiObserver) UploadProgress(sent, total int64) {
	for _, o := range m {
		o.UploadProgress(sent, total)
	}
}

// Plan is everything derived from configuration before any I/O
type Plan struct {
	Range        daterange.DateRange
	RunToken     string
	RunTime      time.Time
	Key          string
	// WorkDir is private to the run; both local files live in it
	WorkDir      string
	ExportPath   string
	ArtifactPath string
	Cipher       encryption.Cipher
	Compressor   compressors.Compressor
}

// Result is the outcome of one run
type Result struct {
	Success  bool
	Outcome  Outcome
	State    State
	// FailedIn is the state that was active when the run failed
	FailedIn State
	Err      error
	Warnings []error

	Plan          *Plan
	Upload        *storage.UploadResult
	Rows          int64
	ExportBytes   int64
	ArtifactBytes int64
	Started       time.Time
	Finished      time.Time
}

// Duration is the wall time of the run
func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Orchestrator sequences one backup run and owns every local artifact it
// creates. An Orchestrator runs at most once.
type Orchestrator struct {
	config   *Config
	source   rowsource.RowSource
	uploader Uploader
	logger   *slog.Logger
	resolver *daterange.Resolver
	metrics  *Metrics
	observer Observer
	runToken string
	now      func() time.Time

	mu         sync.Mutex
	plan       *Plan
	ran        bool
	state      State
	stateSince time.Time
}

// OrchestratorOption customises an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithObserver attaches a progress observer
func WithObserver(obs Observer) OrchestratorOption {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithMetrics records the run into m
func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithResolver overrides the date resolver, mostly to pin the clock
func WithResolver(r *daterange.Resolver) OrchestratorOption {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithRunToken fixes the run token instead of generating one
func WithRunToken(token string) OrchestratorOption {
	return func(o *Orchestrator) { o.runToken = token }
}

// WithPlan makes the run use a plan computed earlier, so that whatever
// displayed or recorded it agrees with the run.
func WithPlan(plan *Plan) OrchestratorOption {
	return func(o *Orchestrator) {
		o.plan = plan
		if plan != nil {
			o.runToken = plan.RunToken
		}
	}
}

// WithClock overrides the wall clock used for run timestamps
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires a run. The config must already be validated.
func NewOrchestrator(config *Config, source rowsource.RowSource, uploader Uploader, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		config:   config,
		source:   source,
		uploader: uploader,
		logger:   logger,
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.runToken == "" {
		o.runToken = uuid.NewString()
	}
	if o.resolver == nil {
		loc, err := config.Location()
		if err != nil {
			loc = time.UTC
		}
		o.resolver = daterange.NewResolver(loc).WithClock(o.now)
	}
	return o
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// RunToken returns the token that makes this run's paths and key unique
func (o *Orchestrator) RunToken() string {
	return o.runToken
}

// Plan resolves the date range and derives the object key and local paths
// without touching the database, the filesystem or object storage. The
// first successful plan is reused for the rest of the orchestrator's life.
func (o *Orchestrator) Plan() (*Plan, error) {
	o.mu.Lock()
	cached := o.plan
	o.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	plan, err := o.buildPlan()
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.plan == nil {
		o.plan = plan
	}
	return o.plan, nil
}

func (o *Orchestrator) buildPlan() (*Plan, error) {
	r, err := o.resolver.ResolveRange(o.config.StartDate, o.config.EndDate)
	if err != nil {
		return nil, err
	}

	cipher, err := encryption.ParseCipher(o.config.Encryption.Cipher)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", encryption.ErrEncryption, err)
	}
	compressor, err := compressors.GetCompressor(o.config.Compression)
	if err != nil {
		return nil, err
	}

	runTime := o.now()
	params := KeyParams{
		Table:          o.config.Table,
		Range:          r,
		RunToken:       o.runToken,
		RunTime:        runTime,
		CompressionExt: compressor.Extension(),
	}
	tmpl := NewPathTemplate(o.config.S3.Prefix, o.config.OutputPattern)
	artifactName := tmpl.GenerateFilename(params)
	exportName := artifactName[:len(artifactName)-len(encryption.Extension)]

	// The output pattern need not contain {run}, so local files are kept
	// apart by a directory named after the token instead.
	workDir := filepath.Join(o.config.TempDir, "run-"+sanitizeComponent(o.runToken))

	return &Plan{
		Range:        r,
		RunToken:     o.runToken,
		RunTime:      runTime,
		Key:          tmpl.Prefix(o.config.Table, r) + artifactName,
		WorkDir:      workDir,
		ExportPath:   filepath.Join(workDir, exportName),
		ArtifactPath: filepath.Join(workDir, artifactName),
		Cipher:       cipher,
		Compressor:   compressor,
	}, nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev, since := o.state, o.stateSince
	o.state = s
	o.stateSince = o.now()
	o.mu.Unlock()

	if o.metrics != nil && !since.IsZero() && prev != s {
		o.metrics.ObserveStage(prev, o.stateSince.Sub(since))
	}
	o.logger.Debug(fmt.Sprintf("State %s -> %s", prev, s))
	o.observer.StateChanged(s)
}

// Run executes the pipeline once. The returned error is Result.Err; a
// second call returns ErrAlreadyRun without doing anything.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	o.ran = true
	o.mu.Unlock()

	run := &pipelineRun{o: o, result: &Result{Started: o.now()}}
	o.setState(StateInit)
	run.execute(ctx)

	res := run.result
	res.Finished = o.now()
	if o.metrics != nil {
		o.metrics.RecordResult(res)
	}
	return res, res.Err
}

// pipelineRun carries the mutable bookkeeping of a single Run
type pipelineRun struct {
	o      *Orchestrator
	result *Result

	// live holds local artifacts this run created that must not outlive a
	// failed run
	live    []string
	workDir string
	// Released on every exit path.
	iter rowsource.Iterator
}

func (p *pipelineRun) execute(ctx context.Context) {
	o := p.o
	cfg := o.config

	defer p.releaseSource()

	plan, err := o.Plan()
	if err != nil {
		p.fail(err)
		return
	}
	p.result.Plan = plan
	o.logger.Info(fmt.Sprintf("📅 Range %s (run %s)", plan.Range, plan.RunToken))
	o.logger.Debug(fmt.Sprintf("Object key: %s", plan.Key))

	if !plan.Cipher.Available() {
		p.fail(fmt.Errorf("%w: %w: %s", encryption.ErrEncryption, encryption.ErrCipherUnavailable, plan.Cipher))
		return
	}
	if cfg.ExtraPredicate != "" {
		o.logger.Debug(fmt.Sprintf("Extra predicate (trusted): %s", cfg.ExtraPredicate))
	}

	if err := os.MkdirAll(cfg.TempDir, 0o750); err != nil {
		p.fail(fmt.Errorf("%w: create temp dir %s: %w", formatters.ErrExport, cfg.TempDir, err))
		return
	}
	// Mkdir, not MkdirAll: an existing directory means another run owns it.
	if err := os.Mkdir(plan.WorkDir, 0o750); err != nil {
		p.fail(fmt.Errorf("%w: create run dir %s: %w", formatters.ErrExport, plan.WorkDir, err))
		return
	}
	p.workDir = plan.WorkDir
	if err := o.uploader.EnsureBucket(ctx); err != nil {
		p.fail(err)
		return
	}

	// CONNECTING
	o.setState(StateConnecting)
	o.logger.Info(fmt.Sprintf("🔌 Connecting to %s database %s on %s:%d",
		cfg.Database.Type, cfg.Database.Name, cfg.Database.Host, cfg.Database.Port))
	if err := o.source.Connect(ctx); err != nil {
		p.fail(err)
		return
	}

	spec := rowsource.QuerySpec{
		Table:          cfg.Table,
		DateColumn:     cfg.DateColumn,
		Range:          plan.Range,
		ExtraPredicate: cfg.ExtraPredicate,
		ChunkSize:      cfg.ChunkSize,
	}
	if cfg.CountRows {
		p.countRows(ctx, spec)
	}

	// EXPORTING
	o.setState(StateExporting)
	if err := p.export(ctx, spec, plan); err != nil {
		p.fail(err)
		return
	}
	p.releaseSource()

	// ENCRYPTING
	o.setState(StateEncrypting)
	if err := p.encrypt(ctx, plan); err != nil {
		p.fail(err)
		return
	}

	// UPLOADING
	o.setState(StateUploading)
	if err := p.upload(ctx, plan); err != nil {
		p.fail(err)
		return
	}

	// CLEANUP
	o.setState(StateCleanup)
	if !cfg.KeepLocal {
		p.removeLive()
	} else {
		o.logger.Info(fmt.Sprintf("📁 Keeping local artifact %s", plan.ArtifactPath))
		p.live = nil
	}
	p.removeWorkDir()

	p.result.Success = true
	p.result.Outcome = OutcomeUploaded
	if len(p.result.Warnings) > 0 {
		p.result.Outcome = OutcomeUploadedCleanupFailed
	}
	p.result.State = StateDone
	o.setState(StateDone)
}

func (p *pipelineRun) countRows(ctx context.Context, spec rowsource.QuerySpec) {
	counter, ok := p.o.source.(rowsource.Counter)
	if !ok {
		return
	}
	total, err := counter.Count(ctx, spec)
	if err != nil {
		p.o.logger.Warn(fmt.Sprintf("⚠️  Could not count rows: %v", err))
		return
	}
	p.o.logger.Info(fmt.Sprintf("🔢 %d rows match", total))
	p.o.observer.RowTotal(total)
}

func (p *pipelineRun) export(ctx context.Context, spec rowsource.QuerySpec, plan *Plan) error {
	o := p.o
	iter, err := o.source.Stream(ctx, spec)
	if err != nil {
		return err
	}
	p.iter = iter

	formatter, err := formatters.GetStreamingFormatter(formatters.FormatCSV)
	if err != nil {
		return err
	}

	var lastRows, lastBytes int64
	exporter := formatters.NewExporter(formatter).OnBatch(func(s formatters.ExportStats) {
		if o.metrics != nil {
			o.metrics.RowsExported.Add(float64(s.Rows - lastRows))
			o.metrics.BytesExported.Add(float64(s.Bytes - lastBytes))
		}
		lastRows, lastBytes = s.Rows, s.Bytes
		o.observer.RowsExported(s.Rows, s.Bytes)
		o.logger.Debug(fmt.Sprintf("📦 Batch %d flushed, %d rows so far", s.Batches, s.Rows))
	})

	level := o.config.CompressionLevel
	if level == 0 {
		level = plan.Compressor.DefaultLevel()
	}

	stats, err := exporter.ExportToFile(ctx, iter, func() (io.WriteCloser, error) {
		w, err := createCompressedFile(plan.ExportPath, plan.Compressor, level)
		if err != nil {
			return nil, err
		}
		p.live = append(p.live, plan.ExportPath)
		return w, nil
	})
	p.result.Rows = stats.Rows
	if err != nil {
		return err
	}

	info, err := os.Stat(plan.ExportPath)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", formatters.ErrExport, plan.ExportPath, err)
	}
	p.result.ExportBytes = info.Size()
	if stats.Rows == 0 {
		o.logger.Info("📦 No rows in range, exported header only")
	} else {
		o.logger.Info(fmt.Sprintf("📦 Exported %d rows (%s)", stats.Rows, formatBytes(info.Size())))
	}
	return nil
}

func (p *pipelineRun) encrypt(ctx context.Context, plan *Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o := p.o
	// EncryptFile removes its own partial output.
	size, err := encryption.EncryptFile(plan.ExportPath, plan.ArtifactPath, o.config.Encryption.Passphrase, plan.Cipher)
	if err != nil {
		return err
	}
	p.live = append(p.live, plan.ArtifactPath)
	p.result.ArtifactBytes = size
	o.logger.Info(fmt.Sprintf("🔐 Encrypted with %s (%s)", plan.Cipher, formatBytes(size)))

	// The plaintext export is superseded by the encrypted artifact.
	p.remove(plan.ExportPath)
	return nil
}

func (p *pipelineRun) upload(ctx context.Context, plan *Plan) error {
	o := p.o
	o.logger.Info(fmt.Sprintf("☁️  Uploading to s3://%s/%s", o.config.S3.Bucket, plan.Key))

	onAttempt := func(int) {
		if o.metrics != nil {
			o.metrics.UploadAttempts.Inc()
		}
	}
	res, err := o.uploader.Upload(ctx, storage.UploadRequest{
		Path:        plan.ArtifactPath,
		Key:         plan.Key,
		ContentType: "application/pgp-encrypted",
		Metadata: map[string]string{
			"table":       o.config.Table,
			"range-start": plan.Range.Start().Format(time.RFC3339),
			"range-end":   plan.Range.End().Format(time.RFC3339),
			"run-token":   plan.RunToken,
			"rows":        strconv.FormatInt(p.result.Rows, 10),
			"cipher":      string(plan.Cipher),
			"compression": plan.Compressor.Extension(),
			"tool":        "db-backup/" + Version,
		},
		Progress:  o.observer.UploadProgress,
		OnAttempt: onAttempt,
	})
	if err != nil {
		return err
	}

	p.result.Upload = res
	if o.metrics != nil {
		o.metrics.BytesUploaded.Add(float64(res.Size))
	}
	o.logger.Info(fmt.Sprintf("✅ Uploaded s3://%s/%s (etag %s)", res.Bucket, res.Key, res.ETag))
	return nil
}

// fail moves the run to FAILED and removes local artifacts. A completed
// encrypted artifact survives when keep_local is set.
func (p *pipelineRun) fail(err error) {
	o := p.o
	failedIn := o.State()
	p.result.Err = err
	p.result.FailedIn = failedIn
	p.result.State = StateFailed

	switch {
	case failedIn == StateEncrypting || failedIn == StateUploading:
		p.result.Outcome = OutcomeNotUploaded
	default:
		p.result.Outcome = OutcomeNotExtracted
	}

	p.releaseSource()
	if o.config.KeepLocal && failedIn == StateUploading && p.result.Plan != nil {
		p.forget(p.result.Plan.ArtifactPath)
		o.logger.Info(fmt.Sprintf("📁 Keeping local artifact %s", p.result.Plan.ArtifactPath))
	}
	p.removeLive()
	p.removeWorkDir()

	if errors.Is(err, context.Canceled) {
		o.logger.Warn(fmt.Sprintf("⚠️  Run cancelled while %s", failedIn))
	} else {
		o.logger.Error(fmt.Sprintf("❌ %s failed while %s: %v", ErrorCategory(err), failedIn, err))
	}
	o.setState(StateFailed)
}

func (p *pipelineRun) releaseSource() {
	if p.iter != nil {
		if err := p.iter.Close(); err != nil {
			p.o.logger.Debug(fmt.Sprintf("Closing result stream: %v", err))
		}
		p.iter = nil
	}
	if err := p.o.source.Close(); err != nil {
		p.o.logger.Debug(fmt.Sprintf("Closing database connection: %v", err))
	}
}

func (p *pipelineRun) forget(path string) {
	kept := p.live[:0]
	for _, l := range p.live {
		if l != path {
			kept = append(kept, l)
		}
	}
	p.live = kept
}

func (p *pipelineRun) remove(path string) {
	p.forget(path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		warning := fmt.Errorf("%w: remove %s: %w", ErrCleanupWarning, path, err)
		p.result.Warnings = append(p.result.Warnings, warning)
		p.o.logger.Warn(fmt.Sprintf("⚠️  %v", warning))
		return
	}
	p.o.logger.Debug(fmt.Sprintf("🧹 Removed %s", path))
}

func (p *pipelineRun) removeLive() {
	for _, path := range append([]string(nil), p.live...) {
		p.remove(path)
	}
	p.live = nil
}

// removeWorkDir drops the run directory once it is empty. A kept artifact
// keeps it alive.
func (p *pipelineRun) removeWorkDir() {
	if p.workDir == "" {
		return
	}
	if err := os.Remove(p.workDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.o.logger.Debug(fmt.Sprintf("Leaving run dir %s: %v", p.workDir, err))
		return
	}
	p.workDir = ""
}

// compressedFile closes the compressor before the file underneath it
type compressedFile struct {
	io.WriteCloser
	file *os.File
}

func (c *compressedFile) Close() error {
	if err := c.WriteCloser.Close(); err != nil {
		c.file.Close()
		return err
	}
	if err := c.file.Sync(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}

func createCompressedFile(path string, compressor compressors.Compressor, level int) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	w, err := compressor.NewWriter(f, level)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &compressedFile{WriteCloser: w, file: f}, nil
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
