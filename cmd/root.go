package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/airframesio/db-backup/cmd/rowsource"
	"github.com/airframesio/db-backup/cmd/storage"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/db-backup/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile            string
	debug              bool
	logFormat          string
	logLevel           string
	dbType             string
	dbHost             string
	dbPort             int
	dbUser             string
	dbPassword         string
	dbName             string
	dbSSLMode          string
	dbConnectTimeout   int
	dbStatementTimeout int
	s3Endpoint         string
	s3Bucket           string
	s3AccessKey        string
	s3SecretKey        string
	s3Region           string
	pgpPassword        string
	tableName          string
	dateColumn         string
	startDate          string
	endDate            string
	customWhere        string
	chunkSize          int
	gpgCipher          string
	compression        string
	compressionLevel   int
	s3Prefix           string
	filenamePattern    string
	tempDir            string
	keepLocal          bool
	countRows          bool
	createBucket       bool
	uploadAttempts     int
	timezone           string
	metricsPushgateway string
	dryRun             bool

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// parseLogLevel maps a --log-level value onto slog; debug wins over it
func parseLogLevel(isDebug bool, level string) slog.Level {
	if isDebug {
		return slog.LevelDebug
	}
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, isDebug bool, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(isDebug, level)}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = newTextOnlyHandler(w, opts)
	}
	return slog.New(handler)
}

// initLogger initializes the package logger from the debug flag, format and level
func initLogger(isDebug bool, format, level string) {
	logger = newLogger(os.Stdout, isDebug, format, level)
}

var rootCmd = &cobra.Command{
	Use:     "db-backup",
	Version: Version,
	Short:   "🔐 Back up a date range of a database table as an encrypted CSV in S3",
	Long: titleStyle.Render("DB Backup") + `

Extracts the rows of one table whose date column falls inside a range,
writes them as CSV in fixed-size chunks, encrypts the file with OpenPGP
(symmetric passphrase) and uploads it to an S3-compatible bucket.
Supports PostgreSQL and MySQL sources. Local files are removed when the
run ends unless --keep-local is set.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		bindFlags(cmd.Flags())
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one backup",
	Long: `Resolve the date range, export the matching rows to CSV, encrypt the
file and upload it. With --dry-run only the plan is printed.`,
	RunE: runBackup,
}

// flagKeys maps flag names onto viper keys. Keys match the environment
// variables after the DB_BACKUP_ prefix, e.g. DB_BACKUP_TABLE_NAME.
var flagKeys = map[string]string{
	"debug":                "debug",
	"log-format":           "log_format",
	"log-level":            "log_level",
	"db-type":              "db.type",
	"db-host":              "db.host",
	"db-port":              "db.port",
	"db-user":              "db.user",
	"db-password":          "db.password",
	"db-name":              "db.name",
	"db-sslmode":           "db.sslmode",
	"db-connect-timeout":   "db.connect_timeout",
	"db-statement-timeout": "db.statement_timeout",
	"s3-endpoint":          "s3.endpoint",
	"s3-bucket":            "s3.bucket",
	"s3-access-key":        "s3.access_key",
	"s3-secret-key":        "s3.secret_key",
	"s3-region":            "s3.region",
	"s3-prefix":            "s3.prefix",
	"create-bucket":        "s3.create_bucket",
	"upload-attempts":      "s3.upload_attempts",
	"pgp-password":         "pgp_password",
	"table":                "table_name",
	"date-column":          "date_column",
	"start":                "start_datetime",
	"end":                  "end_datetime",
	"where":                "custom_where",
	"chunk-size":           "chunk_size",
	"cipher":               "gpg_cipher",
	"compression":          "compression",
	"compression-level":    "compression_level",
	"filename-pattern":     "filename_pattern",
	"temp-dir":             "temp_dir",
	"keep-local":           "keep_local",
	"count-rows":           "count_rows",
	"timezone":             "timezone",
	"metrics-pushgateway":  "metrics_pushgateway",
	"dry-run":              "dry_run",
}

// bindFlags binds the flags of the command being executed. Commands share
// flag variables, so binding late makes the running command's flags win.
func bindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = viper.BindPFlag(key, f)
		}
	})
}

// dateExamples are shown in the --start help; every one must resolve
var dateExamples = []string{"today", "yesterday", "now", "-7", "+1", "2025-06-15", "2025-06-15T08:00:00Z"}

// addBackupFlags registers the flags of a backup run on fs
func addBackupFlags(fs *pflag.FlagSet) {
	fs.StringVar(&tableName, "table", "", "table to back up, optionally schema-qualified (required)")
	fs.StringVar(&dateColumn, "date-column", defaultDateColumn, "timestamp column the range filters on")
	fs.StringVar(&startDate, "start", defaultStart, "range start (inclusive), e.g. "+strings.Join(dateExamples, ", ")+"; -N/+N are whole days from today")
	fs.StringVar(&endDate, "end", defaultEnd, "range end (exclusive), same syntax as --start")
	fs.StringVar(&customWhere, "where", "", "extra SQL predicate ANDed to the range filter (trusted input)")
	fs.IntVar(&chunkSize, "chunk-size", defaultChunkSize, "rows fetched per batch")
	fs.StringVar(&gpgCipher, "cipher", "AES256", "OpenPGP cipher: AES256, AES192, AES128, TWOFISH, CAMELLIA256")
	fs.StringVar(&compression, "compression", "none", "compression applied before encryption: zstd, lz4, gzip, none")
	fs.IntVar(&compressionLevel, "compression-level", 0, "compression level (zstd: 1-22, lz4/gzip: 1-9, 0 = codec default)")
	fs.StringVar(&s3Prefix, "s3-prefix", defaultPrefix, "object key prefix with placeholders: {table}, {date}, {datetime}, {YYYY}, {MM}, {DD}, {HH}")
	fs.StringVar(&filenamePattern, "filename-pattern", defaultOutputPattern, "artifact name with placeholders: {table}, {start}, {end}, {run}, {datetime}")
	fs.StringVar(&tempDir, "temp-dir", defaultTempDir, "directory for the local CSV and encrypted files")
	fs.BoolVar(&keepLocal, "keep-local", false, "keep the encrypted file after the run")
	fs.BoolVar(&countRows, "count-rows", false, "count matching rows first so progress shows a total")
	fs.BoolVar(&createBucket, "create-bucket", false, "create the bucket when it does not exist")
	fs.IntVar(&uploadAttempts, "upload-attempts", defaultUploadAttempts, "maximum upload attempts (1-10)")
	fs.StringVar(&timezone, "timezone", "", "IANA zone date expressions resolve in (default UTC)")
	fs.StringVar(&metricsPushgateway, "metrics-pushgateway", "", "Prometheus Pushgateway URL to push run metrics to")
}

func Execute() error {
	ctx := signalContext
	if ctx == nil {
		ctx = context.Background()
	}
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(backupCmd)

	// Persistent flags (available to all subcommands)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.db-backup.yaml)")
	pf.BoolVarP(&debug, "debug", "d", false, "enable debug output (disables the progress display)")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	pf.StringVar(&dbType, "db-type", rowsource.TypePostgreSQL, "database type (postgresql, mysql)")
	pf.StringVar(&dbHost, "db-host", "localhost", "database host")
	pf.IntVar(&dbPort, "db-port", 0, "database port (default 5432 for postgresql, 3306 for mysql)")
	pf.StringVar(&dbUser, "db-user", "", "database user")
	pf.StringVar(&dbPassword, "db-password", "", "database password")
	pf.StringVar(&dbName, "db-name", "", "database name")
	pf.StringVar(&dbSSLMode, "db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")
	pf.IntVar(&dbConnectTimeout, "db-connect-timeout", 10, "connect timeout in seconds (0 = driver default)")
	pf.IntVar(&dbStatementTimeout, "db-statement-timeout", 0, "PostgreSQL statement timeout in seconds (0 = no timeout)")

	pf.StringVar(&s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL (empty = AWS)")
	pf.StringVar(&s3Bucket, "s3-bucket", defaultBucket, "S3 bucket name")
	pf.StringVar(&s3AccessKey, "s3-access-key", "", "S3 access key")
	pf.StringVar(&s3SecretKey, "s3-secret-key", "", "S3 secret key")
	pf.StringVar(&s3Region, "s3-region", defaultRegion, "S3 region")
	pf.StringVar(&pgpPassword, "pgp-password", "", "OpenPGP passphrase")

	addBackupFlags(backupCmd.Flags())
	backupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without connecting or uploading")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".db-backup")
	}

	viper.SetEnvPrefix("DB_BACKUP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat, logLevel)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadConfig builds a Config from every bound source
func loadConfig() *Config {
	config := &Config{
		Debug:              viper.GetBool("debug"),
		LogFormat:          viper.GetString("log_format"),
		LogLevel:           viper.GetString("log_level"),
		DryRun:             viper.GetBool("dry_run"),
		KeepLocal:          viper.GetBool("keep_local"),
		CountRows:          viper.GetBool("count_rows"),
		TempDir:            viper.GetString("temp_dir"),
		Timezone:           viper.GetString("timezone"),
		MetricsPushgateway: viper.GetString("metrics_pushgateway"),
		Database: DatabaseConfig{
			Type:             strings.ToLower(viper.GetString("db.type")),
			Host:             viper.GetString("db.host"),
			Port:             viper.GetInt("db.port"),
			User:             viper.GetString("db.user"),
			Password:         viper.GetString("db.password"),
			Name:             viper.GetString("db.name"),
			SSLMode:          viper.GetString("db.sslmode"),
			ConnectTimeout:   viper.GetInt("db.connect_timeout"),
			StatementTimeout: viper.GetInt("db.statement_timeout"),
		},
		S3: S3Config{
			Endpoint:       viper.GetString("s3.endpoint"),
			Bucket:         viper.GetString("s3.bucket"),
			AccessKey:      viper.GetString("s3.access_key"),
			SecretKey:      viper.GetString("s3.secret_key"),
			Region:         viper.GetString("s3.region"),
			Prefix:         viper.GetString("s3.prefix"),
			CreateBucket:   viper.GetBool("s3.create_bucket"),
			UploadAttempts: viper.GetInt("s3.upload_attempts"),
		},
		Encryption: EncryptionConfig{
			Passphrase: viper.GetString("pgp_password"),
			Cipher:     strings.ToUpper(viper.GetString("gpg_cipher")),
		},
		Table:            viper.GetString("table_name"),
		DateColumn:       viper.GetString("date_column"),
		StartDate:        viper.GetString("start_datetime"),
		EndDate:          viper.GetString("end_datetime"),
		ExtraPredicate:   viper.GetString("custom_where"),
		ChunkSize:        viper.GetInt("chunk_size"),
		Compression:      strings.ToLower(viper.GetString("compression")),
		CompressionLevel: viper.GetInt("compression_level"),
		OutputPattern:    viper.GetString("filename_pattern"),
	}

	if config.Database.Port == 0 {
		config.Database.Port = rowsource.DefaultPort(config.Database.Type)
	}
	if config.Compression == "none" {
		config.Compression = ""
	}
	return config
}

// commandContext returns the signal-aware context for cmd
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	if signalContext != nil {
		return signalContext
	}
	return context.Background()
}

func newStorageClient(config *Config, log *slog.Logger) (*storage.Client, error) {
	policy := storage.DefaultRetryPolicy()
	if config.S3.UploadAttempts > 0 {
		policy.MaxAttempts = config.S3.UploadAttempts
	}
	return storage.NewClient(storage.Config{
		Endpoint:     config.S3.Endpoint,
		Region:       config.S3.Region,
		AccessKey:    config.S3.AccessKey,
		SecretKey:    config.S3.SecretKey,
		Bucket:       config.S3.Bucket,
		CreateBucket: config.S3.CreateBucket,
		Retry:        policy,
	}, log)
}

func newRowSource(config *Config) (rowsource.RowSource, error) {
	return rowsource.New(config.Database.Type, config.Credentials(), rowsource.Options{
		ConnectTimeout:   time.Duration(config.Database.ConnectTimeout) * time.Second,
		StatementTimeout: time.Duration(config.Database.StatementTimeout) * time.Second,
	})
}

// isInteractive reports whether the progress display can take over stdout
func isInteractive(config *Config) bool {
	if config.Debug || config.LogFormat == "json" || config.LogFormat == "logfmt" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func runBackup(cmd *cobra.Command, _ []string) error {
	config := loadConfig()
	initLogger(config.Debug, config.LogFormat, config.LogLevel)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 DB Backup v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	logger.Debug("Configuration validated successfully")

	if config.DryRun {
		return runDryRun(config)
	}

	if err := AcquirePIDFile(config.Table); err != nil {
		return err
	}
	defer func() {
		if err := RemovePIDFile(config.Table); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Debug(fmt.Sprintf("Failed to remove PID file: %v", err))
		}
	}()

	ctx := commandContext(cmd)
	result, err := backupOnce(ctx, config, isInteractive(config))
	if result != nil {
		printResult(result)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Backup cancelled by user")
		}
		return err
	}
	return nil
}

// backupOnce wires one orchestrator run: storage, source, metrics, run
// state, and the progress display when interactive.
func backupOnce(ctx context.Context, config *Config, interactive bool) (*Result, error) {
	runLogger := logger
	if interactive {
		// The progress display owns stdout while it runs.
		runLogger = newLogger(io.Discard, false, config.LogFormat, config.LogLevel)
	}

	client, err := newStorageClient(config, runLogger)
	if err != nil {
		return nil, err
	}
	source, err := newRowSource(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	metrics := NewMetrics()
	runToken := uuid.NewString()

	// The plan is computed once and shared with the run so that the status
	// record and the progress header show the range and key actually used.
	var plan *Plan
	if p, err := NewOrchestrator(config, nil, nil, runLogger, WithRunToken(runToken)).Plan(); err == nil {
		plan = p
	}
	recorder := newRunStateRecorder(config.Table, runToken, plan, func(err error) {
		runLogger.Debug(fmt.Sprintf("Failed to write run state: %v", err))
	})
	defer func() {
		if err := RemoveRunFile(config.Table); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Debug(fmt.Sprintf("Failed to remove run file: %v", err))
		}
	}()

	build := func(obs Observer) *Orchestrator {
		observers := multiObserver{recorder}
		if obs != nil {
			observers = append(observers, obs)
		}
		return NewOrchestrator(config, source, client, runLogger,
			WithRunToken(runToken),
			WithPlan(plan),
			WithMetrics(metrics),
			WithObserver(observers),
		)
	}

	var result *Result
	if interactive {
		key := ""
		if plan != nil {
			key = plan.Key
		}
		result, err = runWithProgress(ctx, config.Table, key, build)
	} else {
		result, err = build(nil).Run(ctx)
	}

	if config.MetricsPushgateway != "" {
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if perr := metrics.Push(pushCtx, config.MetricsPushgateway, config.Table); perr != nil {
			logger.Warn(fmt.Sprintf("⚠️  Failed to push metrics: %v", perr))
		}
		cancel()
	}
	return result, err
}

// runDryRun prints what a run would do without any I/O
func runDryRun(config *Config) error {
	plan, err := NewOrchestrator(config, nil, nil, logger).Plan()
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		return err
	}

	compression := "none"
	if ext := plan.Compressor.Extension(); ext != "" {
		compression = strings.TrimPrefix(ext, ".")
	}

	logger.Info("")
	logger.Info("🔍 Dry run, nothing is connected or uploaded")
	logger.Info(fmt.Sprintf("   Database:    %s %s@%s:%d/%s", config.Database.Type, config.Database.User, config.Database.Host, config.Database.Port, config.Database.Name))
	logger.Info(fmt.Sprintf("   Table:       %s (%s)", config.Table, config.DateColumn))
	logger.Info(fmt.Sprintf("   Range:       %s", plan.Range))
	if config.ExtraPredicate != "" {
		logger.Info(fmt.Sprintf("   Where:       %s", config.ExtraPredicate))
	}
	logger.Info(fmt.Sprintf("   Cipher:      %s", plan.Cipher))
	logger.Info(fmt.Sprintf("   Compression: %s", compression))
	logger.Info(fmt.Sprintf("   Local file:  %s", plan.ArtifactPath))
	logger.Info(fmt.Sprintf("   Object:      s3://%s/%s", config.S3.Bucket, plan.Key))
	return nil
}

// printResult logs the terminal summary of a run
func printResult(r *Result) {
	logger.Info("")
	logger.Info("📊 Backup Summary")
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if r.Plan != nil {
		logger.Info(fmt.Sprintf("   Range:    %s", r.Plan.Range))
	}
	logger.Info(fmt.Sprintf("   Outcome:  %s", r.Outcome))
	logger.Info(fmt.Sprintf("   Rows:     %d", r.Rows))
	logger.Info(fmt.Sprintf("   CSV:      %s", formatBytes(r.ExportBytes)))
	if r.ArtifactBytes > 0 {
		logger.Info(fmt.Sprintf("   Artifact: %s", formatBytes(r.ArtifactBytes)))
	}
	if r.Upload != nil {
		logger.Info(fmt.Sprintf("   Object:   s3://%s/%s (%d attempt(s))", r.Upload.Bucket, r.Upload.Key, r.Upload.Attempts))
	}
	logger.Info(fmt.Sprintf("   Duration: %s", r.Duration().Round(time.Millisecond)))
	for _, w := range r.Warnings {
		logger.Warn(fmt.Sprintf("⚠️  %s", w.Error()))
	}

	logger.Info("")
	if r.Success {
		logger.Info("✅ Backup completed successfully!")
		return
	}
	logger.Error(fmt.Sprintf("❌ Backup failed in %s: %s", r.FailedIn, r.Err))
}
