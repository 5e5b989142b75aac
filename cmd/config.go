package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/airframesio/db-backup/cmd/compressors"
	"github.com/airframesio/db-backup/cmd/encryption"
	"github.com/airframesio/db-backup/cmd/rowsource"
)

// Static errors for configuration validation
var (
	ErrDatabaseTypeInvalid     = errors.New("database type must be one of: postgresql, mysql")
	ErrDatabaseUserRequired    = errors.New("database user is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrConnectTimeoutInvalid   = errors.New("database connect timeout must be >= 0")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrS3PrefixInvalid         = errors.New("S3 prefix must not start with '/' or contain '..'")
	ErrUploadAttemptsInvalid   = errors.New("upload attempts must be between 1 and 10")
	ErrTableNameRequired       = errors.New("table name is required")
	ErrTableNameInvalid        = errors.New("table name is invalid: must be 1-128 characters, optionally schema-qualified, start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrDateColumnRequired      = errors.New("date column is required")
	ErrDateColumnInvalid       = errors.New("date column is invalid: must start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrStartDateRequired       = errors.New("start date expression is required")
	ErrEndDateRequired         = errors.New("end date expression is required")
	ErrChunkSizeMinimum        = errors.New("chunk size must be at least 1")
	ErrChunkSizeMaximum        = errors.New("chunk size must not exceed 1000000")
	ErrPassphraseRequired      = errors.New("PGP password is required")
	ErrCipherInvalid           = errors.New("cipher must be one of: AES256, AES192, AES128, TWOFISH, CAMELLIA256")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrOutputPatternRequired   = errors.New("output pattern is required")
	ErrOutputPatternInvalid    = errors.New("output pattern must contain {table} placeholder and no path separators")
	ErrTempDirRequired         = errors.New("temp dir is required")
	ErrTimezoneInvalid         = errors.New("timezone is not a known IANA location")
	ErrLogLevelInvalid         = errors.New("log level must be one of: debug, info, warn, error")
)

// Defaults shared by flags and tests
const (
	defaultChunkSize      = 10000
	defaultBucket         = "db-backups"
	defaultRegion         = "us-east-1"
	defaultPrefix         = "backups/{table}/{date}/"
	defaultOutputPattern  = "{table}_{start}_{end}_{run}"
	defaultTempDir        = "./temp_backups"
	defaultStart          = "yesterday"
	defaultEnd            = "today"
	defaultDateColumn     = "created_at"
	defaultUploadAttempts = 3
	maxChunkSize          = 1000000
)

type Config struct {
	Debug              bool
	LogFormat          string
	LogLevel           string
	DryRun             bool
	KeepLocal          bool
	CountRows          bool
	TempDir            string
	Timezone           string
	MetricsPushgateway string
	Database           DatabaseConfig
	S3                 S3Config
	Encryption         EncryptionConfig
	Table              string
	DateColumn         string
	StartDate          string
	EndDate            string
	ExtraPredicate     string // trusted raw SQL appended to the range filter
	ChunkSize          int
	Compression        string
	CompressionLevel   int
	OutputPattern      string
}

type DatabaseConfig struct {
	Type             string
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	ConnectTimeout   int // seconds, 0 = driver default
	StatementTimeout int // seconds, 0 = no timeout
}

type S3Config struct {
	Endpoint       string // empty = public AWS endpoint
	Bucket         string
	AccessKey      string
	SecretKey      string
	Region         string
	Prefix         string
	CreateBucket   bool
	UploadAttempts int
}

type EncryptionConfig struct {
	Passphrase string
	Cipher     string
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

func isValidPrefix(prefix string) bool {
	return !strings.HasPrefix(prefix, "/") && !strings.Contains(prefix, "..")
}

func isValidOutputPattern(pattern string) bool {
	if !strings.Contains(pattern, "{table}") {
		return false
	}
	return !strings.ContainsAny(pattern, `/\`)
}

// isValidCompression validates the compression type
func isValidCompression(compression string) bool {
	validCompressions := map[string]bool{
		"zstd": true,
		"lz4":  true,
		"gzip": true,
		"none": true,
		"":     true,
	}
	return validCompressions[compression]
}

// isValidCompressionLevel validates compression level based on compression type.
// Zero selects the codec default.
func isValidCompressionLevel(compression string, level int) bool {
	if level == 0 {
		return true
	}
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	default:
		return false
	}
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// Location returns the time zone date expressions resolve in
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s'", ErrTimezoneInvalid, c.Timezone)
	}
	return loc, nil
}

// Credentials returns the connection fields as the row source expects them
func (c *Config) Credentials() rowsource.Credentials {
	return rowsource.Credentials{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		Name:     c.Database.Name,
		User:     c.Database.User,
		Password: c.Database.Password,
		SSLMode:  c.Database.SSLMode,
	}
}

func (c *Config) Validate() error {
	// Validate database configuration
	switch c.Database.Type {
	case rowsource.TypePostgreSQL, rowsource.TypeMySQL:
	default:
		return fmt.Errorf("%w: '%s'", ErrDatabaseTypeInvalid, c.Database.Type)
	}
	if c.Database.User == "" {
		return ErrDatabaseUserRequired
	}
	if c.Database.Name == "" {
		return ErrDatabaseNameRequired
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
	}
	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrStatementTimeoutInvalid, c.Database.StatementTimeout)
	}
	if c.Database.ConnectTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrConnectTimeoutInvalid, c.Database.ConnectTimeout)
	}

	// Validate query configuration
	if c.Table == "" {
		return ErrTableNameRequired
	}
	if !rowsource.IsValidIdentifier(c.Table) {
		return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, c.Table)
	}
	if c.DateColumn == "" {
		return ErrDateColumnRequired
	}
	if !rowsource.IsValidIdentifier(c.DateColumn) || strings.Contains(c.DateColumn, ".") {
		return fmt.Errorf("%w: '%s'", ErrDateColumnInvalid, c.DateColumn)
	}
	if strings.TrimSpace(c.StartDate) == "" {
		return ErrStartDateRequired
	}
	if strings.TrimSpace(c.EndDate) == "" {
		return ErrEndDateRequired
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMinimum, c.ChunkSize)
	}
	if c.ChunkSize > maxChunkSize {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMaximum, c.ChunkSize)
	}

	// Validate encryption
	if c.Encryption.Passphrase == "" {
		return ErrPassphraseRequired
	}
	if _, err := encryption.ParseCipher(c.Encryption.Cipher); err != nil {
		return fmt.Errorf("%w: '%s'", ErrCipherInvalid, c.Encryption.Cipher)
	}

	// Validate compression
	if !isValidCompression(c.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
	}
	if !isValidCompressionLevel(c.Compression, c.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Compression, c.CompressionLevel)
	}
	if _, err := compressors.GetCompressor(c.Compression); err != nil {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
	}

	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if !isValidPrefix(c.S3.Prefix) {
		return fmt.Errorf("%w: '%s'", ErrS3PrefixInvalid, c.S3.Prefix)
	}
	if c.S3.UploadAttempts < 1 || c.S3.UploadAttempts > 10 {
		return fmt.Errorf("%w, got %d", ErrUploadAttemptsInvalid, c.S3.UploadAttempts)
	}

	// Validate output
	if c.OutputPattern == "" {
		return ErrOutputPatternRequired
	}
	if !isValidOutputPattern(c.OutputPattern) {
		return fmt.Errorf("%w: '%s'", ErrOutputPatternInvalid, c.OutputPattern)
	}
	if c.TempDir == "" {
		return ErrTempDirRequired
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("%w: '%s'", ErrLogLevelInvalid, c.LogLevel)
	}

	return nil
}

// ValidateStorage checks only the S3 connection settings, for commands that
// never touch the database.
func (c *Config) ValidateStorage() error {
	if c.S3.Bucket == "" {
		return ErrS3BucketRequired
	}
	if c.S3.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if c.S3.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}
	if c.S3.Region != "" && !isValidRegion(c.S3.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
	}
	return nil
}
