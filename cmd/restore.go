package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/airframesio/db-backup/cmd/compressors"
	"github.com/airframesio/db-backup/cmd/encryption"
	"github.com/airframesio/db-backup/cmd/formatters"
	"github.com/spf13/cobra"
)

var (
	ErrOutputExists = errors.New("output file already exists")
	ErrNotCSV       = errors.New("restored file is not a CSV export")
)

var restoreOutput string
var restoreForce bool

var restoreCmd = &cobra.Command{
	Use:   "restore <key>",
	Short: "Download, decrypt and decompress a backup object to a local CSV",
	Long: `Download an object from the bucket, decrypt it with the configured
passphrase and undo any compression, writing the CSV to --output (default:
the object name without its .gpg and compression extensions).`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt <file>",
	Short: "Decrypt a local backup artifact",
	Long: `Decrypt a local .gpg artifact with the configured passphrase. When the
inner name carries a compression extension the stream is decompressed too.
Without --output the .gpg extension is stripped, or ".decrypted" appended.`,
	Args: cobra.ExactArgs(1),
	RunE: runDecrypt,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(decryptCmd)

	for _, c := range []*cobra.Command{restoreCmd, decryptCmd} {
		c.Flags().StringVarP(&restoreOutput, "output", "o", "", "output file path")
		c.Flags().BoolVar(&restoreForce, "force", false, "overwrite an existing output file")
	}
}

// RestoreStats describes a restored file
type RestoreStats struct {
	Path    string
	Bytes   int64
	Rows    int64
	Columns []string
}

// restoredName strips the encryption and compression extensions from name
func restoredName(name string) string {
	inner := encryption.DecryptedName(name)
	_, plain := compressors.DetectFromFilename(inner)
	return plain
}

// restoreArtifact decrypts src (named name) into outPath, decompressing when
// the inner name has a compression extension. outPath is removed on failure.
func restoreArtifact(src io.Reader, name, outPath, passphrase string, overwrite bool) (*RestoreStats, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_EXCL
	if overwrite {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	out, err := os.OpenFile(outPath, flags, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrOutputExists, outPath)
		}
		return nil, fmt.Errorf("failed to create %s: %w", outPath, err)
	}

	fail := func(err error) (*RestoreStats, error) {
		out.Close()
		os.Remove(outPath)
		return nil, err
	}

	plain, err := encryption.Decrypt(src, passphrase)
	if err != nil {
		return fail(err)
	}

	compressor, _ := compressors.DetectFromFilename(encryption.DecryptedName(name))
	reader, err := compressor.NewReader(plain)
	if err != nil {
		return fail(fmt.Errorf("failed to open %s stream: %w", compressor.Extension(), err))
	}
	defer reader.Close()

	n, err := io.Copy(out, reader)
	if err != nil {
		return fail(fmt.Errorf("failed to write %s: %w", outPath, err))
	}
	if err := out.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync %s: %w", outPath, err))
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("failed to close %s: %w", outPath, err)
	}

	stats := &RestoreStats{Path: outPath, Bytes: n}
	if strings.HasSuffix(outPath, ".csv") {
		if err := countCSV(stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// countCSV reads the restored file back to report its header and row count
func countCSV(stats *RestoreStats) error {
	f, err := os.Open(stats.Path)
	if err != nil {
		return err
	}
	reader := formatters.NewCSVReader(f)
	defer reader.Close()

	if stats.Bytes == 0 {
		return nil
	}
	columns, err := reader.Header()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotCSV, err)
	}
	rows, err := reader.CountRecords()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotCSV, err)
	}
	stats.Columns = columns
	stats.Rows = rows
	return nil
}

func logRestoreStats(stats *RestoreStats) {
	logger.Info(fmt.Sprintf("✅ Wrote %s (%s)", stats.Path, formatBytes(stats.Bytes)))
	if stats.Columns != nil {
		logger.Info(fmt.Sprintf("   %d rows, columns: %s", stats.Rows, strings.Join(stats.Columns, ", ")))
	}
}

func runDecrypt(_ *cobra.Command, args []string) error {
	config := loadConfig()
	initLogger(config.Debug, config.LogFormat, config.LogLevel)

	if config.Encryption.Passphrase == "" {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", ErrPassphraseRequired))
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrPassphraseRequired)
	}

	src := args[0]
	outPath := restoreOutput
	if outPath == "" {
		outPath = restoredName(src)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	logger.Info(fmt.Sprintf("🔐 Decrypting %s", src))
	stats, err := restoreArtifact(in, filepath.Base(src), outPath, config.Encryption.Passphrase, restoreForce)
	if err != nil {
		return err
	}
	logRestoreStats(stats)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	config := loadConfig()
	initLogger(config.Debug, config.LogFormat, config.LogLevel)

	if err := config.ValidateStorage(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if config.Encryption.Passphrase == "" {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", ErrPassphraseRequired))
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrPassphraseRequired)
	}

	client, err := newStorageClient(config, logger)
	if err != nil {
		return err
	}

	key := args[0]
	outPath := restoreOutput
	if outPath == "" {
		outPath = restoredName(path.Base(key))
	}

	logger.Info(fmt.Sprintf("☁️  Restoring s3://%s/%s", client.Bucket(), key))
	stats, err := restoreObject(commandContext(cmd), client, key, outPath, config.Encryption.Passphrase, restoreForce)
	if err != nil {
		return err
	}
	logRestoreStats(stats)
	return nil
}

// objectDownloader is the part of the storage client restore needs
type objectDownloader interface {
	Download(ctx context.Context, key string, w io.Writer) (int64, error)
}

// restoreObject streams key from storage through decryption into outPath.
// A download failure takes precedence over the decrypt error it causes.
func restoreObject(ctx context.Context, client objectDownloader, key, outPath, passphrase string, overwrite bool) (*RestoreStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	downloadErr := make(chan error, 1)
	go func() {
		_, err := client.Download(ctx, key, pw)
		// Publish before closing so a reader that sees the error finds it.
		downloadErr <- err
		pw.CloseWithError(err)
	}()

	stats, err := restoreArtifact(pr, path.Base(key), outPath, passphrase, overwrite)
	if err != nil {
		select {
		case dlErr := <-downloadErr:
			if dlErr != nil {
				return nil, dlErr
			}
		default:
			pr.CloseWithError(err)
			cancel()
			<-downloadErr
		}
		return nil, err
	}
	// The decryptor may stop before the trailing bytes of the object.
	_, _ = io.Copy(io.Discard, pr)
	if dlErr := <-downloadErr; dlErr != nil {
		os.Remove(outPath)
		return nil, dlErr
	}
	return stats, nil
}
