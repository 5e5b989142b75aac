package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/airframesio/db-backup/cmd/compressors"
	"github.com/airframesio/db-backup/cmd/encryption"
	"github.com/airframesio/db-backup/cmd/storage"
)

const restoreCSV = "id,name\n1,alpha\n2,beta\n3,\"gam,ma\"\n"

// sealArtifact builds an artifact the way a backup run does: optional
// compression, then OpenPGP encryption.
func sealArtifact(t *testing.T, compression, passphrase string) []byte {
	t.Helper()

	compressor, err := compressors.GetCompressor(compression)
	if err != nil {
		t.Fatalf("GetCompressor(%q): %v", compression, err)
	}

	var compressed bytes.Buffer
	cw, err := compressor.NewWriter(&compressed, compressor.DefaultLevel())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := io.WriteString(cw, restoreCSV); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("close compressor: %v", err)
	}

	var sealed bytes.Buffer
	ew, err := encryption.Encrypt(&sealed, passphrase, encryption.AES256, encryption.Hints{FileName: "t.csv"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := ew.Write(compressed.Bytes()); err != nil {
		t.Fatalf("encrypt write: %v", err)
	}
	if err := ew.Close(); err != nil {
		t.Fatalf("encrypt close: %v", err)
	}
	return sealed.Bytes()
}

func TestRestoredName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"orders_20240101_000000_20240102_000000_abc.csv.gpg", "orders_20240101_000000_20240102_000000_abc.csv"},
		{"orders.csv.zst.gpg", "orders.csv"},
		{"orders.csv.gz.gpg", "orders.csv"},
		{"orders.csv.lz4.gpg", "orders.csv"},
		{"dir/orders.csv.pgp", "dir/orders.csv"},
		{"orders.bin", "orders.bin.decrypted"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := restoredName(tt.in); got != tt.want {
				t.Fatalf("restoredName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRestoreArtifact(t *testing.T) {
	for _, compression := range []string{"", "zstd", "lz4", "gzip"} {
		t.Run("compression="+compression, func(t *testing.T) {
			compressor, _ := compressors.GetCompressor(compression)
			name := "orders.csv" + compressor.Extension() + encryption.Extension
			out := filepath.Join(t.TempDir(), "orders.csv")

			stats, err := restoreArtifact(bytes.NewReader(sealArtifact(t, compression, "secret")), name, out, "secret", false)
			if err != nil {
				t.Fatalf("restoreArtifact: %v", err)
			}

			data, err := os.ReadFile(out)
			if err != nil {
				t.Fatalf("read output: %v", err)
			}
			if string(data) != restoreCSV {
				t.Fatalf("output = %q, want %q", data, restoreCSV)
			}
			if stats.Rows != 3 {
				t.Fatalf("Rows = %d, want 3", stats.Rows)
			}
			if len(stats.Columns) != 2 || stats.Columns[0] != "id" || stats.Columns[1] != "name" {
				t.Fatalf("Columns = %v", stats.Columns)
			}
			if stats.Bytes != int64(len(restoreCSV)) {
				t.Fatalf("Bytes = %d, want %d", stats.Bytes, len(restoreCSV))
			}
		})
	}
}

func TestRestoreArtifactWrongPassphrase(t *testing.T) {
	out := filepath.Join(t.TempDir(), "orders.csv")

	_, err := restoreArtifact(bytes.NewReader(sealArtifact(t, "", "secret")), "orders.csv.gpg", out, "wrong", false)
	if !errors.Is(err, encryption.ErrEncryption) {
		t.Fatalf("error = %v, want ErrEncryption", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatalf("output should be removed after a failed decrypt, stat err = %v", statErr)
	}
}

func TestRestoreArtifactRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "orders.csv")
	if err := os.WriteFile(out, []byte("keep me"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := restoreArtifact(bytes.NewReader(sealArtifact(t, "", "secret")), "orders.csv.gpg", out, "secret", false)
	if !errors.Is(err, ErrOutputExists) {
		t.Fatalf("error = %v, want ErrOutputExists", err)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "keep me" {
		t.Fatalf("existing file was modified: %q", data)
	}

	if _, err := restoreArtifact(bytes.NewReader(sealArtifact(t, "", "secret")), "orders.csv.gpg", out, "secret", true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) Download(_ context.Context, _ string, w io.Writer) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := w.Write(f.data)
	return int64(n), err
}

func TestRestoreObject(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "orders.csv")
		dl := &fakeDownloader{data: sealArtifact(t, "zstd", "secret")}

		stats, err := restoreObject(context.Background(), dl, "backups/orders/2024-01-01/orders.csv.zst.gpg", out, "secret", false)
		if err != nil {
			t.Fatalf("restoreObject: %v", err)
		}
		if stats.Rows != 3 {
			t.Fatalf("Rows = %d, want 3", stats.Rows)
		}
	})

	t.Run("missing object", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "orders.csv")
		dl := &fakeDownloader{err: fmt.Errorf("%w: s3://b/k", storage.ErrObjectNotFound)}

		_, err := restoreObject(context.Background(), dl, "k.csv.gpg", out, "secret", false)
		if !errors.Is(err, storage.ErrObjectNotFound) {
			t.Fatalf("error = %v, want ErrObjectNotFound", err)
		}
		if ErrorCategory(err) != "ObjectNotFound" {
			t.Fatalf("category = %q, want ObjectNotFound", ErrorCategory(err))
		}
		if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
			t.Fatalf("output should not exist, stat err = %v", statErr)
		}
	})

	t.Run("output exists", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "orders.csv")
		if err := os.WriteFile(out, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		dl := &fakeDownloader{data: sealArtifact(t, "", "secret")}

		_, err := restoreObject(context.Background(), dl, "orders.csv.gpg", out, "secret", false)
		if !errors.Is(err, ErrOutputExists) {
			t.Fatalf("error = %v, want ErrOutputExists", err)
		}
	})
}
