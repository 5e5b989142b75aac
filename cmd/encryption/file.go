package encryption

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// EncryptFile encrypts src into dst and returns the ciphertext size. dst must
// not exist yet; it is removed when encryption fails part-way.
func EncryptFile(src, dst, passphrase string, c Cipher) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", ErrEncryption, src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %w", ErrEncryption, src, err)
	}

	return writeFile(dst, func(out io.Writer) error {
		w, err := Encrypt(out, passphrase, c, Hints{FileName: filepath.Base(src), ModTime: info.ModTime()})
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, in); err != nil {
			return err
		}
		return w.Close()
	})
}

// DecryptFile decrypts src into dst and returns the plaintext size.
func DecryptFile(src, dst, passphrase string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", ErrEncryption, src, err)
	}
	defer in.Close()

	return writeFile(dst, func(out io.Writer) error {
		r, err := Decrypt(in, passphrase)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, r)
		return err
	})
}

func writeFile(dst string, fill func(io.Writer) error) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %w", ErrEncryption, dst, err)
	}

	fail := func(err error) (int64, error) {
		out.Close()
		os.Remove(dst)
		return 0, err
	}

	if err := fill(out); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(fmt.Errorf("%w: sync %s: %w", ErrEncryption, dst, err))
	}
	info, err := out.Stat()
	if err != nil {
		return fail(fmt.Errorf("%w: stat %s: %w", ErrEncryption, dst, err))
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return 0, fmt.Errorf("%w: close %s: %w", ErrEncryption, dst, err)
	}
	return info.Size(), nil
}
