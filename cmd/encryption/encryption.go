package encryption

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Extension is appended to encrypted artifacts
const Extension = ".gpg"

var (
	ErrEncryption        = errors.New("encryption failed")
	ErrEmptyPassphrase   = errors.New("passphrase is empty")
	ErrUnknownCipher     = errors.New("unknown cipher")
	ErrCipherUnavailable = errors.New("cipher backend unavailable")
	ErrWrongPassphrase   = errors.New("passphrase does not decrypt the message")
	ErrNotSymmetric      = errors.New("message is not symmetrically encrypted")
)

// Cipher names a symmetric algorithm
type Cipher string

const (
	AES256      Cipher = "AES256"
	AES192      Cipher = "AES192"
	AES128      Cipher = "AES128"
	TWOFISH     Cipher = "TWOFISH"
	CAMELLIA256 Cipher = "CAMELLIA256"
)

// DefaultCipher is used when none is configured
const DefaultCipher = AES256

// supportedCiphers maps names onto the OpenPGP backend; nil entries are known
// names the backend does not implement.
var supportedCiphers = map[Cipher]*packet.CipherFunction{
	AES256:      cipherFunc(packet.CipherAES256),
	AES192:      cipherFunc(packet.CipherAES192),
	AES128:      cipherFunc(packet.CipherAES128),
	TWOFISH:     nil,
	CAMELLIA256: nil,
}

func cipherFunc(c packet.CipherFunction) *packet.CipherFunction { return &c }

// ParseCipher accepts a cipher name case-insensitively. Known names without a
// backend implementation parse fine and fail at encryption time.
func ParseCipher(name string) (Cipher, error) {
	if strings.TrimSpace(name) == "" {
		return DefaultCipher, nil
	}
	c := Cipher(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := supportedCiphers[c]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCipher, name)
	}
	return c, nil
}

// Available reports whether the backend can encrypt with c.
func (c Cipher) Available() bool {
	fn, ok := supportedCiphers[c]
	return ok && fn != nil
}

func (c Cipher) config() (*packet.Config, error) {
	fn, ok := supportedCiphers[c]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrEncryption, ErrUnknownCipher, c)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrEncryption, ErrCipherUnavailable, c)
	}
	return &packet.Config{
		DefaultCipher:          *fn,
		DefaultCompressionAlgo: packet.CompressionNone,
	}, nil
}

// Hints are stored in the literal data packet
type Hints struct {
	FileName string
	ModTime  time.Time
}

// Encrypt returns a writer that encrypts everything written to it into dst.
// Close must be called to finish the message; it does not close dst.
func Encrypt(dst io.Writer, passphrase string, c Cipher, hints Hints) (io.WriteCloser, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, ErrEmptyPassphrase)
	}
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}

	fileHints := &openpgp.FileHints{
		IsBinary: true,
		FileName: hints.FileName,
		ModTime:  hints.ModTime,
	}

	w, err := openpgp.SymmetricallyEncrypt(dst, []byte(passphrase), fileHints, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return &wrappedWriter{w: w}, nil
}

// EncryptReader is the pull form of Encrypt: ciphertext is produced as the
// returned reader is consumed.
func EncryptReader(src io.Reader, passphrase string, c Cipher, hints Hints) (io.ReadCloser, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, ErrEmptyPassphrase)
	}
	if _, err := c.config(); err != nil {
		return nil, err
	}

	// The OpenPGP headers are written as soon as the message starts, so the
	// writer side must not run until a reader exists.
	pr, pw := io.Pipe()
	go func() {
		w, err := Encrypt(pw, passphrase, c, hints)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(w, src); err != nil {
			pw.CloseWithError(fmt.Errorf("%w: %w", ErrEncryption, err))
			return
		}
		pw.CloseWithError(w.Close())
	}()

	return pr, nil
}

// Decrypt returns the plaintext of a symmetrically encrypted message. Integrity
// failures surface as a read error at the end of the stream.
func Decrypt(src io.Reader, passphrase string) (io.Reader, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, ErrEmptyPassphrase)
	}

	tried := false
	prompt := func(_ []openpgp.Key, symmetric bool) ([]byte, error) {
		if !symmetric {
			return nil, ErrNotSymmetric
		}
		if tried {
			return nil, ErrWrongPassphrase
		}
		tried = true
		return []byte(passphrase), nil
	}

	md, err := openpgp.ReadMessage(src, openpgp.EntityList{}, prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	if !md.IsSymmetricallyEncrypted {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, ErrNotSymmetric)
	}
	return &wrappedReader{r: md.UnverifiedBody}, nil
}

// DecryptedName strips the encryption extension or, when there is none,
// appends ".decrypted".
func DecryptedName(path string) string {
	for _, ext := range []string{Extension, ".pgp", ".asc"} {
		if strings.HasSuffix(path, ext) && len(path) > len(ext) {
			return strings.TrimSuffix(path, ext)
		}
	}
	return path + ".decrypted"
}

// wrappedWriter tags backend write errors with ErrEncryption
type wrappedWriter struct {
	w io.WriteCloser
}

func (w *wrappedWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return n, nil
}

func (w *wrappedWriter) Close() error {
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return nil
}

// wrappedReader tags backend read errors, leaving io.EOF untouched
type wrappedReader struct {
	r io.Reader
}

func (r *wrappedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return n, err
}
