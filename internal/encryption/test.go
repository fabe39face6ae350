package encryption

import (
	"bytes"
	"fmt"
	"io"

	"backit-go/internal/backit"
)

// testHeader is prepended to data by TestEncryptor so ciphertext is clearly
// different from plaintext while staying deterministic and reversible.
var testHeader = []byte("BKTENC\x00\x00")

// TestEncryptor is a deterministic encryptor for tests. It prepends a fixed
// 8-byte header on Encrypt and strips it on Decrypt; no cryptography.
type TestEncryptor struct {
	setupCalled bool
	configured  bool
}

var _ backit.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a TestEncryptor that reports itself configured.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{configured: true}
}

// NewUnconfiguredTestEncryptor creates a TestEncryptor that needs Setup.
func NewUnconfiguredTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup() error {
	e.setupCalled = true
	e.configured = true
	return nil
}

// SetupCalled reports whether Setup ran.
func (e *TestEncryptor) SetupCalled() bool { return e.setupCalled }

func (e *TestEncryptor) IsConfigured() bool {
	return e.configured
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
