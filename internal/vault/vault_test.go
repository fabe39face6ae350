package vault

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"backit-go/internal/backit"
)

// runVaultContract checks the behavior every Vault implementation shares.
func runVaultContract(t *testing.T, newVault func(t *testing.T) backit.Vault) {
	t.Run("put and get", func(t *testing.T) {
		v := newVault(t)
		for _, content := range []string{"journal bytes", "", strings.Repeat("x", 10000)} {
			if err := v.PutMetadata("host-1", "db", strings.NewReader(content), int64(len(content)), 7); err != nil {
				t.Fatalf("PutMetadata() error = %v", err)
			}
			var buf bytes.Buffer
			if err := v.GetMetadata("host-1", "db", &buf); err != nil {
				t.Fatalf("GetMetadata() error = %v", err)
			}
			if buf.String() != content {
				t.Errorf("GetMetadata() = %d bytes, want %d", buf.Len(), len(content))
			}
		}
	})

	t.Run("version", func(t *testing.T) {
		v := newVault(t)
		got, err := v.GetMetadataVersion("host-1", "db")
		if err != nil {
			t.Fatalf("GetMetadataVersion() error = %v", err)
		}
		if got != 0 {
			t.Errorf("GetMetadataVersion() before put = %d, want 0", got)
		}

		if err := v.PutMetadata("host-1", "db", strings.NewReader("a"), 1, 3); err != nil {
			t.Fatalf("PutMetadata() error = %v", err)
		}
		if err := v.PutMetadata("host-1", "db", strings.NewReader("bb"), 2, 9); err != nil {
			t.Fatalf("PutMetadata() error = %v", err)
		}
		got, err = v.GetMetadataVersion("host-1", "db")
		if err != nil {
			t.Fatalf("GetMetadataVersion() error = %v", err)
		}
		if got != 9 {
			t.Errorf("GetMetadataVersion() = %d, want 9", got)
		}
	})

	t.Run("hosts are separate", func(t *testing.T) {
		v := newVault(t)
		if err := v.PutMetadata("host-1", "db", strings.NewReader("one"), 3, 1); err != nil {
			t.Fatalf("PutMetadata() error = %v", err)
		}
		var buf bytes.Buffer
		err := v.GetMetadata("host-2", "db", &buf)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetMetadata() other host error = %v, want ErrNotFound", err)
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		v := newVault(t)
		if err := v.PutMetadata("host-1", "db", strings.NewReader("short"), 100, 1); err == nil {
			t.Error("PutMetadata() expected error for size mismatch")
		}
	})

	t.Run("validate", func(t *testing.T) {
		if err := newVault(t).ValidateSetup(); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})
}

func TestMemoryVault(t *testing.T) {
	runVaultContract(t, func(*testing.T) backit.Vault { return NewMemoryVault("test") })
}

func TestFileSystemVault(t *testing.T) {
	runVaultContract(t, func(t *testing.T) backit.Vault {
		v, err := NewFileSystemVault("test", t.TempDir())
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
		return v
	})
}

func TestS3Vault(t *testing.T) {
	runVaultContract(t, func(*testing.T) backit.Vault {
		fake := newFakeS3()
		return newS3Vault("test", "bucket", "backups", fake, fake)
	})
}
