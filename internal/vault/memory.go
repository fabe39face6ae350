// Package vault keeps copies of the operation journal away from the machine.
package vault

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"backit-go/internal/backit"
)

// ErrNotFound is returned by GetMetadata when nothing was stored under the name.
var ErrNotFound = errors.New("metadata not found")

// MemoryVault keeps metadata in memory. Safe for concurrent use.
type MemoryVault struct {
	name     string
	mu       sync.RWMutex
	items    map[string][]byte
	versions map[string]int64
}

var _ backit.Vault = (*MemoryVault)(nil)

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		items:    make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

func itemKey(hostID, name string) string {
	return hostID + "/" + name
}

func (m *MemoryVault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := itemKey(hostID, name)
	m.items[key] = data
	m.versions[key] = version
	return nil
}

func (m *MemoryVault) GetMetadataVersion(hostID string, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[itemKey(hostID, name)], nil
}

func (m *MemoryVault) GetMetadata(hostID string, name string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.items[itemKey(hostID, name)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s for host %s", ErrNotFound, name, hostID)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}
