package backit

import (
	"io"
	"time"
)

// Operation is one journaled CLI command.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Project    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Detail     string
}

// PushRecord is one publish attempt. RemoteURL never carries credentials.
type PushRecord struct {
	ID          string
	OperationID int64
	RemoteURL   string
	Branch      string
	SnapshotID  string
	Forced      bool
	PushedAt    time.Time
	Status      string
	Detail      string
}

// Journal records the commands that changed a project or its remote.
type Journal interface {
	// StartOperation inserts an operation and returns it with its assigned ID.
	StartOperation(operation, parameters, project string) (*Operation, error)

	// FinishOperation stamps the finish time and final status of an operation.
	FinishOperation(id int64, status, detail string) error

	// ListOperations returns the most recent operations, newest first.
	ListOperations(limit int) ([]*Operation, error)

	// RecordPush stores a publish attempt.
	RecordPush(p *PushRecord) error

	// ListPushes returns the most recent publish attempts, newest first.
	ListPushes(limit int) ([]*PushRecord, error)

	// MaxOperationID returns the highest operation ID, or 0 if none exist.
	MaxOperationID() (int64, error)

	// BackupTo writes a consistent copy of the journal to path.
	BackupTo(path string) error

	// CheckMigrations verifies the schema is current.
	CheckMigrations() error

	Close() error
}

// Vault stores copies of the journal away from the machine.
type Vault interface {
	// PutMetadata stores a named item for a host. size is the number of
	// bytes read from r; version is stored alongside for consistency checks.
	PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error

	// GetMetadata writes a named item for a host to w.
	GetMetadata(hostID string, name string, w io.Writer) error

	// GetMetadataVersion returns the stored version, or 0 when absent.
	GetMetadataVersion(hostID string, name string) (int64, error)

	// ValidateSetup verifies that the vault is reachable and usable.
	ValidateSetup() error
}

// Encryptor protects small secrets at rest, such as the session record.
type Encryptor interface {
	// Setup generates key material. It fails if keys already exist.
	Setup() error

	// IsConfigured reports whether key material exists.
	IsConfigured() bool

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Decrypt reads ciphertext from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer) error
}
