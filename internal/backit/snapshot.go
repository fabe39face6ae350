package backit

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// Snapshot is one entry of the linear history. ID is the full content hash
// assigned by the backend; ParentID is empty for the root snapshot.
type Snapshot struct {
	ID        string
	ShortID   string
	ParentID  string
	Message   string
	Timestamp time.Time
}

// IsRoot reports whether s has no parent.
func (s Snapshot) IsRoot() bool { return s.ParentID == "" }

// Profile is the account identity obtained after authorization.
type Profile struct {
	Login     string
	Name      string
	AvatarURL string
	Avatar    []byte // PNG thumbnail; nil when unavailable
}

// DisplayName returns Name, falling back to Login.
func (p *Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Login
}

// RemoteTarget is a push destination. Token is held in memory only.
type RemoteTarget struct {
	URL    string
	Branch string
	Token  string
}

// DefaultBranch is the remote primary branch used when a target names none.
const DefaultBranch = "master"

// PrimaryBranch returns the target branch or DefaultBranch.
func (r RemoteTarget) PrimaryBranch() string {
	if r.Branch == "" {
		return DefaultBranch
	}
	return r.Branch
}

// String returns the URL with any embedded credentials redacted.
func (r RemoteTarget) String() string {
	return RedactURL(r.URL)
}

// Validate checks that the target has a usable URL without embedded credentials.
func (r RemoteTarget) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return &ValidationError{Field: "remote", Reason: "url is empty"}
	}
	if strings.HasPrefix(r.URL, "-") {
		return &ValidationError{Field: "remote", Reason: "url must not start with '-'"}
	}
	if u, err := url.Parse(r.URL); err == nil && u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			return &ValidationError{Field: "remote", Reason: "url must not embed credentials"}
		}
	}
	if strings.ContainsAny(r.PrimaryBranch(), " ~^:?*[\\") || strings.HasPrefix(r.PrimaryBranch(), "-") {
		return &ValidationError{Field: "branch", Reason: "invalid branch name " + r.PrimaryBranch()}
	}
	return nil
}

// RedactURL strips user info from a URL. Unparseable input is returned as is.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// ValidateMessage checks a snapshot message and returns it trimmed.
// Control characters, including newlines and the log field and record
// delimiters, are rejected so a message always fits on one log record.
func ValidateMessage(message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	for _, r := range message {
		if unicode.IsControl(r) {
			return "", &ValidationError{Field: "message", Reason: "must not contain control characters"}
		}
	}
	return message, nil
}

// ValidateRelativePath checks that p names something inside the working tree
// and returns it in slash form.
func ValidateRelativePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", &ValidationError{Field: "path", Reason: "empty path"}
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", &ValidationError{Field: "path", Reason: p + " is absolute"}
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &ValidationError{Field: "path", Reason: p + " is outside the working tree"}
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return "", &ValidationError{Field: "path", Reason: p + " is inside the repository metadata"}
	}
	if strings.HasPrefix(clean, "-") {
		return "", &ValidationError{Field: "path", Reason: p + " must not start with '-'"}
	}
	return clean, nil
}

// ValidateRevision rejects revision strings that could be parsed as options.
func ValidateRevision(rev string) error {
	if rev == "" {
		return &ValidationError{Field: "snapshot", Reason: "empty snapshot id"}
	}
	if strings.HasPrefix(rev, "-") || strings.ContainsAny(rev, " \t\n") {
		return &ValidationError{Field: "snapshot", Reason: "malformed snapshot id " + rev}
	}
	return nil
}
