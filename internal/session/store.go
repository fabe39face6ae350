// Package session keeps the signed-in user's access token and cached
// profile in an encrypted file.
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"backit-go/internal/backit"
)

// Record is what survives between runs. Absence of the file means signed out.
type Record struct {
	AccessToken string `json:"access_token"`
	Login       string `json:"login,omitempty"`
	Name        string `json:"name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Profile returns the cached profile, or nil when no login is cached.
func (r *Record) Profile() *backit.Profile {
	if r.Login == "" {
		return nil
	}
	return &backit.Profile{Login: r.Login, Name: r.Name, AvatarURL: r.AvatarURL}
}

// SetProfile replaces the cached profile fields.
func (r *Record) SetProfile(p *backit.Profile) {
	if p == nil {
		r.Login, r.Name, r.AvatarURL = "", "", ""
		return
	}
	r.Login, r.Name, r.AvatarURL = p.Login, p.Name, p.AvatarURL
}

// Store reads and writes the session record at a fixed path.
type Store struct {
	path      string
	encryptor backit.Encryptor
}

// NewStore creates a Store for the record at path.
func NewStore(path string, encryptor backit.Encryptor) *Store {
	return &Store{path: path, encryptor: encryptor}
}

// Load returns the stored record, or nil if there is none.
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var plain bytes.Buffer
	if err := s.encryptor.Decrypt(bytes.NewReader(data), &plain); err != nil {
		return nil, fmt.Errorf("decrypting session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(plain.Bytes(), &rec); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if rec.AccessToken == "" {
		return nil, fmt.Errorf("session record has no access token")
	}
	return &rec, nil
}

// Save encrypts rec and replaces the stored record. Key material is
// created on first use.
func (s *Store) Save(rec *Record) error {
	if rec == nil || rec.AccessToken == "" {
		return &backit.ValidationError{Field: "session", Reason: "access token is required"}
	}
	if !s.encryptor.IsConfigured() {
		if err := s.encryptor.Setup(); err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
	}

	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("creating session file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("restricting session file: %w", err)
	}
	if err := s.encryptor.Encrypt(bytes.NewReader(plain), tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("encrypting session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing session file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

// Clear removes the stored record. Clearing an absent record is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}
