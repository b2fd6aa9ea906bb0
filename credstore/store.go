// Package credstore persists a single credential record as a JSON file.
//
// The record is written as {"email": "...", "password": "..."}. A missing or empty file means that
// no credentials are stored; it is not an error.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/arloliu/go-devlink/logger"
)

// DefaultFileName is the file name used when a Store is created with an empty path.
const DefaultFileName = ".credentials"

var (
	// ErrCorruptRecord indicates that the stored record can't be decoded.
	ErrCorruptRecord = errors.New("credential record is corrupt")

	// ErrEmptyIdentifier indicates that Save was called with an empty identifier.
	ErrEmptyIdentifier = errors.New("credential identifier is empty")
)

// Credentials is the stored credential record.
type Credentials struct {
	Identifier string `json:"email"`
	Secret     string `json:"password"`
}

// Store reads and writes the credential record at a fixed path.
type Store struct {
	path   string
	perm   fs.FileMode
	logger logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger of the store.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFileMode sets the permission bits of the record file. The default is 0600.
func WithFileMode(perm fs.FileMode) Option {
	return func(s *Store) {
		s.perm = perm
	}
}

// NewStore creates a Store for the record file at path. An empty path uses DefaultFileName in the
// working directory.
func NewStore(path string, opts ...Option) *Store {
	if path == "" {
		path = DefaultFileName
	}

	s := &Store{
		path:   path,
		perm:   0o600,
		logger: logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Path returns the path of the record file.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored credentials, or nil if none are stored. A missing file, an empty file and
// a file holding JSON null all mean no record.
//
// An error wrapping ErrCorruptRecord is returned if the file content is not a valid record.
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	if len(data) == 0 {
		return nil, nil //nolint:nilnil
	}

	var cred *Credentials
	if err := json.Unmarshal(data, &cred); err != nil {
		s.logger.Warn("corrupt credential record", "path", s.path, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}

	// a JSON null holds no record
	return cred, nil
}

// Save stores the credentials, replacing any previous record.
//
// The record is written to a temporary file in the same directory and renamed over the old one,
// so a failed save leaves the previous record intact.
func (s *Store) Save(identifier string, secret string) error {
	if identifier == "" {
		return ErrEmptyIdentifier
	}

	data, err := json.Marshal(Credentials{Identifier: identifier, Secret: secret})
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to save credentials: %w", cause)
	}

	if err := tmp.Chmod(s.perm); err != nil {
		return cleanup(err)
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	s.logger.Debug("credentials saved", "path", s.path)

	return nil
}

// Delete removes the stored credentials. Deleting when no record is stored succeeds.
func (s *Store) Delete() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}

	s.logger.Debug("credentials deleted", "path", s.path)

	return nil
}
