// Package tokenstore provides durable session.TokenStore implementations.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-authgate/storefront-cli/session"
)

// Record is what is persisted for one profile: the token pair and the
// user returned at login.
type Record struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	User         json.RawMessage `json:"user,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// fileData is the on-disk layout, keyed by profile (the API base URL).
type fileData struct {
	Profiles map[string]*Record `json:"profiles"`
}

// FileStore keeps sessions in a JSON file shared by several profiles and
// processes. Writes go through a lock file and an atomic rename, so readers
// always see a complete file.
type FileStore struct {
	path    string
	profile string

	mu sync.Mutex
}

// NewFileStore returns a store for profile inside the file at path.
func NewFileStore(path, profile string) *FileStore {
	return &FileStore{path: path, profile: profile}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(_ context.Context) (session.TokenPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load()
	if err != nil || rec == nil {
		return session.TokenPair{}, false, err
	}

	return session.TokenPair{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken}, true, nil
}

func (s *FileStore) Set(ctx context.Context, pair session.TokenPair) error {
	return s.update(ctx, func(profiles map[string]*Record) {
		rec := profiles[s.profile]
		if rec == nil {
			rec = &Record{}
			profiles[s.profile] = rec
		}
		rec.AccessToken = pair.AccessToken
		rec.RefreshToken = pair.RefreshToken
		rec.UpdatedAt = time.Now()
	})
}

// Clear removes the profile's tokens and user. Other profiles are kept.
func (s *FileStore) Clear(ctx context.Context) error {
	return s.update(ctx, func(profiles map[string]*Record) {
		delete(profiles, s.profile)
	})
}

// SetUser stores the logged-in user next to the tokens.
func (s *FileStore) SetUser(ctx context.Context, user json.RawMessage) error {
	return s.update(ctx, func(profiles map[string]*Record) {
		rec := profiles[s.profile]
		if rec == nil {
			rec = &Record{}
			profiles[s.profile] = rec
		}
		rec.User = user
		rec.UpdatedAt = time.Now()
	})
}

// User returns the stored user, or nil.
func (s *FileStore) User(_ context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load()
	if err != nil || rec == nil {
		return nil, err
	}

	return rec.User, nil
}

// load returns the profile's record, or nil when the file or profile does
// not exist. Callers hold s.mu.
func (s *FileStore) load() (*Record, error) {
	data, err := s.readFile()
	if err != nil {
		return nil, err
	}

	return data.Profiles[s.profile], nil
}

func (s *FileStore) readFile() (fileData, error) {
	var data fileData

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return data, fmt.Errorf("reading token file: %w", err)
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("parsing token file: %w", err)
	}

	return data, nil
}

// update applies fn to the profile map under both locks and writes the
// result atomically.
func (s *FileStore) update(ctx context.Context, fn func(profiles map[string]*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := acquireFileLock(ctx, s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	data, err := s.readFile()
	if err != nil {
		if !isCorrupt(err) {
			return err
		}
		// A corrupt file is replaced rather than blocking login forever.
		data = fileData{}
	}
	if data.Profiles == nil {
		data.Profiles = make(map[string]*Record)
	}

	fn(data.Profiles)

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// isCorrupt reports whether err came from decoding the file rather than
// reading it. Only a file that could be read but not decoded is replaced.
func isCorrupt(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
