// Package store owns the durable representation of every access token.
// The flat tokens file is the single source of truth; the in-memory map is
// a cache of it, refreshed whenever the file changes on disk.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/model"
)

// Store loads and saves access tokens from the flat tokens file. All
// methods are safe for concurrent use; Save replaces the file atomically so
// an interrupted write never loses the previous contents.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	tokens map[string]*model.AccessToken

	// modification marker of the file contents currently in memory
	loadedModTime time.Time
	loadedSize    int64
}

// New creates a store bound to the given tokens file and performs the
// initial load. A missing file is not an error; the store starts empty.
func New(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger.With("component", "store"),
		tokens: make(map[string]*model.AccessToken),
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads all tokens from disk, replacing the in-memory set. Malformed
// records are skipped with a warning rather than failing the whole load.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.tokens = make(map[string]*model.AccessToken)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read tokens file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse tokens file: %w", err)
	}

	tokens := make(map[string]*model.AccessToken, len(raw))
	for id, record := range raw {
		var token model.AccessToken
		if err := json.Unmarshal(record, &token); err != nil {
			s.logger.Warn("Skipping malformed token record", "token_id", id, "error", err)
			continue
		}
		token.TokenID = id
		tokens[id] = &token
	}
	s.tokens = tokens
	s.markLoaded()
	return nil
}

// markLoaded records the file's modification marker so Reload can detect
// external writes. Best effort; a failed stat just forces a reload later.
func (s *Store) markLoaded() {
	if info, err := os.Stat(s.path); err == nil {
		s.loadedModTime = info.ModTime()
		s.loadedSize = info.Size()
	} else {
		s.loadedModTime = time.Time{}
		s.loadedSize = -1
	}
}

// Reload re-reads the tokens file if its modification marker differs from
// the one recorded at the last load. An admin tool appending tokens while
// the service runs becomes visible no later than the next call.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat tokens file: %w", err)
	}
	if info.ModTime().Equal(s.loadedModTime) && info.Size() == s.loadedSize {
		return nil
	}

	s.logger.Info("Tokens file changed on disk, reloading", "path", s.path)
	return s.loadLocked()
}

// Save serializes all tokens and atomically replaces the tokens file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	out := make(map[string]*model.AccessToken, len(s.tokens))
	for id, token := range s.tokens {
		out[id] = token
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize tokens: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tokens directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp tokens file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp tokens file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp tokens file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace tokens file: %w", err)
	}

	s.markLoaded()
	return nil
}

// Get returns a deep copy of the token for an id. Stored tokens are never
// handed out live; mutations go through UpsertAndSave so readers and the recording
// path cannot share state.
func (s *Store) Get(tokenID string) (*model.AccessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return nil, false
	}
	return token.Clone(), true
}

// UpsertAndSave replaces a token and persists the full set under one lock
// acquisition. A concurrent Reload cannot interleave between the two steps,
// so the mutation is on disk before anything can replace the in-memory set.
func (s *Store) UpsertAndSave(token *model.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.TokenID] = token
	return s.saveLocked()
}

// BatchAdd inserts tokens and persists them in one save.
func (s *Store) BatchAdd(tokens []*model.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range tokens {
		s.tokens[token.TokenID] = token
	}
	return s.saveLocked()
}

// Snapshot returns deep copies of all tokens, sorted by creation time.
func (s *Store) Snapshot() []*model.AccessToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.AccessToken, 0, len(s.tokens))
	for _, token := range s.tokens {
		out = append(out, token.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].TokenID < out[j].TokenID
	})
	return out
}

// Len returns the number of tokens currently loaded.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
