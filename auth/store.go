// Package auth implements the OAuth2/PKCE token layer and the serialized
// authorized-request path every web API call goes through.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Token is the credential pair. It is replaced as a whole on refresh, never
// mutated in place.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Store persists the current token pair to a JSON file and exposes it as a
// read/replace value.
type Store struct {
	path string

	mu  sync.Mutex
	tok *Token
}

func NewStore(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed reading token file: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		log.WithError(err).Warnf("ignoring unreadable token file %s", path)
		return s, nil
	}

	s.tok = &tok
	log.Debugf("loaded stored token from %s", path)
	return s, nil
}

// Token returns the current pair, if any.
func (s *Store) Token() (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok == nil {
		return Token{}, false
	}
	return *s.tok, true
}

// Save replaces the stored pair and persists it.
func (s *Store) Save(tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tok = &tok

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed marshalling token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed creating token directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed writing token file: %w", err)
	}

	return nil
}

// Clear drops the stored pair, forcing a new login.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tok = nil

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed removing token file: %w", err)
	}
	return nil
}
