// SPDX-License-Identifier: MIT

// Package secrets abstracts the name→value secret store. Secrets are read at
// startup; rotating one requires a restart.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Well-known secret names.
const (
	KeySMSAPIKey       = "SMS_API_KEY"
	KeyVAPIDPublicKey  = "VAPID_PUBLIC_KEY"
	KeyVAPIDPrivateKey = "VAPID_PRIVATE_KEY"
)

// ErrNotFound is returned when a secret is absent from the store.
var ErrNotFound = errors.New("secrets: not found")

// Store resolves secret names to values.
type Store interface {
	Get(name string) (string, error)
}

// EnvStore reads secrets from process environment variables.
type EnvStore struct{}

// Get returns the environment variable with the given name.
func (EnvStore) Get(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// FileStore reads a single JSON object of name→value pairs, the same blob
// shape the hosted secret manager hands out.
type FileStore struct {
	values map[string]string
}

// OpenFileStore loads and parses the JSON secret blob at path.
func OpenFileStore(path string) (*FileStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("secrets: parse %s: %w", path, err)
	}
	return &FileStore{values: values}, nil
}

// Get returns the named secret from the loaded blob.
func (s *FileStore) Get(name string) (string, error) {
	v, ok := s.values[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// Static is a fixed in-memory store for tests.
type Static map[string]string

// Get returns the named secret from the map.
func (s Static) Get(name string) (string, error) {
	v, ok := s[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// Open selects the file-backed store when a path is configured, otherwise the
// environment-backed one.
func Open(filePath string) (Store, error) {
	if filePath != "" {
		return OpenFileStore(filePath)
	}
	return EnvStore{}, nil
}
