// Package store holds the small document repositories used for settings,
// favorites and per-project history. Every Save rewrites the whole document.
package store

import "errors"

// ErrCorrupt is returned by Load when a stored document cannot be decoded.
var ErrCorrupt = errors.New("corrupt document")

// Repository loads and saves whole JSON-serializable documents by key.
type Repository interface {
	// Load decodes the document stored under key into v. It reports false
	// when no document exists.
	Load(key string, v any) (bool, error)
	// Save replaces the document stored under key with v.
	Save(key string, v any) error
}
