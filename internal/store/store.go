package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Parsed script metadata, keyed by content hash, locale and file name.
	GetMeta(key string) (*ScriptMeta, error)
	PutMeta(key string, meta *ScriptMeta) error
	// PruneMeta deletes every cached entry for which keep returns false and
	// reports how many were removed.
	PruneMeta(keep func(key string) bool) (int, error)

	// Host settings
	GetSetting(name string) (string, error)
	SetSetting(name, value string) error

	// Close the store
	Close() error
}
