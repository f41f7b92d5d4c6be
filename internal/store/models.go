package store

import (
	"strings"
	"time"
)

// ScriptMeta is the cached result of parsing a script's documentation block.
type ScriptMeta struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Descriptions map[string]string `json:"descriptions,omitempty"`
	ParsedAt     time.Time         `json:"parsed_at"`
}

// Setting names.
const (
	SettingLocale = "locale"
)

// MetaKey builds the cache key for a script's metadata.
func MetaKey(hash, locale, name string) string {
	return strings.Join([]string{hash, locale, name}, "|")
}
