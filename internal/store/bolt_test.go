package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetMeta(t *testing.T) {
	s := newTestStore(t)

	key := MetaKey("abc123", "en", "hello.lua")
	meta := &ScriptMeta{
		Title:        "Hello Tool",
		Description:  "prints hi",
		Descriptions: map[string]string{"en": "prints hi", "pt_BR": "imprime oi"},
		ParsedAt:     time.Now().Truncate(time.Millisecond),
	}

	if err := s.PutMeta(key, meta); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMeta(key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != meta.Title {
		t.Errorf("title = %q, want %q", got.Title, meta.Title)
	}
	if got.Description != meta.Description {
		t.Errorf("description = %q, want %q", got.Description, meta.Description)
	}
	if got.Descriptions["pt_BR"] != "imprime oi" {
		t.Errorf("descriptions = %v", got.Descriptions)
	}
	if !got.ParsedAt.Equal(meta.ParsedAt) {
		t.Errorf("parsed_at = %v, want %v", got.ParsedAt, meta.ParsedAt)
	}
}

func TestGetMetaNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMeta("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPruneMeta(t *testing.T) {
	s := newTestStore(t)

	for _, k := range []string{"h1|en|a.lua", "h2|en|b.lua", "h3|en|c.lua"} {
		if err := s.PutMeta(k, &ScriptMeta{Title: k}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.PruneMeta(func(key string) bool { return strings.HasPrefix(key, "h2") })
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, err := s.GetMeta("h2|en|b.lua"); err != nil {
		t.Errorf("kept entry missing: %v", err)
	}
	if _, err := s.GetMeta("h1|en|a.lua"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pruned entry still present: %v", err)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetSetting(SettingLocale); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.SetSetting(SettingLocale, "pt_BR"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSetting(SettingLocale)
	if err != nil {
		t.Fatal(err)
	}
	if got != "pt_BR" {
		t.Errorf("locale = %q, want pt_BR", got)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting(SettingLocale, "de_DE"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got, _ := s.GetSetting(SettingLocale); got != "de_DE" {
		t.Errorf("locale after reopen = %q, want de_DE", got)
	}
}

func TestMetaKey(t *testing.T) {
	if got := MetaKey("h", "en", "a.lua"); got != "h|en|a.lua" {
		t.Errorf("MetaKey = %q", got)
	}
}
