package scripts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TiagoJoseMS/script-manager/internal/store"
)

// ScriptExt is the extension of script files.
const ScriptExt = ".lua"

// MetaCache persists parsed metadata across restarts.
type MetaCache interface {
	GetMeta(key string) (*store.ScriptMeta, error)
	PutMeta(key string, meta *store.ScriptMeta) error
	PruneMeta(keep func(key string) bool) (int, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLocale sets the locale descriptions are chosen for.
func WithLocale(locale string) Option {
	return func(r *Registry) { r.locale = NormalizeLocale(locale) }
}

// WithMetaCache enables the persistent metadata cache.
func WithMetaCache(c MetaCache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithoutExample disables writing the example script into an empty directory.
func WithoutExample() Option {
	return func(r *Registry) { r.bootstrap = false }
}

type entry struct {
	Descriptor
	locale string // locale the metadata was chosen for
}

// Registry is the authoritative set of scripts in one directory.
// Scan is the only mutator; everything else reads.
type Registry struct {
	dir       string
	logger    *slog.Logger
	cache     MetaCache
	bootstrap bool

	scanMu sync.Mutex

	mu         sync.RWMutex
	scripts    map[string]*entry
	locale     string
	lastScan   time.Time
	scans      int
	monitoring MonitoringState
	watchErr   string
	closed     bool

	parses atomic.Int64
}

// Open prepares dir, writes the example script when the directory has no
// scripts yet, and performs the first scan.
func Open(dir string, opts ...Option) (*Registry, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve scripts dir: %w", err)
	}
	r := &Registry{
		dir:        abs,
		logger:     slog.Default(),
		bootstrap:  true,
		scripts:    make(map[string]*entry),
		locale:     LocaleEN,
		monitoring: MonitoringUnavailable,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}

	if r.bootstrap {
		files, err := listScripts(abs)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			path, err := writeExample(abs, r.locale)
			if err != nil {
				r.logger.Warn("example script not created", "err", err)
			} else {
				r.logger.Info("example script created", "path", path)
			}
		}
	}

	if _, err := r.Scan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the absolute scripts directory.
func (r *Registry) Dir() string { return r.dir }

// Locale returns the active locale.
func (r *Registry) Locale() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locale
}

// SetLocale switches the description locale. Descriptors are re-parsed on
// the next scan. It returns the normalised locale.
func (r *Registry) SetLocale(locale string) string {
	locale = NormalizeLocale(locale)
	r.mu.Lock()
	r.locale = locale
	r.mu.Unlock()
	return locale
}

// Scan reconciles the descriptor set with the directory contents. New files
// are parsed, vanished files dropped, and files whose size or mtime changed
// are hashed and re-parsed only when the content differs. Scans never run
// concurrently.
func (r *Registry) Scan() (ScanResult, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	files, err := listScripts(r.dir)
	if err != nil {
		return ScanResult{}, err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ScanResult{}, errors.New("registry closed")
	}
	locale := r.locale
	current := r.scripts
	r.mu.RUnlock()

	var res ScanResult
	next := make(map[string]*entry, len(files))
	for path, info := range files {
		old := current[path]
		if old != nil && old.locale == locale && old.Size == info.Size() && old.ModTime.Equal(info.ModTime()) {
			next[path] = old
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			// Vanished between listing and reading; the next scan settles it.
			r.logger.Debug("read script", "path", path, "err", err)
			continue
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])

		e := &entry{locale: locale}
		if old != nil && old.locale == locale && old.Hash == hash {
			e.Descriptor = old.clone()
		} else {
			meta := r.metadata(data, filepath.Base(path), hash, locale)
			e.Descriptor = Descriptor{
				Path:         path,
				Name:         filepath.Base(path),
				Title:        meta.Title,
				Description:  meta.Description,
				Descriptions: meta.Descriptions,
				Hash:         hash,
			}
			if old == nil {
				res.Added = append(res.Added, path)
			} else {
				res.Updated = append(res.Updated, path)
			}
		}
		e.ModTime = info.ModTime()
		e.Size = info.Size()
		next[path] = e
	}
	for path := range current {
		if _, ok := next[path]; !ok {
			res.Removed = append(res.Removed, path)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	sort.Strings(res.Updated)
	res.Total = len(next)

	r.mu.Lock()
	r.scripts = next
	r.lastScan = time.Now()
	r.scans++
	r.mu.Unlock()

	if res.Changed() {
		r.logger.Info("scripts scanned",
			"added", len(res.Added), "removed", len(res.Removed),
			"updated", len(res.Updated), "total", res.Total)
	}
	return res, nil
}

// metadata parses data, consulting the cache first.
func (r *Registry) metadata(data []byte, name, hash, locale string) Metadata {
	key := store.MetaKey(hash, locale, name)
	if r.cache != nil {
		if m, err := r.cache.GetMeta(key); err == nil {
			return Metadata{Title: m.Title, Description: m.Description, Descriptions: m.Descriptions}
		} else if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("metadata cache read", "key", key, "err", err)
		}
	}

	meta := ParseMetadata(string(data), name, locale)
	r.parses.Add(1)

	if r.cache != nil {
		err := r.cache.PutMeta(key, &store.ScriptMeta{
			Title:        meta.Title,
			Description:  meta.Description,
			Descriptions: meta.Descriptions,
			ParsedAt:     time.Now(),
		})
		if err != nil {
			r.logger.Warn("metadata cache write", "key", key, "err", err)
		}
	}
	return meta
}

// Snapshot returns copies of all descriptors ordered by title
// (case-insensitive), then path.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.scripts))
	for _, e := range r.scripts {
		out = append(out, e.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := strings.ToLower(out[i].Title), strings.ToLower(out[j].Title)
		if ti != tj {
			return ti < tj
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Get returns the descriptor for a tracked path.
func (r *Registry) Get(path string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.scripts[filepath.Clean(path)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return e.clone(), nil
}

// Lookup finds a script by absolute path, file name, or file name without
// extension.
func (r *Registry) Lookup(ref string) (Descriptor, error) {
	if filepath.IsAbs(ref) {
		return r.Get(ref)
	}
	name := filepath.Base(ref)
	if !strings.EqualFold(filepath.Ext(name), ScriptExt) {
		name += ScriptExt
	}
	return r.Get(filepath.Join(r.dir, name))
}

// Resolve returns the current source of a tracked script. Untracked paths are
// refused even when the file exists.
func (r *Registry) Resolve(path string) (string, error) {
	d, err := r.Get(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(d.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}

// Status reports the registry and monitoring state.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Dir:        r.dir,
		Monitoring: r.monitoring,
		Scripts:    len(r.scripts),
		LastScan:   r.lastScan,
		Scans:      r.scans,
		WatchError: r.watchErr,
		Locale:     r.locale,
	}
}

func (r *Registry) setMonitoring(state MonitoringState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitoring = state
	if err != nil {
		r.watchErr = err.Error()
	} else if state == MonitoringActive {
		r.watchErr = ""
	}
}

func (r *Registry) setWatchError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchErr = err.Error()
}

// Close prunes cache entries that no longer match a tracked script and stops
// further scans.
func (r *Registry) Close() error {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	live := make(map[string]bool, len(r.scripts))
	for _, e := range r.scripts {
		live[store.MetaKey(e.Hash, e.locale, e.Name)] = true
	}
	r.mu.Unlock()

	if r.cache == nil {
		return nil
	}
	removed, err := r.cache.PruneMeta(func(key string) bool { return live[key] })
	if err != nil {
		return fmt.Errorf("prune metadata cache: %w", err)
	}
	if removed > 0 {
		r.logger.Debug("metadata cache pruned", "removed", removed)
	}
	return nil
}

// isScriptName reports whether a directory entry name is a candidate script.
func isScriptName(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ScriptExt)
}

// listScripts returns the script files directly inside dir. A missing
// directory is empty.
func listScripts(dir string) (map[string]fs.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]fs.FileInfo{}, nil
		}
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	files := make(map[string]fs.FileInfo, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isScriptName(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files[path] = info
	}
	return files, nil
}
