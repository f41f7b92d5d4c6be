package scripts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/TiagoJoseMS/script-manager/internal/events"
	"github.com/TiagoJoseMS/script-manager/internal/sandbox"
	"github.com/TiagoJoseMS/script-manager/internal/store"
)

// Settings persists host preferences.
type Settings interface {
	GetSetting(name string) (string, error)
	SetSetting(name, value string) error
}

// ScriptsChanged is the payload of events.EventScriptsChanged.
type ScriptsChanged struct {
	ScanResult
	Scripts []Descriptor `json:"scripts"`
}

// Notification is the payload of events.EventScriptNotify.
type Notification struct {
	Script  string    `json:"script"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSettings persists the locale choice.
func WithSettings(s Settings) ServiceOption {
	return func(svc *Service) { svc.settings = s }
}

// WithOpener sets how OpenScriptsFolder shows the directory.
func WithOpener(o FolderOpener) ServiceOption {
	return func(svc *Service) { svc.opener = o }
}

// WithVersion sets the version reported to scripts.
func WithVersion(v string) ServiceOption {
	return func(svc *Service) { svc.version = v }
}

// Service is the single entry point used by the HTTP API, the MQTT bridge
// and the CLI. It also implements sandbox.Host.
type Service struct {
	reg      *Registry
	exec     sandbox.Executor
	builder  *sandbox.Builder
	bus      *events.Bus
	settings Settings
	opener   FolderOpener
	version  string
	logger   *slog.Logger

	mu             sync.Mutex
	watcher        *Watcher
	lastMonitoring MonitoringState
}

// NewService wires the registry, executor and event bus together.
func NewService(reg *Registry, exec sandbox.Executor, bus *events.Bus, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		reg:     reg,
		exec:    exec,
		bus:     bus,
		opener:  SystemOpener{},
		version: "dev",
		logger:  logger.With("component", "scripts"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.builder = sandbox.NewBuilder(s, logger)
	s.lastMonitoring = reg.Status().Monitoring
	return s
}

// StartWatching keeps the registry in sync with the directory.
func (s *Service) StartWatching(opts WatcherOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}
	opts.OnScan = s.handleScan
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	w := NewWatcher(s.reg, opts)
	err := w.Start()
	s.watcher = w
	return err
}

// Close stops watching and closes the registry.
func (s *Service) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		w.Stop()
	}
	return s.reg.Close()
}

// ListScripts returns the current scripts in display order.
func (s *Service) ListScripts() []Descriptor {
	return s.reg.Snapshot()
}

// GetSource returns the source of a tracked script.
func (s *Service) GetSource(ref string) (string, error) {
	d, err := s.reg.Lookup(ref)
	if err != nil {
		return "", err
	}
	return s.reg.Resolve(d.Path)
}

// Run executes a tracked script. The result is never nil; an unknown script
// yields a not-found fault.
func (s *Service) Run(ctx context.Context, ref string) *sandbox.Result {
	d, err := s.reg.Lookup(ref)
	if err != nil {
		return s.finish(sandbox.NotFound(ref, err))
	}
	src, err := s.reg.Resolve(d.Path)
	if err != nil {
		return s.finish(sandbox.NotFound(d.Name, err))
	}
	return s.execute(ctx, sandbox.Script{Name: d.Name, Path: d.Path, Source: src})
}

// RunSource executes source that is not stored in the scripts directory.
func (s *Service) RunSource(ctx context.Context, name, source string) *sandbox.Result {
	if name == "" {
		name = "inline"
	}
	return s.execute(ctx, sandbox.Script{Name: name, Source: source})
}

func (s *Service) execute(ctx context.Context, script sandbox.Script) *sandbox.Result {
	s.logger.Info("running script", "script", script.Name)
	return s.finish(s.exec.Execute(ctx, script, s.builder.Build()))
}

func (s *Service) finish(res *sandbox.Result) *sandbox.Result {
	if res.Fault != nil {
		s.logger.Warn("script failed", "script", res.Script, "kind", res.Fault.Kind, "err", res.Fault.Message)
	}
	s.bus.Emit(events.Event{Type: events.EventScriptExecuted, Data: res})
	return res
}

// Validate reports risky constructs in source.
func (s *Service) Validate(source string) sandbox.Report {
	return sandbox.Validate(source)
}

// Refresh rescans the directory immediately.
func (s *Service) Refresh() (ScanResult, error) {
	s.mu.Lock()
	w := s.watcher
	s.mu.Unlock()
	if w != nil {
		return w.ScanNow()
	}
	res, err := s.reg.Scan()
	if err != nil {
		return res, err
	}
	s.handleScan(res)
	return res, nil
}

// handleScan publishes scan outcomes; it runs on the watcher goroutine.
func (s *Service) handleScan(res ScanResult) {
	if res.Changed() {
		s.bus.Emit(events.Event{
			Type: events.EventScriptsChanged,
			Data: ScriptsChanged{ScanResult: res, Scripts: s.reg.Snapshot()},
		})
	}

	st := s.reg.Status()
	s.mu.Lock()
	changed := st.Monitoring != s.lastMonitoring
	s.lastMonitoring = st.Monitoring
	s.mu.Unlock()
	if changed {
		s.bus.Emit(events.Event{Type: events.EventMonitoringState, Data: st})
	}
}

// OpenScriptsFolder shows the scripts directory in the desktop file manager.
func (s *Service) OpenScriptsFolder() error {
	if s.opener == nil {
		return errors.New("no folder opener configured")
	}
	return s.opener.Open(s.reg.Dir())
}

// Status reports registry and monitoring state.
func (s *Service) Status() Status {
	return s.reg.Status()
}

// Locale returns the active locale.
func (s *Service) Locale() string {
	return s.reg.Locale()
}

// SetLocale switches the description locale, persists it and rescans so
// descriptions follow the new language.
func (s *Service) SetLocale(locale string) (string, error) {
	locale = s.reg.SetLocale(locale)
	if s.settings != nil {
		if err := s.settings.SetSetting(store.SettingLocale, locale); err != nil {
			return locale, fmt.Errorf("save locale: %w", err)
		}
	}
	s.bus.Emit(events.Event{Type: events.EventLocaleChanged, Data: map[string]string{"locale": locale}})
	if _, err := s.Refresh(); err != nil {
		return locale, err
	}
	return locale, nil
}

// Save writes source into the scripts directory under a file name derived
// from name and rescans. An existing file with that name is replaced.
func (s *Service) Save(name, source string) (Descriptor, error) {
	id := slugify(strings.TrimSuffix(name, ScriptExt))
	if !validScriptID(id) {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(s.reg.Dir(), id+ScriptExt)
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return Descriptor{}, fmt.Errorf("write script: %w", err)
	}
	if _, err := s.Refresh(); err != nil {
		return Descriptor{}, err
	}
	return s.reg.Get(path)
}

// Delete removes a tracked script file and rescans.
func (s *Service) Delete(ref string) error {
	d, err := s.reg.Lookup(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(d.Path); err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	_, err = s.Refresh()
	return err
}

// Info implements sandbox.Host.
func (s *Service) Info() sandbox.HostInfo {
	return sandbox.HostInfo{
		Version:    s.version,
		Locale:     s.reg.Locale(),
		ScriptsDir: s.reg.Dir(),
	}
}

// Scripts implements sandbox.Host.
func (s *Service) Scripts() []sandbox.ScriptInfo {
	snap := s.reg.Snapshot()
	out := make([]sandbox.ScriptInfo, 0, len(snap))
	for _, d := range snap {
		out = append(out, sandbox.ScriptInfo{Path: d.Path, Title: d.Title, Description: d.Description})
	}
	return out
}

// Notify implements sandbox.Host.
func (s *Service) Notify(script, message string) {
	s.logger.Info("script notification", "script", script, "msg", message)
	s.bus.Emit(events.Event{
		Type: events.EventScriptNotify,
		Data: Notification{Script: script, Message: message, Time: time.Now()},
	})
}

// validScriptID checks that a script ID is safe to use as a filename component.
func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	return !strings.HasPrefix(id, ".") && !strings.HasPrefix(id, "__")
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
