package scripts

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher defaults.
const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultPollInterval = 2 * time.Second
)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Debounce     time.Duration
	PollInterval time.Duration
	// OnScan is called on the watcher goroutine after every scan it runs.
	OnScan func(ScanResult)
	Logger *slog.Logger
}

type scanReply struct {
	res ScanResult
	err error
}

// Watcher keeps a Registry in sync with its directory. All of its state is
// owned by one goroutine: filesystem events, the debounce timer, the polling
// ticker and explicit refresh requests are all handled in run.
type Watcher struct {
	reg    *Registry
	opts   WatcherOptions
	logger *slog.Logger

	// owned by run
	fsw        *fsnotify.Watcher
	dirWatched bool
	files      map[string]bool
	deb        *debouncer
	poll       *time.Ticker

	scanReq chan chan scanReply
	stop    chan struct{}
	done    chan struct{}

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWatcher creates a watcher for reg. Call Start to begin watching.
func NewWatcher(reg *Registry, opts WatcherOptions) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		reg:     reg,
		opts:    opts,
		logger:  opts.Logger.With("component", "watcher"),
		files:   make(map[string]bool),
		deb:     newDebouncer(opts.Debounce),
		scanReq: make(chan chan scanReply),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the watcher goroutine. When the platform watcher cannot be
// created the directory is polled instead.
func (w *Watcher) Start() error {
	var err error
	w.startOnce.Do(func() {
		w.fsw, err = fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("filesystem notifications unavailable, polling", "err", err)
			w.fsw = nil
		}
		w.running.Store(true)
		go w.run()
	})
	return err
}

// Stop terminates the watcher goroutine and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if !w.running.Load() {
			return
		}
		close(w.stop)
		<-w.done
		w.running.Store(false)
		w.reg.setMonitoring(MonitoringUnavailable, nil)
	})
}

// ScanNow runs a scan immediately on the watcher goroutine, bypassing the
// debounce window. It falls back to a direct scan when the watcher is not
// running.
func (w *Watcher) ScanNow() (ScanResult, error) {
	if !w.running.Load() {
		return w.reg.Scan()
	}
	reply := make(chan scanReply, 1)
	select {
	case w.scanReq <- reply:
	case <-w.done:
		return w.reg.Scan()
	}
	r := <-reply
	return r.res, r.err
}

func (w *Watcher) run() {
	defer close(w.done)
	defer func() {
		w.deb.Cancel()
		w.stopPolling()
		if w.fsw != nil {
			w.fsw.Close()
		}
	}()

	if w.watchDir() {
		w.syncFiles()
	} else {
		w.startPolling()
	}
	w.logger.Info("watching scripts", "dir", w.reg.Dir(), "polling", w.poll != nil)

	for {
		var (
			events chan fsnotify.Event
			errs   chan error
			pollC  <-chan time.Time
		)
		if w.fsw != nil {
			events, errs = w.fsw.Events, w.fsw.Errors
		}
		if w.poll != nil {
			pollC = w.poll.C
		}

		select {
		case <-w.stop:
			return

		case ev, ok := <-events:
			if !ok {
				w.fsw = nil
				w.dirWatched = false
				w.startPolling()
				continue
			}
			w.handleEvent(ev)

		case err, ok := <-errs:
			if !ok {
				continue
			}
			w.logger.Warn("watch error", "err", err)
			w.reg.setWatchError(err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.deb.Trigger()
			}

		case <-w.deb.C():
			w.deb.Fired()
			w.scan()

		case <-pollC:
			if !w.dirWatched && w.watchDir() {
				w.stopPolling()
				w.logger.Info("scripts dir watch re-established", "dir", w.reg.Dir())
			}
			w.scan()

		case reply := <-w.scanReq:
			w.deb.Cancel()
			res, err := w.scan()
			reply <- scanReply{res, err}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)

	if name == w.reg.Dir() {
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			w.logger.Warn("scripts dir removed, polling", "dir", name)
			w.lostDir()
			w.deb.Trigger()
		}
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		// The kernel drops the watch with the file.
		delete(w.files, name)
	}
	if ev.Op == fsnotify.Chmod {
		return
	}
	if filepath.Dir(name) != w.reg.Dir() || !isScriptName(filepath.Base(name)) {
		return
	}
	w.deb.Trigger()
}

// scan runs one registry scan and re-syncs file watches with the result.
func (w *Watcher) scan() (ScanResult, error) {
	res, err := w.reg.Scan()
	if err != nil {
		w.logger.Error("scan scripts", "err", err)
		w.reg.setWatchError(err)
		return res, err
	}

	if w.dirWatched {
		if _, statErr := os.Stat(w.reg.Dir()); statErr != nil {
			w.lostDir()
		}
	}
	w.syncFiles()

	if w.opts.OnScan != nil {
		w.opts.OnScan(res)
	}
	return res, nil
}

// watchDir adds the directory watch and reports whether it is in place.
func (w *Watcher) watchDir() bool {
	if w.fsw == nil {
		w.reg.setMonitoring(MonitoringPolling, errors.New("filesystem notifications unavailable"))
		return false
	}
	if err := w.fsw.Add(w.reg.Dir()); err != nil {
		w.reg.setMonitoring(MonitoringPolling, err)
		return false
	}
	w.dirWatched = true
	w.reg.setMonitoring(MonitoringActive, nil)
	return true
}

func (w *Watcher) lostDir() {
	if w.fsw != nil && w.dirWatched {
		w.fsw.Remove(w.reg.Dir())
	}
	w.dirWatched = false
	w.files = make(map[string]bool)
	w.reg.setMonitoring(MonitoringPolling, errors.New("scripts directory unavailable"))
	w.startPolling()
}

// syncFiles makes the set of per-file watches match the registry.
func (w *Watcher) syncFiles() {
	if w.fsw == nil || !w.dirWatched {
		return
	}
	want := make(map[string]bool)
	for _, d := range w.reg.Snapshot() {
		want[d.Path] = true
	}
	for path := range w.files {
		if !want[path] {
			w.fsw.Remove(path)
			delete(w.files, path)
		}
	}
	for path := range want {
		if w.files[path] {
			continue
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("watch script", "path", path, "err", err)
			continue
		}
		w.files[path] = true
	}
}

func (w *Watcher) startPolling() {
	if w.poll == nil {
		w.poll = time.NewTicker(w.opts.PollInterval)
	}
}

func (w *Watcher) stopPolling() {
	if w.poll != nil {
		w.poll.Stop()
		w.poll = nil
	}
}
