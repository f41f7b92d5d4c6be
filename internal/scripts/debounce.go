package scripts

import "time"

type debounceState int

const (
	stateIdle debounceState = iota
	statePending
)

// debouncer collapses bursts of triggers into one firing after a quiet
// window. It is not safe for concurrent use; the watcher loop owns it and
// receives firings on C.
type debouncer struct {
	window time.Duration
	timer  *time.Timer
	state  debounceState
}

func newDebouncer(window time.Duration) *debouncer {
	t := time.NewTimer(window)
	t.Stop()
	return &debouncer{window: window, timer: t}
}

// Trigger starts the window, or restarts it when one is already pending.
func (d *debouncer) Trigger() {
	d.stopTimer()
	d.timer.Reset(d.window)
	d.state = statePending
}

// C delivers one value when a pending window elapses.
func (d *debouncer) C() <-chan time.Time { return d.timer.C }

// Fired records that the window elapsed.
func (d *debouncer) Fired() { d.state = stateIdle }

// Pending reports whether a window is running.
func (d *debouncer) Pending() bool { return d.state == statePending }

// Cancel drops a pending window.
func (d *debouncer) Cancel() {
	d.stopTimer()
	d.state = stateIdle
}

func (d *debouncer) stopTimer() {
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
}
