package scripts

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a path is not a tracked script.
	ErrNotFound = errors.New("script not found")
	// ErrInvalidName is returned by Save when a name yields no usable file name.
	ErrInvalidName = errors.New("invalid script name")
)

// Descriptor is the registry's record of one script file.
type Descriptor struct {
	Path         string            `json:"path"`
	Name         string            `json:"name"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Descriptions map[string]string `json:"descriptions,omitempty"`
	ModTime      time.Time         `json:"mod_time"`
	Size         int64             `json:"size"`
	Hash         string            `json:"hash"`
}

func (d *Descriptor) clone() Descriptor {
	c := *d
	if d.Descriptions != nil {
		c.Descriptions = make(map[string]string, len(d.Descriptions))
		for k, v := range d.Descriptions {
			c.Descriptions[k] = v
		}
	}
	return c
}

// ScanResult summarises one reconciliation pass.
type ScanResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Updated []string `json:"updated"`
	Total   int      `json:"total"`
}

// Changed reports whether the scan altered the descriptor set.
func (r ScanResult) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.Updated) > 0
}

// MonitoringState describes how the scripts directory is being observed.
type MonitoringState string

const (
	MonitoringActive      MonitoringState = "active"
	MonitoringPolling     MonitoringState = "polling"
	MonitoringUnavailable MonitoringState = "unavailable"
)

// Status is a point-in-time view of the registry and its watcher.
type Status struct {
	Dir        string          `json:"dir"`
	Monitoring MonitoringState `json:"monitoring"`
	Scripts    int             `json:"scripts"`
	LastScan   time.Time       `json:"last_scan"`
	Scans      int             `json:"scans"`
	WatchError string          `json:"watch_error,omitempty"`
	Locale     string          `json:"locale"`
}
