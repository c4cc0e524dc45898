// Package snapshot archives the frame, overlay and grid of every confirmed
// save so a calibration can be reviewed later.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/metrics"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// Entry is one archived calibration.
type Entry struct {
	SpotID     string
	Taken      time.Time
	FrameJPEG  []byte
	OverlayPNG []byte
	Grid       types.GridConfig
}

// Status is reported on the operator page.
type Status struct {
	Enabled      bool      `json:"enabled"`
	Dir          string    `json:"dir,omitempty"`
	Written      uint64    `json:"written"`
	Dropped      uint64    `json:"dropped"`
	BytesWritten uint64    `json:"bytes_written"`
	LastFile     string    `json:"last_file,omitempty"`
	LastWrite    time.Time `json:"last_write"`
}

// Archive writes entries from a background goroutine. An Archive with an
// empty directory accepts and discards everything.
type Archive struct {
	dir     string
	metrics *metrics.Metrics

	mu           sync.RWMutex
	written      uint64
	dropped      atomic.Uint64
	bytesWritten uint64
	lastFile     string
	lastWrite    time.Time
	closed       bool

	entries chan Entry
	wg      sync.WaitGroup
}

// New creates the directory if needed and starts the writer. m may be nil.
func New(dir string, m *metrics.Metrics) (*Archive, error) {
	if m == nil {
		m = metrics.New()
	}
	a := &Archive{dir: dir, metrics: m, entries: make(chan Entry, 8)}
	if dir == "" {
		return a, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	a.wg.Add(1)
	go a.writeEntries()
	return a, nil
}

// Enabled reports whether entries are written anywhere.
func (a *Archive) Enabled() bool { return a.dir != "" }

// Submit queues e without blocking. It reports false when the entry was
// not queued.
func (a *Archive) Submit(e Entry) bool {
	if !a.Enabled() {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	select {
	case a.entries <- e:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

func (a *Archive) writeEntries() {
	defer a.wg.Done()
	for e := range a.entries {
		if err := a.write(e); err != nil {
			logger.Warn("Snapshot", "archive spot %s: %v", e.SpotID, err)
		}
	}
}

func (a *Archive) write(e Entry) error {
	if e.Taken.IsZero() {
		e.Taken = time.Now()
	}
	base := fmt.Sprintf("%s_%s", e.SpotID, e.Taken.Format("20060102_150405"))

	grid, err := json.MarshalIndent(e.Grid, "", "  ")
	if err != nil {
		return fmt.Errorf("encode grid: %w", err)
	}
	files := []struct {
		suffix string
		data   []byte
	}{
		{"_frame.jpg", e.FrameJPEG},
		{"_overlay.png", e.OverlayPNG},
		{"_grid.json", grid},
	}

	var total uint64
	for _, f := range files {
		if len(f.data) == 0 {
			continue
		}
		path := filepath.Join(a.dir, base+f.suffix)
		if err := os.WriteFile(path, f.data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		total += uint64(len(f.data))
	}

	a.mu.Lock()
	a.written++
	a.bytesWritten += total
	a.lastFile = base
	a.lastWrite = time.Now()
	a.mu.Unlock()

	a.metrics.SnapshotsWritten.Add(1)
	a.metrics.SnapshotBytes.Add(total)
	logger.Info("Snapshot", "archived %s (%d bytes)", base, total)
	return nil
}

// Status returns the writer counters.
func (a *Archive) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		Enabled:      a.Enabled(),
		Dir:          a.dir,
		Written:      a.written,
		Dropped:      a.dropped.Load(),
		BytesWritten: a.bytesWritten,
		LastFile:     a.lastFile,
		LastWrite:    a.lastWrite,
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (a *Archive) Close() error {
	if !a.Enabled() {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.entries)
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}
