// Package diag implements the image state dump referenced in spec.md §5
// ("the image dumps its state for debugging"), adapted from the teacher's
// internal/trace: instead of a Chrome trace event stream (there is nothing
// to visualize as a timeline here, only a point-in-time snapshot), it
// writes a single structured JSON document describing the transaction
// engine, bitmap cache, and pending-request lists of one image.
package diag

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var (
	sinkMu sync.Mutex
	sink   io.Writer = io.Discard
)

// Sink directs future Dump calls to w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
}

// Enable is a convenience function creating $TMPDIR/tapdisk3.diag/prefix.<timestamp>-<pid>,
// mirroring the teacher's trace.Enable layout.
func Enable(prefix string) error {
	fn := filepath.Join(os.TempDir(), "tapdisk3.diag", prefixedName(prefix))
	if err := os.MkdirAll(filepath.Dir(fn), 0o755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

func prefixedName(prefix string) string {
	return prefix + "." + timeNow().Format("20060102T150405") + "-" + strconv.Itoa(os.Getpid())
}

var timeNow = time.Now

// BitmapCacheSnapshot mirrors bitmapcache.Cache.ResidentBlocks without
// internal/diag importing internal/bitmapcache, so the dependency runs
// transaction-engine → diag, not the reverse.
type BitmapCacheSnapshot struct {
	ResidentBlocks []int `json:"resident_blocks"`
}

// PendingRequest is one in-flight or queued request, as reported by the
// transaction engine.
type PendingRequest struct {
	Block    int    `json:"block"`
	State    string `json:"state"`
	Retries  int    `json:"retries"`
}

// Snapshot is the full point-in-time state of one image.
type Snapshot struct {
	Image          string               `json:"image"`
	Timestamp      time.Time            `json:"timestamp"`
	Dead           bool                 `json:"dead"`
	LastActivity   time.Time            `json:"last_activity"`
	BitmapCache    BitmapCacheSnapshot  `json:"bitmap_cache"`
	PendingByBlock []PendingRequest     `json:"pending"`
	FailedCount    int                  `json:"failed_count"`
}

// Dump serialises snap as a single JSON document to the current sink.
func Dump(snap Snapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = timeNow()
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	_, err = sink.Write(append(b, '\n'))
	return err
}
