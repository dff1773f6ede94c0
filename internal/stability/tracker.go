// Package stability decides when a file being written has settled.
//
// The tracker keeps one pending entry per path, refreshed by every
// filesystem event. A sweep hands out each path whose last event is at
// least one quiet window old, removing it from the pending set as it is
// handed out.
package stability

import (
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/fruitsalade/dropsync/internal/events"
	"github.com/fruitsalade/dropsync/internal/metrics"
)

// Filter reports whether events for a path should be dropped.
type Filter interface {
	IsIgnored(path string) bool
}

// Tracker owns the pending set. All methods are safe for concurrent use.
type Tracker struct {
	filter Filter

	mu      sync.Mutex
	pending map[string]time.Time // path -> lastSeenAt
}

// NewTracker creates a tracker. A nil filter ignores nothing.
func NewTracker(filter Filter) *Tracker {
	return &Tracker{
		filter:  filter,
		pending: make(map[string]time.Time),
	}
}

// Observe records or refreshes the pending entry for ev.Path. It returns
// false if the event was ignored.
func (t *Tracker) Observe(ev events.FileEvent) bool {
	if t.filter != nil && t.filter.IsIgnored(ev.Path) {
		metrics.RecordIgnoredEvent()
		return false
	}

	seen := ev.ObservedAt
	if seen.IsZero() {
		seen = time.Now()
	}

	t.mu.Lock()
	// Events can arrive out of order; never move lastSeenAt backwards.
	if prev, ok := t.pending[ev.Path]; !ok || seen.After(prev) {
		t.pending[ev.Path] = seen
	}
	n := len(t.pending)
	t.mu.Unlock()

	metrics.SetPendingFiles(n)
	return true
}

// Sweep returns a lazy sequence of the paths that have been quiet for at
// least quiet as of now, oldest first. A path is removed from the pending
// set right before it is yielded. A path refreshed back inside the quiet
// window after the sweep started is skipped. Breaking out of the loop
// leaves the rest pending.
func (t *Tracker) Sweep(now time.Time, quiet time.Duration) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, path := range t.due(now, quiet) {
			if !t.take(path, now, quiet) {
				continue
			}
			metrics.RecordSettled()
			if !yield(path) {
				return
			}
		}
	}
}

// due snapshots the settled candidates.
func (t *Tracker) due(now time.Time, quiet time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var paths []string
	for path, seen := range t.pending {
		if settled(seen, now, quiet) {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		a, b := t.pending[paths[i]], t.pending[paths[j]]
		if a.Equal(b) {
			return paths[i] < paths[j]
		}
		return a.Before(b)
	})
	return paths
}

// take removes path if it is still pending and still settled.
func (t *Tracker) take(path string, now time.Time, quiet time.Duration) bool {
	t.mu.Lock()
	seen, ok := t.pending[path]
	if ok && settled(seen, now, quiet) {
		delete(t.pending, path)
	} else {
		ok = false
	}
	n := len(t.pending)
	t.mu.Unlock()

	metrics.SetPendingFiles(n)
	return ok
}

func settled(lastSeen, now time.Time, quiet time.Duration) bool {
	return now.Sub(lastSeen) >= quiet
}

// Len returns the number of pending paths.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// lastSeen returns when path was last observed, if it is pending.
func (t *Tracker) lastSeen(path string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen, ok := t.pending[path]
	return seen, ok
}
