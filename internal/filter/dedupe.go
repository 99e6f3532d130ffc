package filter

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vburojevic/traced/internal/domain"
)

// DedupeFilter collapses repeated identical events, typically clone
// triggers fired in bursts by a crashing producer
type DedupeFilter struct {
	mu      sync.Mutex
	clk     clock.Clock
	window  time.Duration // Time window for deduplication (0 = consecutive only)
	seen    map[string]*dedupeEntry
	lastKey string
}

type dedupeEntry struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// NewDedupeFilter creates a new deduplication filter
// window=0 means only collapse consecutive identical events
// window>0 means collapse identical events within the time window
func NewDedupeFilter(clk clock.Clock, window time.Duration) *DedupeFilter {
	if clk == nil {
		clk = clock.New()
	}
	return &DedupeFilter{
		clk:    clk,
		window: window,
		seen:   make(map[string]*dedupeEntry),
	}
}

// DedupeResult holds the result of a dedupe check
type DedupeResult struct {
	ShouldEmit bool      // Whether this event should be emitted
	Count      int       // Number of duplicates (1 = first occurrence)
	FirstSeen  time.Time // First occurrence timestamp
	LastSeen   time.Time // Last occurrence timestamp (same as FirstSeen if count=1)
}

// DuplicateSummary reports how often a suppressed event repeated
type DuplicateSummary struct {
	Key       string
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// eventKey identifies events that are duplicates of each other
func eventKey(ev domain.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%d", ev.Type, ev.SessionID)
	for _, inst := range ev.Instances {
		fmt.Fprintf(&b, "/%s:%s:%s", inst.ProducerName, inst.DataSourceName, inst.State)
	}
	if ev.Trigger != nil {
		fmt.Fprintf(&b, "/%s@%s", ev.Trigger.Name, ev.Trigger.ProducerName)
	}
	return b.String()
}

// Check determines if an event should be emitted or suppressed
func (f *DedupeFilter) Check(ev domain.Event) DedupeResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := eventKey(ev)
	now := f.clk.Now()

	if f.window > 0 {
		f.cleanOldEntries(now)
	}

	if existing, ok := f.seen[key]; ok {
		// In window mode every repeat is suppressed; in consecutive mode
		// only a repeat of the previous event is.
		if f.window > 0 || f.lastKey == key {
			existing.count++
			existing.lastSeen = now
			return DedupeResult{
				ShouldEmit: false,
				Count:      existing.count,
				FirstSeen:  existing.firstSeen,
				LastSeen:   existing.lastSeen,
			}
		}
	}

	f.seen[key] = &dedupeEntry{count: 1, firstSeen: now, lastSeen: now}
	f.lastKey = key

	return DedupeResult{
		ShouldEmit: true,
		Count:      1,
		FirstSeen:  now,
		LastSeen:   now,
	}
}

// PendingDuplicates returns the events that were suppressed at least once
func (f *DedupeFilter) PendingDuplicates() []DuplicateSummary {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []DuplicateSummary
	for key, entry := range f.seen {
		if entry.count > 1 {
			out = append(out, DuplicateSummary{
				Key:       key,
				Count:     entry.count,
				FirstSeen: entry.firstSeen,
				LastSeen:  entry.lastSeen,
			})
		}
	}
	return out
}

// Reset clears the deduplication state
func (f *DedupeFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = make(map[string]*dedupeEntry)
	f.lastKey = ""
}

// cleanOldEntries removes entries outside the time window
func (f *DedupeFilter) cleanOldEntries(now time.Time) {
	cutoff := now.Add(-f.window)
	for key, entry := range f.seen {
		if entry.lastSeen.Before(cutoff) {
			delete(f.seen, key)
		}
	}
}
