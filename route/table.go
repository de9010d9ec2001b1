// Package route implements the longest-prefix-match routing table
// described in spec.md §3–4.3, including the explicit tiebreak rule
// for equal-length prefixes flagged as an open question in §9.
package route

import (
	"sort"
	"sync"

	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/ipv4"
)

// Metric sentinel values (spec.md §3).
const (
	MetricNoDelete = -1 // NODEL: local or admin-installed, never expires
	MetricTimeout  = -2 // TIMEOUT: advertised as withdrawn, not yet removed
	MetricDie      = -3 // DIE: to be removed next aging cycle
)

// AgeLimit is SDP_METRIC_TIMEOUT: the number of stale rounds before an
// entry transitions to TIMEOUT.
const AgeLimit = 2

// Item is a single routing table entry.
type Item struct {
	Prefix     ipv4.Addr
	Mask       ipv4.Addr
	DeviceID   int
	NextHopMAC ether.MAC
	Dist       int
	IsLocal    bool
	Metric     int
}

// NewItem constructs an Item, normalizing Prefix to ip&mask per the
// spec.md §3 invariant.
func NewItem(ip, mask ipv4.Addr, deviceID int, nextHop ether.MAC, dist int, isLocal bool, metric int) Item {
	return Item{
		Prefix:     ip & mask,
		Mask:       mask,
		DeviceID:   deviceID,
		NextHopMAC: nextHop,
		Dist:       dist,
		IsLocal:    isLocal,
		Metric:     metric,
	}
}

// Matches reports whether ip falls within i's prefix.
func (i Item) Matches(ip ipv4.Addr) bool {
	return ip&i.Mask == i.Prefix
}

// Table is an ordered set of routing entries, sorted so iteration
// yields longest-prefix-first; among equal-length prefixes, entries
// sort by ascending numeric prefix then ascending device id, an
// explicit tiebreak replacing the original implementation's pointer
// ordering (spec.md §9).
type Table struct {
	mu      sync.RWMutex
	entries []Item
}

// NewTable constructs an empty routing table.
func NewTable() *Table { return &Table{} }

func less(a, b Item) bool {
	pa, pb := ipv4.PrefixLen(a.Mask), ipv4.PrefixLen(b.Mask)
	if pa != pb {
		return pa > pb
	}
	if a.Prefix != b.Prefix {
		return a.Prefix < b.Prefix
	}
	return a.DeviceID < b.DeviceID
}

func (t *Table) sortLocked() {
	sort.SliceStable(t.entries, func(i, j int) bool { return less(t.entries[i], t.entries[j]) })
}

// Lookup returns the first entry whose (ip & mask) == prefix in
// descending-prefix-length order, or ok=false if none matches.
func (t *Table) Lookup(ip ipv4.Addr) (Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Matches(ip) {
			return e, true
		}
	}
	return Item{}, false
}

// find returns the index of the entry keyed by (prefix, mask), or -1
// if there is none. Callers must hold t.mu.
func (t *Table) find(prefix, mask ipv4.Addr) int {
	for i, e := range t.entries {
		if e.Prefix == prefix && e.Mask == mask {
			return i
		}
	}
	return -1
}

// Get returns a copy of the entry keyed by (prefix, mask).
func (t *Table) Get(prefix, mask ipv4.Addr) (Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := t.find(prefix, mask)
	if idx < 0 {
		return Item{}, false
	}
	return t.entries[idx], true
}

// Insert adds a new entry, or replaces the existing one keyed by the
// same (prefix, mask) — at most one entry per (prefix, mask) exists
// at a time, per the spec.md §3 invariant.
func (t *Table) Insert(item Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx := t.find(item.Prefix, item.Mask); idx >= 0 {
		t.entries[idx] = item
	} else {
		t.entries = append(t.entries, item)
	}
	t.sortLocked()
}

// Update applies fn to the entry keyed by (prefix, mask) if present
// and returns true, or returns false if no such entry exists.
func (t *Table) Update(prefix, mask ipv4.Addr, fn func(*Item)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.find(prefix, mask)
	if idx < 0 {
		return false
	}
	fn(&t.entries[idx])
	t.sortLocked()
	return true
}

// Delete removes the entry keyed by (prefix, mask).
func (t *Table) Delete(prefix, mask ipv4.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.find(prefix, mask)
	if idx < 0 {
		return
	}
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
}

// Snapshot returns a copy of all entries in table order. Used by
// `routerd route show`, not by the routing algorithm itself.
func (t *Table) Snapshot() []Item {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Item, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries currently in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Live returns entries excluding those in TIMEOUT/DIE, for periodic
// advertisement (spec.md §4.3's periodic loop step 1).
func (t *Table) Live() []Item {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Item, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Metric == MetricTimeout || e.Metric == MetricDie {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Age applies one aging round to every entry per spec.md §4.3's
// periodic loop step 2, returning the entries that moved from TIMEOUT
// to DIE this round (to be broadcast as withdrawals) and removing
// entries that were already at DIE.
func (t *Table) Age() (withdrawn []Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	for _, e := range t.entries {
		switch e.Metric {
		case MetricNoDelete:
			kept = append(kept, e)
		case MetricDie:
			// removed: do not keep
		case MetricTimeout:
			e.Metric = MetricDie
			withdrawn = append(withdrawn, e)
			kept = append(kept, e)
		default:
			e.Metric++
			if e.Metric >= AgeLimit {
				e.Metric = MetricTimeout
			}
			kept = append(kept, e)
		}
	}
	t.entries = kept
	t.sortLocked()
	return withdrawn
}
