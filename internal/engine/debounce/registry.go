// Package debounce tracks short-lived suppression records so the engine can
// recognize platform events caused by its own enforcement actions and avoid
// re-processing them as new signals.
package debounce

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TTL is how long an entry guards its event kinds, regardless of use.
const TTL = 60 * time.Second

// Entry is one suppression record. It guards a set of event kinds for a
// guild; consuming it for one kind removes only that kind from the guard
// set. An entry with an empty guard set is inert.
type Entry struct {
	GuildID   uint64
	Selector  map[string]uint64
	kinds     map[string]struct{}
	createdAt time.Time
}

// Guards reports whether the entry still guards the given event kind.
func (e *Entry) Guards(kind string) bool {
	_, ok := e.kinds[kind]
	return ok
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > TTL
}

func (e *Entry) matches(attrs map[string]uint64) bool {
	for key, want := range e.Selector {
		if got, ok := attrs[key]; !ok || got != want {
			return false
		}
	}

	return true
}

// Registry holds suppression entries keyed by guild. Entries are written by
// whichever component issued the causing action and read by every component
// reacting to inbound events.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64][]*Entry
	logger  *zap.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[uint64][]*Entry),
		logger:  logger.Named("debounce"),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Used by tests to control expiry.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Create registers a suppression entry guarding the given event kinds for
// events whose attributes match every selector field.
func (r *Registry) Create(guildID uint64, kinds []string, selector map[string]uint64) *Entry {
	entry := &Entry{
		GuildID:   guildID,
		Selector:  selector,
		kinds:     make(map[string]struct{}, len(kinds)),
		createdAt: r.now(),
	}

	for _, kind := range kinds {
		entry.kinds[kind] = struct{}{}
	}

	r.mu.Lock()
	r.entries[guildID] = append(r.entries[guildID], entry)
	r.mu.Unlock()

	r.logger.Debug("Created debounce entry",
		zap.Uint64("guildID", guildID),
		zap.Strings("kinds", kinds))

	return entry
}

// Find scans the guild's entries for the first one guarding the event kind
// whose selector fields all match the given attributes. Non-matching entries
// are skipped, not removed; expired entries encountered during the scan are
// removed opportunistically. When consume is true the matched kind is
// removed from the entry's guard set, and the entry itself is dropped once
// its guard set is empty.
func (r *Registry) Find(guildID uint64, kind string, attrs map[string]uint64, consume bool) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entries := r.entries[guildID]
	kept := entries[:0]

	var found *Entry

	for _, entry := range entries {
		if entry.expired(now) {
			continue
		}

		if found == nil && entry.Guards(kind) && entry.matches(attrs) {
			found = entry

			if consume {
				delete(entry.kinds, kind)

				if len(entry.kinds) == 0 {
					continue
				}
			}
		}

		kept = append(kept, entry)
	}

	if len(kept) == 0 {
		delete(r.entries, guildID)
	} else {
		r.entries[guildID] = kept
	}

	return found
}

// Remove deletes the entry entirely, regardless of remaining guard kinds.
func (r *Registry) Remove(guildID uint64, entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.entries[guildID]
	for i, e := range entries {
		if e == entry {
			r.entries[guildID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}

	if len(r.entries[guildID]) == 0 {
		delete(r.entries, guildID)
	}
}
