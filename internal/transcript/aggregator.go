// Package transcript keeps the ordered list of utterances exchanged during a
// voice call.
//
// The [Aggregator] is append-only: entries are never merged, deduplicated,
// corrected, or reordered, and the display order is the order in which
// transcript frames arrived. It is emptied at the start of every call.
package transcript

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of an [Entry].
type Role string

const (
	// RoleUser marks text spoken by the local user.
	RoleUser Role = "user"

	// RoleAgent marks text spoken by the remote agent.
	RoleAgent Role = "agent"
)

// ParseRole maps a wire role to a [Role]. Only the exact string "user" is
// the user; anything else, including an empty or misspelled role, is the
// agent.
func ParseRole(s string) Role {
	if s == string(RoleUser) {
		return RoleUser
	}
	return RoleAgent
}

// Entry is one immutable transcript line.
type Entry struct {
	// ID is a generated unique identifier.
	ID string

	// Role is the speaker.
	Role Role

	// Text is the utterance text. Never empty.
	Text string

	// At is the arrival time of the frame that produced the entry.
	At time.Time
}

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithClock overrides the arrival-time source. Defaults to [time.Now].
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithIDGenerator overrides the entry ID source. Defaults to random UUIDs.
func WithIDGenerator(gen func() string) Option {
	return func(a *Aggregator) { a.newID = gen }
}

// Aggregator accumulates transcript entries for the current call.
//
// All methods are safe for concurrent use.
type Aggregator struct {
	now   func() time.Time
	newID func() string

	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append records a transcript frame. The entry text is the first non-empty
// of text and transcript; if both are empty nothing is recorded and ok is
// false.
func (a *Aggregator) Append(role, text, transcript string) (e Entry, ok bool) {
	body := text
	if body == "" {
		body = transcript
	}
	if body == "" {
		return Entry{}, false
	}
	e = Entry{
		ID:   a.newID(),
		Role: ParseRole(role),
		Text: body,
		At:   a.now(),
	}
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return e, true
}

// Entries returns a copy of all entries in arrival order.
func (a *Aggregator) Entries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.entries)
}

// Len returns the number of recorded entries.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Clear removes all entries.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.entries = nil
	a.mu.Unlock()
}
