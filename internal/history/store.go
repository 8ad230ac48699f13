// Package history holds per-conversation message histories for the lifetime
// of the process.
//
// The store is an explicit object constructed once at startup and passed by
// reference to request handlers; there is no package-level singleton. Entries
// for distinct conversation ids are independent. The store itself is safe for
// concurrent use, but callers are responsible for serialising requests
// against the same conversation id — concurrent requests on one id produce
// an undefined interleaving of appends.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/parleybot/parley/internal/chat"
)

// ErrNotFound is returned by accessors for conversation ids that have never
// been reset or appended to.
var ErrNotFound = fmt.Errorf("history: conversation not found")

// conversation is the stored state for one conversation id.
type conversation struct {
	messages     []chat.Message
	visionMode   bool
	lastActivity time.Time
}

// Store maps conversation ids to their histories.
type Store struct {
	// primingRole is the role of the priming message installed by Reset.
	primingRole chat.Role

	// defaultPriming is the priming content used when Reset receives none.
	defaultPriming string

	mu    sync.RWMutex
	convs map[string]*conversation

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates a Store that primes new conversations with a message of the
// given role and default content.
func New(primingRole chat.Role, defaultPriming string) *Store {
	return &Store{
		primingRole:    primingRole,
		defaultPriming: defaultPriming,
		convs:          make(map[string]*conversation),
		now:            time.Now,
	}
}

// Reset replaces the conversation's history with a single priming message and
// clears vision mode. An empty priming argument selects the configured
// default content. The conversation is created if absent.
func (s *Store) Reset(id string, priming string) {
	if priming == "" {
		priming = s.defaultPriming
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id] = &conversation{
		messages:     []chat.Message{chat.Text(s.primingRole, priming)},
		lastActivity: s.now(),
	}
}

// Append adds one message to the end of the conversation, auto-creating it
// via Reset semantics when absent.
func (s *Store) Append(id string, msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		conv = &conversation{
			messages:     []chat.Message{chat.Text(s.primingRole, s.defaultPriming)},
			lastActivity: s.now(),
		}
		s.convs[id] = conv
	}
	conv.messages = append(conv.messages, msg)
}

// Messages returns a copy of the conversation's ordered message sequence.
func (s *Store) Messages(id string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	out := make([]chat.Message, len(conv.messages))
	copy(out, conv.messages)
	return out, nil
}

// Len returns the conversation's message count, or 0 for unknown ids.
func (s *Store) Len(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv, ok := s.convs[id]; ok {
		return len(conv.messages)
	}
	return 0
}

// Exists reports whether the conversation id has state in the store.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.convs[id]
	return ok
}

// Replace swaps the conversation's entire message sequence. Used by the
// budgeter's hard-truncation fallback. The conversation must exist.
func (s *Store) Replace(id string, msgs []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	conv.messages = make([]chat.Message, len(msgs))
	copy(conv.messages, msgs)
	return nil
}

// SetVisionMode marks the conversation as containing multimodal turns with
// follow-ups enabled.
func (s *Store) SetVisionMode(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok {
		conv.visionMode = on
	}
}

// VisionMode reports whether the conversation is in vision mode.
func (s *Store) VisionMode(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv, ok := s.convs[id]; ok {
		return conv.visionMode
	}
	return false
}

// Touch records activity on the conversation, resetting its idle clock.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok {
		conv.lastActivity = s.now()
	}
}

// IsExpired reports whether the conversation has been idle longer than
// maxAge. A conversation with no recorded activity is never expired.
func (s *Store) IsExpired(id string, maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok || conv.lastActivity.IsZero() {
		return false
	}
	return s.now().Sub(conv.lastActivity) > maxAge
}

// Sweep removes every conversation idle longer than maxAge and returns the
// number evicted. Offered for memory bounds; the orchestrator's per-request
// expiry reset does not depend on it.
func (s *Store) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	cutoff := s.now().Add(-maxAge)
	for id, conv := range s.convs {
		if !conv.lastActivity.IsZero() && conv.lastActivity.Before(cutoff) {
			delete(s.convs, id)
			evicted++
		}
	}
	return evicted
}
