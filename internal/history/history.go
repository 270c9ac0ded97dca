// Package history keeps a bounded rolling window of recent chat lines
// per channel. The chat platform remains the source of truth; this is
// only the window the prompt builder reads from.
package history

import (
	"sync"

	"github.com/jmatts/parley/internal/domain"
)

// Store holds a fixed-size ring of history lines for each channel.
// When a ring is full, new lines overwrite the oldest.
type Store struct {
	mu       sync.RWMutex
	size     int
	channels map[string]*ring
}

// NewStore creates a Store keeping up to size lines per channel.
func NewStore(size int) *Store {
	if size <= 0 {
		size = 64
	}
	return &Store{
		size:     size,
		channels: make(map[string]*ring),
	}
}

// Append records a line in the channel's window.
func (s *Store) Append(channelID string, line domain.HistoryLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.channels[channelID]
	if !ok {
		r = newRing(s.size)
		s.channels[channelID] = r
	}
	r.append(line)
}

// Lines returns the channel's window, oldest first.
func (s *Store) Lines(channelID string) []domain.HistoryLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	return r.lines()
}

// Clear drops the channel's window entirely.
func (s *Store) Clear(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
}

// ring is a fixed-size circular buffer of history lines.
type ring struct {
	buf  []domain.HistoryLine
	head int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]domain.HistoryLine, size)}
}

func (r *ring) append(line domain.HistoryLine) {
	r.buf[r.head] = line
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

func (r *ring) lines() []domain.HistoryLine {
	if !r.full {
		out := make([]domain.HistoryLine, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]domain.HistoryLine, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	out = append(out, r.buf[:r.head]...)
	return out
}
