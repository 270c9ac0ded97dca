// Package stream turns the generation backend's lazy fragment stream
// into discrete sentence units, watching for stop markers as it goes.
//
// Markers are matched against the accumulated buffer, not individual
// fragments, so a marker split across two fragments is still caught.
package stream

import (
	"strings"
	"unicode/utf8"
)

// Config controls one aggregation session.
type Config struct {
	// StopMarkers are literal substrings that end the response. Text at
	// and after a marker is never emitted.
	StopMarkers []string
	// SplitDisabled buffers the whole response and emits it as a single
	// unit when the stream ends or a marker fires.
	SplitDisabled bool
}

// Aggregator is the state of one response stream. Not restartable: a
// new response gets a new Aggregator.
type Aggregator struct {
	cfg     Config
	pending string
	stopped bool
}

// New creates an Aggregator for one session.
func New(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Feed appends a fragment and returns any sentence units completed by
// it. stopped is true once a stop marker has been seen; no further
// fragments will produce output and Flush will return nothing.
func (a *Aggregator) Feed(fragment string) (units []string, stopped bool) {
	if a.stopped {
		return nil, true
	}
	a.pending += fragment

	if idx, ok := a.findMarker(a.pending); ok {
		head := a.pending[:idx]
		a.pending = ""
		a.stopped = true
		return a.finalUnits(head), true
	}

	if a.cfg.SplitDisabled {
		return nil, false
	}

	// Hold back any buffer suffix that could be the start of a marker
	// completed by a later fragment.
	safe := a.pending[:len(a.pending)-a.markerHoldback(a.pending)]
	units, rest := splitComplete(safe)
	a.pending = rest + a.pending[len(safe):]
	return units, false
}

// Flush returns whatever remains buffered when the upstream stream ends
// normally. After a stop marker it returns nothing.
func (a *Aggregator) Flush() []string {
	if a.stopped {
		return nil
	}
	head := a.pending
	a.pending = ""
	return a.finalUnits(head)
}

// Stopped reports whether a stop marker ended the session.
func (a *Aggregator) Stopped() bool {
	return a.stopped
}

// finalUnits renders the last chunk of buffered text: completed
// sentences plus the trailing partial, or the whole chunk as one unit
// in split-disabled mode.
func (a *Aggregator) finalUnits(head string) []string {
	if a.cfg.SplitDisabled {
		if trimmed := strings.TrimSpace(head); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}
	units, rest := splitComplete(head)
	if trimmed := strings.TrimSpace(rest); trimmed != "" {
		units = append(units, trimmed)
	}
	return units
}

// findMarker returns the byte offset of the earliest stop marker in s.
func (a *Aggregator) findMarker(s string) (int, bool) {
	best := -1
	for _, marker := range a.cfg.StopMarkers {
		if idx := strings.Index(s, marker); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best, best >= 0
}

// markerHoldback returns the length of the longest suffix of s that is
// a proper prefix of any stop marker.
func (a *Aggregator) markerHoldback(s string) int {
	hold := 0
	for _, marker := range a.cfg.StopMarkers {
		limit := len(marker) - 1
		if limit > len(s) {
			limit = len(s)
		}
		for n := limit; n > hold; n-- {
			if strings.HasSuffix(s, marker[:n]) {
				hold = n
				break
			}
		}
	}
	return hold
}

// splitComplete splits s into completed sentences, returning the
// trailing partial sentence. A sentence ends at terminal punctuation
// (optionally followed by closing quotes or brackets) followed by
// whitespace.
func splitComplete(s string) (units []string, rest string) {
	start := 0
	i := 0
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !isTerminal(r) {
			i += size
			continue
		}
		j := i + size
		for j < len(s) {
			r2, sz := utf8.DecodeRuneInString(s[j:])
			if !isCloser(r2) {
				break
			}
			j += sz
		}
		if j >= len(s) || !isBoundarySpace(s[j]) {
			i += size
			continue
		}
		if unit := strings.TrimSpace(s[start:j]); unit != "" {
			units = append(units, unit)
		}
		for j < len(s) && isBoundarySpace(s[j]) {
			j++
		}
		start = j
		i = j
	}
	return units, s[start:]
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

func isBoundarySpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
