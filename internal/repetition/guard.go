// Package repetition detects a bot that has started looping, repeating
// the same sentence across one or more responses in a channel.
package repetition

import "strings"

// DefaultThreshold is the occurrence count at which a repeated sentence
// terminates the response.
const DefaultThreshold = 2

// windowSize is how many recent sentences are compared per channel.
const windowSize = 3

// Guard tracks recent bot sentences per channel. State persists across
// responses in the same channel until Reset is called. Not safe for
// concurrent use; the engine serializes responses per channel.
type Guard struct {
	threshold int
	channels  map[string]*channelState
}

type channelState struct {
	recent  []string
	repeats int
}

// NewGuard creates a Guard. A threshold below 1 falls back to
// DefaultThreshold.
func NewGuard(threshold int) *Guard {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Guard{
		threshold: threshold,
		channels:  make(map[string]*channelState),
	}
}

// Observe records a sentence about to be delivered in a channel and
// reports whether the response should be terminated for repetition.
// The sentence that trips the guard is not delivered.
func (g *Guard) Observe(channelID, sentence string) bool {
	st := g.channels[channelID]
	if st == nil {
		st = &channelState{}
		g.channels[channelID] = st
	}

	norm := normalize(sentence)
	repeated := false
	for _, prev := range st.recent {
		if prev == norm {
			repeated = true
			break
		}
	}
	if repeated {
		st.repeats++
	} else {
		st.repeats = 0
	}

	st.recent = append(st.recent, norm)
	if len(st.recent) > windowSize {
		st.recent = st.recent[1:]
	}

	// The first occurrence counts toward the threshold. Tripping
	// clears the window so the channel's next response starts clean.
	if st.repeats+1 >= g.threshold {
		delete(g.channels, channelID)
		return true
	}
	return false
}

// Reset clears the tracked window for a channel. Called when a user
// message arrives, so human activity breaks a repetition streak.
func (g *Guard) Reset(channelID string) {
	delete(g.channels, channelID)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
