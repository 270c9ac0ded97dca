package repetition

import "testing"

func TestGuardTripsAtThreshold(t *testing.T) {
	t.Parallel()

	g := NewGuard(2)
	if g.Observe("chan-1", "ok") {
		t.Fatal("first occurrence should not trip the guard")
	}
	if !g.Observe("chan-1", "ok") {
		t.Fatal("second occurrence should trip the guard at threshold 2")
	}
}

func TestGuardNormalizes(t *testing.T) {
	t.Parallel()

	g := NewGuard(2)
	g.Observe("chan-1", "I see.")
	if !g.Observe("chan-1", "  i see.  ") {
		t.Fatal("case and whitespace variants should count as repeats")
	}
}

func TestGuardWindowForgets(t *testing.T) {
	t.Parallel()

	g := NewGuard(2)
	g.Observe("chan-1", "alpha")
	g.Observe("chan-1", "beta")
	g.Observe("chan-1", "gamma")
	g.Observe("chan-1", "delta")
	// "alpha" has rolled out of the comparison window by now.
	if g.Observe("chan-1", "alpha") {
		t.Fatal("a sentence outside the window should not count as a repeat")
	}
}

func TestGuardPersistsAcrossResponses(t *testing.T) {
	t.Parallel()

	// State is per channel, not per response, so a bot that answers
	// every message with the same sentence still gets caught.
	g := NewGuard(2)
	if g.Observe("chan-1", "As an AI, I cannot.") {
		t.Fatal("first response should pass")
	}
	if !g.Observe("chan-1", "As an AI, I cannot.") {
		t.Fatal("identical second response should trip the guard")
	}
}

func TestGuardTripClearsWindow(t *testing.T) {
	t.Parallel()

	// Tripping resets the channel: the next response must not be cut
	// on its very first sentence just because it matches the loop
	// that was already terminated.
	g := NewGuard(2)
	g.Observe("chan-1", "ok")
	if !g.Observe("chan-1", "ok") {
		t.Fatal("second occurrence should trip the guard")
	}
	if g.Observe("chan-1", "ok") {
		t.Fatal("window should be cleared after the guard trips")
	}
}

func TestGuardResetClearsChannel(t *testing.T) {
	t.Parallel()

	g := NewGuard(2)
	g.Observe("chan-1", "hello again")
	g.Reset("chan-1")
	if g.Observe("chan-1", "hello again") {
		t.Fatal("reset should clear the tracked window")
	}
}

func TestGuardChannelsAreIndependent(t *testing.T) {
	t.Parallel()

	g := NewGuard(2)
	g.Observe("chan-1", "same line")
	if g.Observe("chan-2", "same line") {
		t.Fatal("repetition in one channel must not affect another")
	}
}

func TestGuardHigherThreshold(t *testing.T) {
	t.Parallel()

	g := NewGuard(3)
	if g.Observe("chan-1", "echo") {
		t.Fatal("first occurrence")
	}
	if g.Observe("chan-1", "echo") {
		t.Fatal("second occurrence should pass at threshold 3")
	}
	if !g.Observe("chan-1", "echo") {
		t.Fatal("third occurrence should trip at threshold 3")
	}
}
