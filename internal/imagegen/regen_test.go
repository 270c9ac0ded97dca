package imagegen

import (
	"errors"
	"testing"
	"time"
)

func newTestTracker(onExpire ExpireCallback) (*RegenTracker, *time.Time) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t := NewRegenTracker(3*time.Minute, onExpire, nil)
	t.now = func() time.Time { return clock }
	return t, &clock
}

func TestClaimByRequester(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(nil)
	tr.Offer("msg-1", "chan-1", "a cat on the moon", "alice", true)

	prompt, nsfw, err := tr.Claim("msg-1", "alice")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if prompt != "a cat on the moon" || !nsfw {
		t.Fatalf("Claim = %q, %v", prompt, nsfw)
	}
}

func TestClaimRejectsOtherUsers(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(nil)
	tr.Offer("msg-1", "chan-1", "a cat", "alice", false)

	if _, _, err := tr.Claim("msg-1", "bob"); err == nil {
		t.Fatal("only the requesting user may claim an offer")
	}
}

func TestClaimAfterWindowExpires(t *testing.T) {
	t.Parallel()

	tr, clock := newTestTracker(nil)
	tr.Offer("msg-1", "chan-1", "a cat", "alice", false)

	*clock = clock.Add(3*time.Minute + time.Second)
	if _, _, err := tr.Claim("msg-1", "alice"); !errors.Is(err, errOfferExpired) {
		t.Fatalf("err = %v, want errOfferExpired", err)
	}
}

func TestClaimRestartsTheClock(t *testing.T) {
	t.Parallel()

	tr, clock := newTestTracker(nil)
	tr.Offer("msg-1", "chan-1", "a cat", "alice", false)

	*clock = clock.Add(2 * time.Minute)
	if _, _, err := tr.Claim("msg-1", "alice"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Two more minutes would exceed the original window but not the
	// refreshed one.
	*clock = clock.Add(2 * time.Minute)
	if _, _, err := tr.Claim("msg-1", "alice"); err != nil {
		t.Fatalf("Claim after refresh failed: %v", err)
	}
}

func TestForgetDropsOffer(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(nil)
	tr.Offer("msg-1", "chan-1", "a cat", "alice", false)
	tr.Forget("msg-1")

	if _, _, err := tr.Claim("msg-1", "alice"); !errors.Is(err, errOfferExpired) {
		t.Fatalf("err = %v, want errOfferExpired", err)
	}
}

func TestSweepExpiresStaleOffers(t *testing.T) {
	t.Parallel()

	type expiry struct{ channelID, messageID string }
	var expired []expiry
	tr, clock := newTestTracker(func(channelID, messageID string) {
		expired = append(expired, expiry{channelID, messageID})
	})

	tr.Offer("msg-old", "chan-1", "a cat", "alice", false)
	*clock = clock.Add(2 * time.Minute)
	tr.Offer("msg-new", "chan-2", "a dog", "bob", false)
	*clock = clock.Add(90 * time.Second)

	tr.sweep()

	if len(expired) != 1 || expired[0].messageID != "msg-old" || expired[0].channelID != "chan-1" {
		t.Fatalf("expired = %+v", expired)
	}
	if _, _, err := tr.Claim("msg-new", "bob"); err != nil {
		t.Fatalf("live offer swept away: %v", err)
	}
}
