package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/jmatts/parley/internal/domain"
)

func line(text string) domain.HistoryLine {
	return domain.HistoryLine{Speaker: "alice", Text: text, Timestamp: time.Now()}
}

func TestAppendAndLines(t *testing.T) {
	t.Parallel()

	s := NewStore(7)
	s.Append("chan-1", line("one"))
	s.Append("chan-1", line("two"))
	s.Append("chan-1", line("three"))

	lines := s.Lines("chan-1")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[0].Text != "one" || lines[2].Text != "three" {
		t.Fatalf("lines out of order: %q, %q", lines[0].Text, lines[2].Text)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	t.Parallel()

	s := NewStore(3)
	for i := 1; i <= 5; i++ {
		s.Append("chan-1", line(fmt.Sprintf("msg-%d", i)))
	}

	lines := s.Lines("chan-1")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want capacity 3", len(lines))
	}
	want := []string{"msg-3", "msg-4", "msg-5"}
	for i, w := range want {
		if lines[i].Text != w {
			t.Fatalf("lines[%d] = %q, want %q", i, lines[i].Text, w)
		}
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	t.Parallel()

	s := NewStore(7)
	s.Append("chan-1", line("in one"))
	s.Append("chan-2", line("in two"))

	if got := s.Lines("chan-1"); len(got) != 1 || got[0].Text != "in one" {
		t.Fatalf("chan-1 lines = %+v", got)
	}
	if got := s.Lines("chan-2"); len(got) != 1 || got[0].Text != "in two" {
		t.Fatalf("chan-2 lines = %+v", got)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	s := NewStore(7)
	s.Append("chan-1", line("something"))
	s.Clear("chan-1")
	if got := s.Lines("chan-1"); len(got) != 0 {
		t.Fatalf("expected no lines after Clear, got %d", len(got))
	}
}

func TestUnknownChannel(t *testing.T) {
	t.Parallel()

	s := NewStore(7)
	if got := s.Lines("never-seen"); len(got) != 0 {
		t.Fatalf("expected no lines for unknown channel, got %d", len(got))
	}
}
