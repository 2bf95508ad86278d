package echo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trutalk/trutalk/internal/call"
	"github.com/trutalk/trutalk/internal/rooms"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func completedCall(t *testing.T, segments []call.Segment) (*call.Manager, string) {
	t.Helper()
	provider, err := rooms.NewStaticProvider("https://rooms.test")
	if err != nil {
		t.Fatalf("NewStaticProvider() error = %v", err)
	}
	m := call.NewManager(time.Minute, provider, testLogger())

	id, err := m.CreateForMatch(context.Background(), "match-1", "alice", "bob")
	if err != nil {
		t.Fatalf("CreateForMatch() error = %v", err)
	}
	if _, err := m.Join(id, "alice"); err != nil {
		t.Fatalf("Join(alice) error = %v", err)
	}
	if _, err := m.Join(id, "bob"); err != nil {
		t.Fatalf("Join(bob) error = %v", err)
	}
	for _, seg := range segments {
		if _, err := m.AppendSegment(id, seg); err != nil {
			t.Fatalf("AppendSegment() error = %v", err)
		}
	}
	if _, err := m.End(id, "alice", call.OutcomeCompleted); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	return m, id
}

func TestComposeSummarizesFirstWords(t *testing.T) {
	manager, callID := completedCall(t, []call.Segment{
		{Speaker: 1, Translated: "hello there how are you doing today", TimestampMS: 100},
		{Speaker: 2, Translated: "doing great thanks", TimestampMS: 200},
		{Speaker: 1, Translated: "wonderful to hear", TimestampMS: 300},
	})
	c := NewComposer(5, manager, testLogger())

	echo, err := c.Compose(context.Background(), callID, "alice")
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if echo == nil {
		t.Fatalf("Compose() echo = nil, want echo")
	}
	if echo.Summary != "hello there how are you" {
		t.Fatalf("Summary = %q, want first five words", echo.Summary)
	}
	if echo.FullTranscript != "hello there how are you doing today wonderful to hear" {
		t.Fatalf("FullTranscript = %q, want the speaker's segments joined", echo.FullTranscript)
	}

	// The call carries the echo reference once composed.
	got, err := manager.Get(callID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Echoes["alice"] != echo.ID {
		t.Fatalf("call echo ref = %q, want %q", got.Echoes["alice"], echo.ID)
	}
}

func TestComposeIsIdempotentPerCallAndUser(t *testing.T) {
	manager, callID := completedCall(t, []call.Segment{
		{Speaker: 1, Translated: "one two three", TimestampMS: 100},
		{Speaker: 2, Translated: "four five six", TimestampMS: 200},
	})
	c := NewComposer(5, manager, testLogger())

	var composedCount int
	c.SetComposedHook(func(Echo) { composedCount++ })

	first, err := c.Compose(context.Background(), callID, "alice")
	if err != nil || first == nil {
		t.Fatalf("Compose() = %v, %v, want echo", first, err)
	}
	second, err := c.Compose(context.Background(), callID, "alice")
	if err != nil || second == nil {
		t.Fatalf("Compose() again = %v, %v, want existing echo", second, err)
	}
	if second.ID != first.ID {
		t.Fatalf("second.ID = %q, want %q (no duplicate)", second.ID, first.ID)
	}
	if composedCount != 1 {
		t.Fatalf("composed hook calls = %d, want 1", composedCount)
	}

	// Each participant gets their own echo.
	other, err := c.Compose(context.Background(), callID, "bob")
	if err != nil || other == nil {
		t.Fatalf("Compose(bob) = %v, %v, want echo", other, err)
	}
	if other.ID == first.ID {
		t.Fatalf("bob's echo reuses alice's id")
	}
}

func TestComposeSkipsWhenUserHasNoSegments(t *testing.T) {
	manager, callID := completedCall(t, []call.Segment{
		{Speaker: 2, Translated: "only the other side spoke", TimestampMS: 100},
	})
	c := NewComposer(5, manager, testLogger())

	echo, err := c.Compose(context.Background(), callID, "alice")
	if err != nil {
		t.Fatalf("Compose() error = %v, want graceful skip", err)
	}
	if echo != nil {
		t.Fatalf("Compose() echo = %+v, want nil (no segments for user)", echo)
	}
}

func TestComposeRequiresCompletedCall(t *testing.T) {
	provider, err := rooms.NewStaticProvider("https://rooms.test")
	if err != nil {
		t.Fatalf("NewStaticProvider() error = %v", err)
	}
	manager := call.NewManager(time.Minute, provider, testLogger())
	callID, err := manager.CreateForMatch(context.Background(), "match-1", "alice", "bob")
	if err != nil {
		t.Fatalf("CreateForMatch() error = %v", err)
	}
	c := NewComposer(5, manager, testLogger())

	if _, err := c.Compose(context.Background(), callID, "alice"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Compose(initiated) error = %v, want ErrInvalidState", err)
	}

	// Failed calls never get echoes.
	if _, err := manager.End(callID, "alice", call.OutcomeFailed); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, err := c.Compose(context.Background(), callID, "alice"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Compose(failed) error = %v, want ErrInvalidState", err)
	}
}

func TestComposeRejectsNonParticipant(t *testing.T) {
	manager, callID := completedCall(t, []call.Segment{
		{Speaker: 1, Translated: "hello", TimestampMS: 100},
	})
	c := NewComposer(5, manager, testLogger())

	if _, err := c.Compose(context.Background(), callID, "mallory"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Compose(outsider) error = %v, want ErrInvalidState", err)
	}
}

func TestSummarize(t *testing.T) {
	if got := Summarize("one two three", 5); got != "one two three" {
		t.Fatalf("Summarize(short) = %q, want unchanged", got)
	}
	if got := Summarize("  spaced   out   words here  ", 3); got != "spaced out words" {
		t.Fatalf("Summarize(spaced) = %q, want normalized first three", got)
	}
	if got := Summarize("", 5); got != "" {
		t.Fatalf("Summarize(empty) = %q, want empty", got)
	}
}
