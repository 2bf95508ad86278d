package call

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trutalk/trutalk/internal/rooms"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestManager(joinTimeout time.Duration) *Manager {
	provider, err := rooms.NewStaticProvider("https://rooms.test")
	if err != nil {
		panic(err)
	}
	return NewManager(joinTimeout, provider, testLogger())
}

func startedCall(t *testing.T, m *Manager) Call {
	t.Helper()
	id, err := m.CreateForMatch(context.Background(), "match-1", "alice", "bob")
	if err != nil {
		t.Fatalf("CreateForMatch() error = %v", err)
	}
	if _, err := m.Join(id, "alice"); err != nil {
		t.Fatalf("Join(alice) error = %v", err)
	}
	c, err := m.Join(id, "bob")
	if err != nil {
		t.Fatalf("Join(bob) error = %v", err)
	}
	return c
}

func TestCreateForMatchIsOncePerMatch(t *testing.T) {
	m := newTestManager(time.Minute)

	id, err := m.CreateForMatch(context.Background(), "match-1", "alice", "bob")
	if err != nil {
		t.Fatalf("CreateForMatch() error = %v", err)
	}
	c, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c.Status != StatusInitiated {
		t.Fatalf("Status = %q, want %q", c.Status, StatusInitiated)
	}
	if c.RoomName == "" || c.RoomURL == "" {
		t.Fatalf("room = %q/%q, want provisioned", c.RoomName, c.RoomURL)
	}

	if _, err := m.CreateForMatch(context.Background(), "match-1", "alice", "bob"); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("second CreateForMatch() error = %v, want ErrAlreadyConsumed", err)
	}
}

func TestCreateForMatchRoomFailureRecordsFailedCall(t *testing.T) {
	m := NewManager(time.Minute, failingProvider{}, testLogger())

	id, err := m.CreateForMatch(context.Background(), "match-1", "alice", "bob")
	if err == nil {
		t.Fatalf("CreateForMatch() error = nil, want room error")
	}
	c, getErr := m.Get(id)
	if getErr != nil {
		t.Fatalf("Get() error = %v", getErr)
	}
	if c.Status != StatusFailed {
		t.Fatalf("Status = %q, want %q", c.Status, StatusFailed)
	}
	if c.EndedAt == nil {
		t.Fatalf("EndedAt = nil, want set")
	}
}

func TestJoinActivatesOnSecondParticipant(t *testing.T) {
	m := newTestManager(time.Minute)
	id, err := m.CreateForMatch(context.Background(), "match-1", "alice", "bob")
	if err != nil {
		t.Fatalf("CreateForMatch() error = %v", err)
	}

	c, err := m.Join(id, "alice")
	if err != nil {
		t.Fatalf("Join(alice) error = %v", err)
	}
	if c.Status != StatusInitiated {
		t.Fatalf("Status after first join = %q, want %q", c.Status, StatusInitiated)
	}

	// Re-join is idempotent and does not activate.
	c, err = m.Join(id, "alice")
	if err != nil {
		t.Fatalf("Join(alice again) error = %v", err)
	}
	if c.Status != StatusInitiated {
		t.Fatalf("Status after re-join = %q, want %q", c.Status, StatusInitiated)
	}

	c, err = m.Join(id, "bob")
	if err != nil {
		t.Fatalf("Join(bob) error = %v", err)
	}
	if c.Status != StatusActive {
		t.Fatalf("Status after both join = %q, want %q", c.Status, StatusActive)
	}
	if c.StartedAt == nil {
		t.Fatalf("StartedAt = nil, want set on activation")
	}

	if _, err := m.Join(id, "mallory"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Join(outsider) error = %v, want ErrInvalidState", err)
	}
}

func TestAppendSegmentEnforcesOrdering(t *testing.T) {
	m := newTestManager(time.Minute)
	c := startedCall(t, m)

	for i, ts := range []int64{100, 250, 400} {
		if _, err := m.AppendSegment(c.ID, Segment{Speaker: 1 + i%2, Original: "hola", Translated: "hello", TimestampMS: ts}); err != nil {
			t.Fatalf("AppendSegment(%d) error = %v", ts, err)
		}
	}

	if _, err := m.AppendSegment(c.ID, Segment{Speaker: 1, TimestampMS: 400}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("AppendSegment(equal ts) error = %v, want ErrOutOfOrder", err)
	}
	if _, err := m.AppendSegment(c.ID, Segment{Speaker: 2, TimestampMS: 300}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("AppendSegment(stale ts) error = %v, want ErrOutOfOrder", err)
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Segments) != 3 {
		t.Fatalf("segments = %d, want 3 (rejected appends must not mutate)", len(got.Segments))
	}
	if got.Segments[2].TimestampMS != 400 {
		t.Fatalf("last segment ts = %d, want 400", got.Segments[2].TimestampMS)
	}

	if _, err := m.AppendSegment(c.ID, Segment{Speaker: 3, TimestampMS: 500}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AppendSegment(speaker 3) error = %v, want ErrInvalidState", err)
	}
}

func TestAppendSegmentRequiresActiveCall(t *testing.T) {
	m := newTestManager(time.Minute)
	id, err := m.CreateForMatch(context.Background(), "match-1", "alice", "bob")
	if err != nil {
		t.Fatalf("CreateForMatch() error = %v", err)
	}

	if _, err := m.AppendSegment(id, Segment{Speaker: 1, TimestampMS: 100}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AppendSegment(initiated) error = %v, want ErrInvalidState", err)
	}
	if _, err := m.RecordQuality(id, QualitySample{LatencyMS: 40}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("RecordQuality(initiated) error = %v, want ErrInvalidState", err)
	}
}

func TestRecordQualityKeepsArrivalOrder(t *testing.T) {
	m := newTestManager(time.Minute)
	c := startedCall(t, m)

	for _, latency := range []float64{80, 20, 55} {
		if _, err := m.RecordQuality(c.ID, QualitySample{LatencyMS: latency, PacketLoss: 0.01, JitterMS: 5}); err != nil {
			t.Fatalf("RecordQuality(%v) error = %v", latency, err)
		}
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Quality) != 3 {
		t.Fatalf("quality samples = %d, want 3", len(got.Quality))
	}
	if got.Quality[0].LatencyMS != 80 || got.Quality[2].LatencyMS != 55 {
		t.Fatalf("quality order = [%v, %v, %v], want arrival order", got.Quality[0].LatencyMS, got.Quality[1].LatencyMS, got.Quality[2].LatencyMS)
	}
}

func TestEndComputesDurationAndIsFinal(t *testing.T) {
	m := newTestManager(time.Minute)
	c := startedCall(t, m)

	// Backdate the start so the duration is observable.
	m.mu.Lock()
	started := time.Now().UTC().Add(-90 * time.Second)
	m.calls[c.ID].StartedAt = &started
	m.mu.Unlock()

	ended, err := m.End(c.ID, "alice", OutcomeCompleted)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q", ended.Status, StatusCompleted)
	}
	if ended.EndedAt == nil {
		t.Fatalf("EndedAt = nil, want set")
	}
	if ended.DurationSeconds < 89 || ended.DurationSeconds > 91 {
		t.Fatalf("DurationSeconds = %d, want ~90", ended.DurationSeconds)
	}

	if _, err := m.End(c.ID, "bob", OutcomeCompleted); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("End(terminal) error = %v, want ErrInvalidState", err)
	}
	if _, err := m.AppendSegment(c.ID, Segment{Speaker: 1, TimestampMS: 999}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AppendSegment(terminal) error = %v, want ErrInvalidState", err)
	}
}

func TestEndBeforeStartIsFailedWithZeroDuration(t *testing.T) {
	m := newTestManager(time.Minute)
	id, err := m.CreateForMatch(context.Background(), "match-1", "alice", "bob")
	if err != nil {
		t.Fatalf("CreateForMatch() error = %v", err)
	}

	// The caller asked for a completed outcome, but a call that never
	// started cannot complete.
	ended, err := m.End(id, "alice", OutcomeCompleted)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusFailed {
		t.Fatalf("Status = %q, want %q", ended.Status, StatusFailed)
	}
	if ended.DurationSeconds != 0 {
		t.Fatalf("DurationSeconds = %d, want 0", ended.DurationSeconds)
	}
}

func TestJanitorFailsStalledCalls(t *testing.T) {
	m := newTestManager(50 * time.Millisecond)
	id, err := m.CreateForMatch(context.Background(), "match-1", "alice", "bob")
	if err != nil {
		t.Fatalf("CreateForMatch() error = %v", err)
	}
	if _, err := m.Join(id, "alice"); err != nil {
		t.Fatalf("Join(alice) error = %v", err)
	}

	var ended []Call
	m.SetEndedHook(func(c Call) { ended = append(ended, c) })

	m.mu.Lock()
	m.calls[id].CreatedAt = time.Now().UTC().Add(-time.Minute)
	m.mu.Unlock()
	m.sweepStalled()

	got, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("Status = %q, want %q after join timeout", got.Status, StatusFailed)
	}
	if len(ended) != 1 {
		t.Fatalf("ended hook calls = %d, want 1", len(ended))
	}

	// Active calls are never swept.
	activeID, err := m.CreateForMatch(context.Background(), "match-2", "carol", "dave")
	if err != nil {
		t.Fatalf("CreateForMatch(match-2) error = %v", err)
	}
	if _, err := m.Join(activeID, "carol"); err != nil {
		t.Fatalf("Join(carol) error = %v", err)
	}
	if _, err := m.Join(activeID, "dave"); err != nil {
		t.Fatalf("Join(dave) error = %v", err)
	}
	m.mu.Lock()
	m.calls[activeID].CreatedAt = time.Now().UTC().Add(-time.Minute)
	m.mu.Unlock()
	m.sweepStalled()
	got, _ = m.Get(activeID)
	if got.Status != StatusActive {
		t.Fatalf("active call status after sweep = %q, want %q", got.Status, StatusActive)
	}
}

func TestAttachEchoRequiresCompletedCall(t *testing.T) {
	m := newTestManager(time.Minute)
	c := startedCall(t, m)

	if err := m.AttachEcho(c.ID, "alice", "echo-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AttachEcho(active) error = %v, want ErrInvalidState", err)
	}

	if _, err := m.End(c.ID, "alice", OutcomeCompleted); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := m.AttachEcho(c.ID, "alice", "echo-1"); err != nil {
		t.Fatalf("AttachEcho(completed) error = %v", err)
	}

	got, _ := m.Get(c.ID)
	if got.Echoes["alice"] != "echo-1" {
		t.Fatalf("Echoes[alice] = %q, want echo-1", got.Echoes["alice"])
	}
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	m := newTestManager(time.Minute)
	id, err := m.CreateForMatch(context.Background(), "match-1", "alice", "bob")
	if err != nil {
		t.Fatalf("CreateForMatch() error = %v", err)
	}

	ch, cancel := m.Subscribe(id)
	defer cancel()

	if _, err := m.Join(id, "alice"); err != nil {
		t.Fatalf("Join(alice) error = %v", err)
	}
	if _, err := m.Join(id, "bob"); err != nil {
		t.Fatalf("Join(bob) error = %v", err)
	}
	if _, err := m.AppendSegment(id, Segment{Speaker: 1, TimestampMS: 100}); err != nil {
		t.Fatalf("AppendSegment() error = %v", err)
	}
	if _, err := m.End(id, "bob", OutcomeCompleted); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	want := []EventType{EventCallStarted, EventCallSegment, EventCallEnded}
	for i, wantType := range want {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed before event %d", i)
			}
			if ev.Type != wantType {
				t.Fatalf("event[%d].Type = %q, want %q", i, ev.Type, wantType)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d (%s)", i, wantType)
		}
	}

	// The channel closes once the call ends.
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("got extra event, want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}

type failingProvider struct{}

func (failingProvider) CreateRoom(context.Context, string) (rooms.Room, error) {
	return rooms.Room{}, fmt.Errorf("%w: provider unavailable", rooms.ErrUpstream)
}
