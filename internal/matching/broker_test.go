package matching

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trutalk/trutalk/internal/clips"
	"github.com/trutalk/trutalk/internal/emotion"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func completedClip(userID string, vector emotion.Vector, createdAt time.Time) clips.Clip {
	return clips.Clip{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        clips.StatusCompleted,
		EmotionVector: vector,
		CreatedAt:     createdAt,
		ExpiresAt:     createdAt.Add(time.Hour),
	}
}

func newTestBroker(threshold float64, expiry time.Duration) *Broker {
	return NewBroker(Config{MinSimilarity: threshold, Expiry: expiry}, NewPool(), testLogger())
}

func TestEvaluateCreatesPendingMatch(t *testing.T) {
	b := newTestBroker(0.7, time.Minute)
	now := time.Now().UTC()

	a := completedClip("alice", emotion.Vector{1, 0, 0, 0, 0, 0, 0, 0}, now.Add(-time.Minute))
	if m, err := b.Evaluate(context.Background(), a); err != nil || m != nil {
		t.Fatalf("Evaluate(a) = %v, %v, want queued with no match", m, err)
	}

	bClip := completedClip("bob", emotion.Vector{0.9, 0.1, 0, 0, 0, 0, 0, 0}, now)
	match, err := b.Evaluate(context.Background(), bClip)
	if err != nil {
		t.Fatalf("Evaluate(b) error = %v", err)
	}
	if match == nil {
		t.Fatalf("Evaluate(b) match = nil, want pending match")
	}
	if match.Status != StatusPending {
		t.Fatalf("match.Status = %q, want %q", match.Status, StatusPending)
	}
	if math.Abs(match.SimilarityScore-0.994) > 0.001 {
		t.Fatalf("match.SimilarityScore = %v, want ~0.994", match.SimilarityScore)
	}
	if !match.Involves("alice") || !match.Involves("bob") {
		t.Fatalf("match participants = %s/%s, want alice and bob", match.UserID1, match.UserID2)
	}
}

func TestEvaluateBelowThresholdQueues(t *testing.T) {
	b := newTestBroker(0.9, time.Minute)
	now := time.Now().UTC()

	a := completedClip("alice", emotion.Vector{1, 0, 0, 0, 0, 0, 0, 0}, now)
	if _, err := b.Evaluate(context.Background(), a); err != nil {
		t.Fatalf("Evaluate(a) error = %v", err)
	}

	// Orthogonal vectors score 0, well below the threshold.
	c := completedClip("carol", emotion.Vector{0, 1, 0, 0, 0, 0, 0, 0}, now)
	match, err := b.Evaluate(context.Background(), c)
	if err != nil {
		t.Fatalf("Evaluate(c) error = %v", err)
	}
	if match != nil {
		t.Fatalf("Evaluate(c) match = %+v, want nil (no match yet)", match)
	}
	if b.pool.Len() != 2 {
		t.Fatalf("pool len = %d, want 2", b.pool.Len())
	}
}

func TestEvaluateTieBreaksOldestFirst(t *testing.T) {
	b := newTestBroker(0.7, time.Minute)
	now := time.Now().UTC()

	// older and newer are orthogonal to each other (score 0, both queue)
	// and equidistant from the probe (score ~0.707 each).
	older := completedClip("older", emotion.Vector{1, 0, 0, 0, 0, 0, 0, 0}, now.Add(-2*time.Minute))
	newer := completedClip("newer", emotion.Vector{0, 1, 0, 0, 0, 0, 0, 0}, now.Add(-time.Minute))
	if m, err := b.Evaluate(context.Background(), older); err != nil || m != nil {
		t.Fatalf("Evaluate(older) = %v, %v, want queued", m, err)
	}
	if m, err := b.Evaluate(context.Background(), newer); err != nil || m != nil {
		t.Fatalf("Evaluate(newer) = %v, %v, want queued", m, err)
	}

	probe := completedClip("probe", emotion.Vector{1, 1, 0, 0, 0, 0, 0, 0}, now)
	match, err := b.Evaluate(context.Background(), probe)
	if err != nil {
		t.Fatalf("Evaluate(probe) error = %v", err)
	}
	if match == nil {
		t.Fatalf("Evaluate(probe) match = nil, want match")
	}
	if !match.Involves("older") {
		t.Fatalf("probe matched %s/%s, want the older candidate", match.UserID1, match.UserID2)
	}
}

func TestEvaluateEnforcesSingleActiveMatch(t *testing.T) {
	b := newTestBroker(0.5, time.Minute)
	now := time.Now().UTC()
	v := emotion.Vector{1, 0, 0, 0, 0, 0, 0, 0}

	if _, err := b.Evaluate(context.Background(), completedClip("alice", v, now)); err != nil {
		t.Fatalf("Evaluate(alice) error = %v", err)
	}
	match, err := b.Evaluate(context.Background(), completedClip("bob", v, now))
	if err != nil || match == nil {
		t.Fatalf("Evaluate(bob) = %v, %v, want match", match, err)
	}

	if _, err := b.Evaluate(context.Background(), completedClip("alice", v, now)); !errors.Is(err, ErrActiveMatch) {
		t.Fatalf("Evaluate(alice again) error = %v, want ErrActiveMatch", err)
	}
}

func TestConcurrentAcceptCreatesOneCall(t *testing.T) {
	b := newTestBroker(0.5, time.Minute)
	starter := &countingStarter{}
	b.SetCallStarter(starter)

	now := time.Now().UTC()
	v := emotion.Vector{1, 0, 0, 0, 0, 0, 0, 0}
	if _, err := b.Evaluate(context.Background(), completedClip("alice", v, now)); err != nil {
		t.Fatalf("Evaluate(alice) error = %v", err)
	}
	match, err := b.Evaluate(context.Background(), completedClip("bob", v, now))
	if err != nil || match == nil {
		t.Fatalf("Evaluate(bob) = %v, %v, want match", match, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, user := range []string{match.UserID1, match.UserID2} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, _, err := b.Accept(context.Background(), match.ID, u)
			errs <- err
		}(user)
	}
	wg.Wait()
	close(errs)

	var okCount, consumedCount int
	for err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrAlreadyConsumed):
			consumedCount++
		default:
			t.Fatalf("Accept() unexpected error = %v", err)
		}
	}
	if okCount != 1 || consumedCount != 1 {
		t.Fatalf("accept outcomes ok=%d consumed=%d, want 1/1", okCount, consumedCount)
	}
	if got := starter.count(); got != 1 {
		t.Fatalf("calls created = %d, want exactly 1", got)
	}
}

func TestRejectResolvesAndFreesUsers(t *testing.T) {
	b := newTestBroker(0.5, time.Minute)
	now := time.Now().UTC()
	v := emotion.Vector{1, 0, 0, 0, 0, 0, 0, 0}

	if _, err := b.Evaluate(context.Background(), completedClip("alice", v, now)); err != nil {
		t.Fatalf("Evaluate(alice) error = %v", err)
	}
	match, err := b.Evaluate(context.Background(), completedClip("bob", v, now))
	if err != nil || match == nil {
		t.Fatalf("Evaluate(bob) = %v, %v, want match", match, err)
	}

	rejected, err := b.Reject(match.ID, match.UserID1)
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Fatalf("Status = %q, want %q", rejected.Status, StatusRejected)
	}
	if b.pool.Len() != 0 {
		t.Fatalf("pool len = %d, want 0 (rejected clips are not re-admitted)", b.pool.Len())
	}

	// Both users can re-enter matching with fresh clips.
	if _, err := b.Evaluate(context.Background(), completedClip("alice", v, now)); err != nil {
		t.Fatalf("Evaluate(alice after reject) error = %v", err)
	}
}

func TestSweepExpiresPendingAndIsOneWay(t *testing.T) {
	b := newTestBroker(0.5, time.Minute)
	now := time.Now().UTC()
	v := emotion.Vector{1, 0, 0, 0, 0, 0, 0, 0}

	if _, err := b.Evaluate(context.Background(), completedClip("alice", v, now)); err != nil {
		t.Fatalf("Evaluate(alice) error = %v", err)
	}
	match, err := b.Evaluate(context.Background(), completedClip("bob", v, now))
	if err != nil || match == nil {
		t.Fatalf("Evaluate(bob) = %v, %v, want match", match, err)
	}

	// Force the expiry into the past, then sweep.
	b.mu.Lock()
	b.matches[match.ID].ExpiresAt = now.Add(-time.Second)
	b.mu.Unlock()
	b.sweepExpired(context.Background())

	got, err := b.Get(match.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("Status = %q, want %q", got.Status, StatusExpired)
	}

	if _, _, err := b.Accept(context.Background(), match.ID, got.UserID1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Accept() after expiry error = %v, want ErrInvalidState", err)
	}

	// Users are freed to match again.
	if _, err := b.Evaluate(context.Background(), completedClip("alice", v, now)); err != nil {
		t.Fatalf("Evaluate(alice after expiry) error = %v", err)
	}
}

func TestAcceptBeatsSweep(t *testing.T) {
	b := newTestBroker(0.5, time.Minute)
	now := time.Now().UTC()
	v := emotion.Vector{1, 0, 0, 0, 0, 0, 0, 0}

	if _, err := b.Evaluate(context.Background(), completedClip("alice", v, now)); err != nil {
		t.Fatalf("Evaluate(alice) error = %v", err)
	}
	match, err := b.Evaluate(context.Background(), completedClip("bob", v, now))
	if err != nil || match == nil {
		t.Fatalf("Evaluate(bob) = %v, %v, want match", match, err)
	}

	b.mu.Lock()
	b.matches[match.ID].ExpiresAt = now.Add(-time.Second)
	b.mu.Unlock()

	// Accept lands before the sweep observes the match: it wins.
	accepted, _, err := b.Accept(context.Background(), match.ID, match.UserID1)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("Status = %q, want %q", accepted.Status, StatusAccepted)
	}

	b.sweepExpired(context.Background())
	got, err := b.Get(match.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusAccepted {
		t.Fatalf("Status after sweep = %q, want %q (sweep must lose)", got.Status, StatusAccepted)
	}
}

type countingStarter struct {
	mu sync.Mutex
	n  int
}

func (s *countingStarter) CreateForMatch(_ context.Context, matchID, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "call-for-" + matchID, nil
}

func (s *countingStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
