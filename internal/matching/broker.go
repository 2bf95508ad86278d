package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trutalk/trutalk/internal/clips"
	"github.com/trutalk/trutalk/internal/emotion"
	"github.com/trutalk/trutalk/internal/notify"
)

var (
	ErrNotFound        = errors.New("match not found")
	ErrInvalidState    = errors.New("invalid match state")
	ErrAlreadyConsumed = errors.New("match already consumed")
	ErrActiveMatch     = errors.New("user already has an active match")
)

// Store persists match snapshots, write-through and best-effort.
type Store interface {
	SaveMatch(ctx context.Context, match Match) error
}

// CallStarter creates the call backing an accepted match. Implemented by the
// call manager; an interface here keeps the dependency one-directional.
type CallStarter interface {
	CreateForMatch(ctx context.Context, matchID, userID1, userID2 string) (string, error)
}

type Config struct {
	MinSimilarity float64
	Expiry        time.Duration
}

// Broker owns the match lifecycle: candidate evaluation, accept/reject and
// the expiry sweep. It is the only component that mutates matches.
type Broker struct {
	mu sync.Mutex

	cfg  Config
	pool *Pool

	matches      map[string]*Match
	activeByUser map[string]string

	calls    CallStarter
	notifier notify.Notifier
	store    Store
	log      *logrus.Logger

	onMatched  func(Match)
	onResolved func(Match)
}

func NewBroker(cfg Config, pool *Pool, log *logrus.Logger) *Broker {
	if cfg.Expiry <= 0 {
		cfg.Expiry = 15 * time.Minute
	}
	if pool == nil {
		pool = NewPool()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Broker{
		cfg:          cfg,
		pool:         pool,
		matches:      make(map[string]*Match),
		activeByUser: make(map[string]string),
		log:          log,
	}
}

func (b *Broker) SetStore(store Store) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store = store
}

func (b *Broker) SetCallStarter(starter CallStarter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = starter
}

func (b *Broker) SetNotifier(n notify.Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifier = n
}

// SetMatchedHook observes every created match (metrics wiring).
func (b *Broker) SetMatchedHook(hook func(Match)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMatched = hook
}

// SetResolvedHook observes accept/reject/expire resolutions.
func (b *Broker) SetResolvedHook(hook func(Match)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onResolved = hook
}

// Evaluate pairs a newly completed clip with the best pool candidate, or
// queues it when nothing clears the threshold. A nil match with nil error
// means "no match yet".
func (b *Broker) Evaluate(ctx context.Context, clip clips.Clip) (*Match, error) {
	now := time.Now().UTC()
	if !clip.Eligible(now) {
		return nil, fmt.Errorf("%w: clip %s is not eligible", ErrInvalidState, clip.ID)
	}

	b.mu.Lock()
	if id, ok := b.activeByUser[clip.UserID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: match %s", ErrActiveMatch, id)
	}

	var (
		best      clips.Clip
		bestScore float64
		found     bool
	)
	for _, candidate := range b.pool.Snapshot(now) {
		if candidate.UserID == clip.UserID {
			continue
		}
		if _, active := b.activeByUser[candidate.UserID]; active {
			continue
		}
		score, err := emotion.Similarity(clip.EmotionVector, candidate.EmotionVector)
		if err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{
				"clip_id":      clip.ID,
				"candidate_id": candidate.ID,
			}).Warn("similarity failed, skipping candidate")
			continue
		}
		// Snapshot order is oldest-first, so strict > keeps the earliest
		// submission on ties.
		if !found || score > bestScore {
			best = candidate
			bestScore = score
			found = true
		}
	}

	if !found || bestScore < b.cfg.MinSimilarity {
		b.pool.RemoveUser(clip.UserID)
		b.pool.Insert(clip)
		b.mu.Unlock()
		return nil, nil
	}

	if _, ok := b.pool.Claim(best.ID); !ok {
		// Lost the candidate to a concurrent evaluation; queue and wait.
		b.pool.RemoveUser(clip.UserID)
		b.pool.Insert(clip)
		b.mu.Unlock()
		return nil, nil
	}
	b.pool.RemoveUser(best.UserID)
	b.pool.RemoveUser(clip.UserID)

	match := &Match{
		ID:              uuid.NewString(),
		UserID1:         clip.UserID,
		UserID2:         best.UserID,
		SimilarityScore: bestScore,
		VoiceClipID1:    clip.ID,
		VoiceClipID2:    best.ID,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(b.cfg.Expiry),
	}
	b.matches[match.ID] = match
	b.activeByUser[match.UserID1] = match.ID
	b.activeByUser[match.UserID2] = match.ID
	snapshot := match.Clone()
	matched := b.onMatched
	notifier := b.notifier
	b.mu.Unlock()

	if matched != nil {
		matched(snapshot)
	}
	b.notifyBoth(ctx, notifier, snapshot, notify.Event{
		Type:    notify.EventMatchFound,
		MatchID: snapshot.ID,
	})
	b.persist(snapshot)
	return &snapshot, nil
}

func (b *Broker) Get(matchID string) (Match, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	match, ok := b.matches[matchID]
	if !ok {
		return Match{}, ErrNotFound
	}
	return match.Clone(), nil
}

// Accept transitions a pending match to accepted and creates its call,
// exactly once. The losing side of a double-accept gets ErrAlreadyConsumed.
func (b *Broker) Accept(ctx context.Context, matchID, userID string) (Match, string, error) {
	b.mu.Lock()
	match, ok := b.matches[matchID]
	if !ok {
		b.mu.Unlock()
		return Match{}, "", ErrNotFound
	}
	if !match.Involves(userID) {
		b.mu.Unlock()
		return Match{}, "", fmt.Errorf("%w: user %s is not a participant", ErrInvalidState, userID)
	}
	switch match.Status {
	case StatusAccepted:
		b.mu.Unlock()
		return Match{}, "", ErrAlreadyConsumed
	case StatusRejected, StatusExpired:
		b.mu.Unlock()
		return Match{}, "", fmt.Errorf("%w: match is %s", ErrInvalidState, match.Status)
	}
	match.Status = StatusAccepted
	snapshot := match.Clone()
	starter := b.calls
	notifier := b.notifier
	resolved := b.onResolved
	b.mu.Unlock()

	if resolved != nil {
		resolved(snapshot)
	}
	b.persist(snapshot)

	var callID string
	if starter != nil {
		id, err := starter.CreateForMatch(ctx, snapshot.ID, snapshot.UserID1, snapshot.UserID2)
		if err != nil {
			return snapshot, "", err
		}
		callID = id
		b.notifyBoth(ctx, notifier, snapshot, notify.Event{
			Type:    notify.EventCallInvite,
			MatchID: snapshot.ID,
			CallID:  callID,
		})
	}
	return snapshot, callID, nil
}

// Reject resolves a pending match. Neither clip re-enters the pool; both
// users must submit fresh clips.
func (b *Broker) Reject(matchID, userID string) (Match, error) {
	b.mu.Lock()
	match, ok := b.matches[matchID]
	if !ok {
		b.mu.Unlock()
		return Match{}, ErrNotFound
	}
	if !match.Involves(userID) {
		b.mu.Unlock()
		return Match{}, fmt.Errorf("%w: user %s is not a participant", ErrInvalidState, userID)
	}
	if match.Status != StatusPending {
		b.mu.Unlock()
		return Match{}, fmt.Errorf("%w: match is %s", ErrInvalidState, match.Status)
	}
	match.Status = StatusRejected
	b.releaseLocked(match)
	snapshot := match.Clone()
	resolved := b.onResolved
	b.mu.Unlock()

	if resolved != nil {
		resolved(snapshot)
	}
	b.persist(snapshot)
	return snapshot, nil
}

// Release frees both users once the call backing an accepted match ends.
func (b *Broker) Release(matchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	match, ok := b.matches[matchID]
	if !ok {
		return
	}
	b.releaseLocked(match)
}

func (b *Broker) releaseLocked(match *Match) {
	if b.activeByUser[match.UserID1] == match.ID {
		delete(b.activeByUser, match.UserID1)
	}
	if b.activeByUser[match.UserID2] == match.ID {
		delete(b.activeByUser, match.UserID2)
	}
}

// StartJanitor runs the periodic expiry sweep.
func (b *Broker) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweepExpired(ctx)
			}
		}
	}()
}

// sweepExpired transitions pending matches past their expiry. An accept or
// reject that landed first already moved the match out of pending, so the
// sweep loses that race by construction.
func (b *Broker) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()
	var expired []Match

	b.mu.Lock()
	for _, match := range b.matches {
		if match.Status != StatusPending {
			continue
		}
		if now.Before(match.ExpiresAt) {
			continue
		}
		match.Status = StatusExpired
		b.releaseLocked(match)
		expired = append(expired, match.Clone())
	}
	notifier := b.notifier
	resolved := b.onResolved
	b.mu.Unlock()

	for _, match := range expired {
		if resolved != nil {
			resolved(match)
		}
		b.notifyBoth(ctx, notifier, match, notify.Event{
			Type:    notify.EventMatchExpired,
			MatchID: match.ID,
		})
		b.persist(match)
	}
}

func (b *Broker) notifyBoth(ctx context.Context, notifier notify.Notifier, match Match, event notify.Event) {
	if notifier == nil {
		return
	}
	event.At = time.Now().UTC()
	notifier.Notify(ctx, match.UserID1, event)
	notifier.Notify(ctx, match.UserID2, event)
}

func (b *Broker) persist(match Match) {
	b.mu.Lock()
	store := b.store
	b.mu.Unlock()
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SaveMatch(ctx, match); err != nil {
			b.log.WithError(err).WithField("match_id", match.ID).Warn("match persist failed")
		}
	}()
}
