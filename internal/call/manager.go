package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trutalk/trutalk/internal/rooms"
)

var (
	ErrNotFound        = errors.New("call not found")
	ErrInvalidState    = errors.New("invalid call state")
	ErrOutOfOrder      = errors.New("segment timestamp out of order")
	ErrAlreadyConsumed = errors.New("match already has a call")
)

// Store persists call snapshots, write-through and best-effort.
type Store interface {
	SaveCall(ctx context.Context, call Call) error
}

// Manager owns the call lifecycle and its segment and quality sequences.
// All appends are serialized under the manager lock, so the two participant
// connections never interleave writes into a call.
type Manager struct {
	mu sync.RWMutex

	joinTimeout time.Duration

	calls       map[string]*Call
	callByMatch map[string]string

	rooms rooms.Provider
	store Store
	log   *logrus.Logger

	onEnded func(Call)

	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func NewManager(joinTimeout time.Duration, provider rooms.Provider, log *logrus.Logger) *Manager {
	if joinTimeout <= 0 {
		joinTimeout = time.Minute
	}
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		joinTimeout: joinTimeout,
		calls:       make(map[string]*Call),
		callByMatch: make(map[string]string),
		rooms:       provider,
		log:         log,
		subscribers: make(map[string]map[int]chan Event),
	}
}

func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// SetEndedHook observes every terminal transition (broker release wiring).
func (m *Manager) SetEndedHook(hook func(Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = hook
}

// CreateForMatch creates the one call backing an accepted match. A room
// provider failure records the call as failed and surfaces the error.
func (m *Manager) CreateForMatch(ctx context.Context, matchID, userID1, userID2 string) (string, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	if id, ok := m.callByMatch[matchID]; ok {
		m.mu.Unlock()
		return id, fmt.Errorf("%w: call %s", ErrAlreadyConsumed, id)
	}
	c := &Call{
		ID:        uuid.NewString(),
		MatchID:   matchID,
		UserID1:   userID1,
		UserID2:   userID2,
		Status:    StatusInitiated,
		CreatedAt: now,
		joined:    make(map[string]bool, 2),
	}
	m.calls[c.ID] = c
	m.callByMatch[matchID] = c.ID
	provider := m.rooms
	m.mu.Unlock()

	var roomErr error
	if provider != nil {
		room, err := provider.CreateRoom(ctx, c.ID)
		if err != nil {
			roomErr = err
		} else {
			m.mu.Lock()
			c.RoomName = room.Name
			c.RoomURL = room.URL
			m.mu.Unlock()
		}
	}
	if roomErr != nil {
		m.log.WithError(roomErr).WithField("call_id", c.ID).Error("room provisioning failed")
		if _, err := m.End(c.ID, "", OutcomeFailed); err != nil {
			m.log.WithError(err).WithField("call_id", c.ID).Warn("mark call failed")
		}
		return c.ID, fmt.Errorf("provision room: %w", roomErr)
	}

	m.persist(m.snapshot(c.ID))
	return c.ID, nil
}

func (m *Manager) Get(callID string) (Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c.Clone(), nil
}

// Join records a participant joining the room. The second join activates
// the call and sets started_at. Joins are idempotent per participant.
func (m *Manager) Join(callID, userID string) (Call, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return Call{}, ErrNotFound
	}
	if !c.Involves(userID) {
		m.mu.Unlock()
		return Call{}, fmt.Errorf("%w: user %s is not a participant", ErrInvalidState, userID)
	}
	if c.Terminal() {
		m.mu.Unlock()
		return Call{}, fmt.Errorf("%w: call is %s", ErrInvalidState, c.Status)
	}
	c.joined[userID] = true
	activated := false
	if c.Status == StatusInitiated && c.joined[c.UserID1] && c.joined[c.UserID2] {
		c.Status = StatusActive
		c.StartedAt = &now
		activated = true
	}
	snapshot := c.Clone()
	m.mu.Unlock()

	if activated {
		m.publish(snapshot.ID, Event{
			Type:   EventCallStarted,
			CallID: snapshot.ID,
			Status: snapshot.Status,
			At:     now,
		})
		m.persist(snapshot)
	}
	return snapshot, nil
}

// AppendSegment appends a translation segment. Rejects any segment whose
// timestamp is not strictly greater than the previous one, leaving the
// sequence unchanged.
func (m *Manager) AppendSegment(callID string, seg Segment) (Call, error) {
	if seg.Speaker != 1 && seg.Speaker != 2 {
		return Call{}, fmt.Errorf("%w: speaker must be 1 or 2", ErrInvalidState)
	}

	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return Call{}, ErrNotFound
	}
	if c.Status != StatusActive {
		m.mu.Unlock()
		return Call{}, fmt.Errorf("%w: call is %s", ErrInvalidState, c.Status)
	}
	if n := len(c.Segments); n > 0 && seg.TimestampMS <= c.Segments[n-1].TimestampMS {
		m.mu.Unlock()
		return Call{}, fmt.Errorf("%w: %d <= %d", ErrOutOfOrder, seg.TimestampMS, c.Segments[n-1].TimestampMS)
	}
	c.Segments = append(c.Segments, seg)
	snapshot := c.Clone()
	m.mu.Unlock()

	m.publish(snapshot.ID, Event{
		Type:    EventCallSegment,
		CallID:  snapshot.ID,
		Status:  snapshot.Status,
		Segment: &seg,
		At:      time.Now().UTC(),
	})
	m.persist(snapshot)
	return snapshot, nil
}

// RecordQuality appends a connection-quality sample in arrival order.
func (m *Manager) RecordQuality(callID string, sample QualitySample) (Call, error) {
	if sample.At.IsZero() {
		sample.At = time.Now().UTC()
	}

	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return Call{}, ErrNotFound
	}
	if c.Status != StatusActive {
		m.mu.Unlock()
		return Call{}, fmt.Errorf("%w: call is %s", ErrInvalidState, c.Status)
	}
	c.Quality = append(c.Quality, sample)
	snapshot := c.Clone()
	m.mu.Unlock()

	m.publish(snapshot.ID, Event{
		Type:    EventCallQuality,
		CallID:  snapshot.ID,
		Status:  snapshot.Status,
		Quality: &sample,
		At:      sample.At,
	})
	m.persist(snapshot)
	return snapshot, nil
}

// End terminates the call. Either participant may end an active call; an
// initiated call can be cancelled before both join (transitioning to
// failed). An empty userID is the supervisory path. Duration is zero when
// the call never started.
func (m *Manager) End(callID, userID string, outcome Outcome) (Call, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return Call{}, ErrNotFound
	}
	if userID != "" && !c.Involves(userID) {
		m.mu.Unlock()
		return Call{}, fmt.Errorf("%w: user %s is not a participant", ErrInvalidState, userID)
	}
	if c.Terminal() {
		m.mu.Unlock()
		return Call{}, fmt.Errorf("%w: call is %s", ErrInvalidState, c.Status)
	}

	switch {
	case c.Status == StatusInitiated:
		// Cancelled before both joined; never active counts as failed.
		c.Status = StatusFailed
	case outcome == OutcomeFailed:
		c.Status = StatusFailed
	default:
		c.Status = StatusCompleted
	}
	c.EndedAt = &now
	if c.StartedAt != nil {
		c.DurationSeconds = int64(now.Sub(*c.StartedAt).Seconds())
		if c.DurationSeconds < 0 {
			c.DurationSeconds = 0
		}
	}
	snapshot := c.Clone()
	hook := m.onEnded
	m.mu.Unlock()

	m.publish(snapshot.ID, Event{
		Type:   EventCallEnded,
		CallID: snapshot.ID,
		Status: snapshot.Status,
		At:     now,
	})
	m.closeSubscribers(snapshot.ID)
	m.persist(snapshot)
	if hook != nil {
		hook(snapshot)
	}
	return snapshot, nil
}

// AttachEcho records the composed echo reference on a completed call.
func (m *Manager) AttachEcho(callID, userID, echoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusCompleted {
		return fmt.Errorf("%w: call is %s", ErrInvalidState, c.Status)
	}
	if c.Echoes == nil {
		c.Echoes = make(map[string]string, 2)
	}
	c.Echoes[userID] = echoID
	return nil
}

// Subscribe streams call events until cancel is called or the call ends.
func (m *Manager) Subscribe(callID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if _, ok := m.subscribers[callID]; !ok {
		m.subscribers[callID] = make(map[int]chan Event)
	}
	m.subscribers[callID][id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[callID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(m.subscribers, callID)
		}
	}
}

// ActiveCount reports calls not yet terminal.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.calls {
		if !c.Terminal() {
			count++
		}
	}
	return count
}

// StartJanitor runs the supervisory join-timeout sweep: calls stuck in
// initiated past the window are forced to failed through the same End path
// as user-triggered terminations.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
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
				m.sweepStalled()
			}
		}
	}()
}

func (m *Manager) sweepStalled() {
	now := time.Now().UTC()
	var stalled []string

	m.mu.RLock()
	for id, c := range m.calls {
		if c.Status != StatusInitiated {
			continue
		}
		if now.Sub(c.CreatedAt) < m.joinTimeout {
			continue
		}
		stalled = append(stalled, id)
	}
	m.mu.RUnlock()

	for _, id := range stalled {
		if _, err := m.End(id, "", OutcomeFailed); err != nil && !errors.Is(err, ErrInvalidState) {
			m.log.WithError(err).WithField("call_id", id).Warn("join-timeout sweep failed")
		}
	}
}

func (m *Manager) publish(callID string, event Event) {
	m.mu.RLock()
	subs := m.subscribers[callID]
	channels := make([]chan Event, 0, len(subs))
	for _, ch := range subs {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	for _, ch := range channels {
		select {
		case ch <- event:
		default:
			// Slow subscriber; drop rather than block call progress.
		}
	}
}

func (m *Manager) closeSubscribers(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[callID]
	for id, ch := range subs {
		delete(subs, id)
		close(ch)
	}
	delete(m.subscribers, callID)
}

func (m *Manager) snapshot(callID string) Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.calls[callID]; ok {
		return c.Clone()
	}
	return Call{}
}

func (m *Manager) persist(c Call) {
	if c.ID == "" {
		return
	}
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SaveCall(ctx, c); err != nil {
			m.log.WithError(err).WithField("call_id", c.ID).Warn("call persist failed")
		}
	}()
}
