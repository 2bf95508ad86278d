package echo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trutalk/trutalk/internal/call"
)

var (
	ErrNotFound     = errors.New("echo not found")
	ErrInvalidState = errors.New("invalid call state for echo")
)

// Echo is a short shareable artifact summarizing a completed call from one
// participant's perspective. Immutable after creation; engagement counters
// live in the community module, not here.
type Echo struct {
	ID             string    `json:"id"`
	CallID         string    `json:"call_id"`
	UserID         string    `json:"user_id"`
	Summary        string    `json:"summary"`
	FullTranscript string    `json:"full_transcript,omitempty"`
	Public         bool      `json:"public"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists echo snapshots, write-through and best-effort.
type Store interface {
	SaveEcho(ctx context.Context, echo Echo) error
}

// CallSource is the slice of the call manager the composer needs.
type CallSource interface {
	Get(callID string) (call.Call, error)
	AttachEcho(callID, userID, echoID string) error
}

// Composer builds echoes from completed calls, at most once per call and
// user. Summaries are the first maxWords of the participant's translated
// speech; richer summarization belongs to an external text collaborator.
type Composer struct {
	mu sync.Mutex

	maxWords int
	calls    CallSource
	store    Store
	log      *logrus.Logger

	echoes map[string]*Echo
	byCall map[string]string

	onComposed func(Echo)
}

func NewComposer(maxWords int, calls CallSource, log *logrus.Logger) *Composer {
	if maxWords <= 0 {
		maxWords = 5
	}
	if log == nil {
		log = logrus.New()
	}
	return &Composer{
		maxWords: maxWords,
		calls:    calls,
		log:      log,
		echoes:   make(map[string]*Echo),
		byCall:   make(map[string]string),
	}
}

func (c *Composer) SetStore(store Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
}

// SetComposedHook observes every newly composed echo (metrics wiring).
func (c *Composer) SetComposedHook(hook func(Echo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComposed = hook
}

// Compose builds the echo for one participant of a completed call. A second
// invocation returns the existing echo. When the participant has no speech
// segments the echo is skipped: (nil, nil).
func (c *Composer) Compose(ctx context.Context, callID, userID string) (*Echo, error) {
	session, err := c.calls.Get(callID)
	if err != nil {
		return nil, err
	}
	if session.Status != call.StatusCompleted {
		return nil, fmt.Errorf("%w: call is %s", ErrInvalidState, session.Status)
	}
	slot := session.Slot(userID)
	if slot == 0 {
		return nil, fmt.Errorf("%w: user %s is not a participant", ErrInvalidState, userID)
	}

	key := callID + "/" + userID

	c.mu.Lock()
	if id, ok := c.byCall[key]; ok {
		existing := *c.echoes[id]
		c.mu.Unlock()
		return &existing, nil
	}
	c.mu.Unlock()

	transcript := participantTranscript(session, slot)
	if transcript == "" {
		return nil, nil
	}

	now := time.Now().UTC()
	echo := &Echo{
		ID:             uuid.NewString(),
		CallID:         callID,
		UserID:         userID,
		Summary:        Summarize(transcript, c.maxWords),
		FullTranscript: transcript,
		Public:         false,
		CreatedAt:      now,
	}

	c.mu.Lock()
	if id, ok := c.byCall[key]; ok {
		// Lost a concurrent compose for the same pair; return the winner.
		existing := *c.echoes[id]
		c.mu.Unlock()
		return &existing, nil
	}
	c.echoes[echo.ID] = echo
	c.byCall[key] = echo.ID
	composed := c.onComposed
	snapshot := *echo
	c.mu.Unlock()

	if err := c.calls.AttachEcho(callID, userID, snapshot.ID); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"call_id": callID,
			"echo_id": snapshot.ID,
		}).Warn("attach echo failed")
	}
	if composed != nil {
		composed(snapshot)
	}
	c.persist(snapshot)
	return &snapshot, nil
}

func (c *Composer) Get(echoID string) (Echo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	echo, ok := c.echoes[echoID]
	if !ok {
		return Echo{}, ErrNotFound
	}
	return *echo, nil
}

// Summarize reduces a transcript to its first maxWords words.
func Summarize(transcript string, maxWords int) string {
	words := strings.Fields(transcript)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

func participantTranscript(session call.Call, slot int) string {
	var parts []string
	for _, seg := range session.Segments {
		if seg.Speaker != slot {
			continue
		}
		text := strings.TrimSpace(seg.Translated)
		if text == "" {
			text = strings.TrimSpace(seg.Original)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func (c *Composer) persist(echo Echo) {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SaveEcho(ctx, echo); err != nil {
			c.log.WithError(err).WithField("echo_id", echo.ID).Warn("echo persist failed")
		}
	}()
}
