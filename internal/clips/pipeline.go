package clips

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trutalk/trutalk/internal/emotion"
)

var (
	ErrNotFound     = errors.New("clip not found")
	ErrInvalidState = errors.New("invalid clip state")
)

// Store persists clip snapshots. Persistence is write-through and
// best-effort; the pipeline remains the in-memory authority.
type Store interface {
	SaveClip(ctx context.Context, clip Clip) error
}

// Pipeline tracks submitted clips through the transcription and
// vectorization callbacks. Completion pushes the clip into the match broker
// via the completed hook.
type Pipeline struct {
	mu sync.RWMutex

	dim int
	ttl time.Duration

	clips map[string]*Clip

	store Store
	log   *logrus.Logger

	onSubmitted func(Clip)
	onCompleted func(Clip)
	onFailed    func(Clip)
}

func NewPipeline(dim int, ttl time.Duration, log *logrus.Logger) *Pipeline {
	if dim <= 0 {
		dim = emotion.Dim
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = logrus.New()
	}
	return &Pipeline{
		dim:   dim,
		ttl:   ttl,
		clips: make(map[string]*Clip),
		log:   log,
	}
}

func (p *Pipeline) SetStore(store Store) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store = store
}

// SetSubmittedHook registers the hook that schedules processing for a newly
// accepted clip (redis stream enqueue or inline dispatch).
func (p *Pipeline) SetSubmittedHook(hook func(Clip)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSubmitted = hook
}

// SetCompletedHook registers the push into the match broker.
func (p *Pipeline) SetCompletedHook(hook func(Clip)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCompleted = hook
}

func (p *Pipeline) SetFailedHook(hook func(Clip)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailed = hook
}

func (p *Pipeline) Submit(req SubmitRequest) (Clip, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.StoragePath = strings.TrimSpace(req.StoragePath)
	if req.UserID == "" {
		return Clip{}, fmt.Errorf("%w: user_id is required", ErrInvalidState)
	}
	if req.StoragePath == "" {
		return Clip{}, fmt.Errorf("%w: storage_path is required", ErrInvalidState)
	}
	if req.DurationSeconds <= 0 {
		return Clip{}, fmt.Errorf("%w: duration_seconds must be positive", ErrInvalidState)
	}

	now := time.Now().UTC()
	clip := &Clip{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		StoragePath:     req.StoragePath,
		DurationSeconds: req.DurationSeconds,
		FileSizeBytes:   req.FileSizeBytes,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(p.ttl),
	}

	p.mu.Lock()
	p.clips[clip.ID] = clip
	snapshot := clip.Clone()
	hook := p.onSubmitted
	p.mu.Unlock()

	p.persist(snapshot)
	if hook != nil {
		hook(snapshot)
	}
	return snapshot, nil
}

func (p *Pipeline) Get(clipID string) (Clip, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	clip, ok := p.clips[clipID]
	if !ok {
		return Clip{}, ErrNotFound
	}
	return clip.Clone(), nil
}

// OnTranscribed records the transcription collaborator result. The first
// callback moves a pending clip to processing.
func (p *Pipeline) OnTranscribed(clipID, transcript, languageDetected string, confidence float64) (Clip, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Clip{}, fmt.Errorf("%w: empty transcript", ErrInvalidState)
	}

	p.mu.Lock()
	clip, ok := p.clips[clipID]
	if !ok {
		p.mu.Unlock()
		return Clip{}, ErrNotFound
	}
	if clip.Terminal() {
		p.mu.Unlock()
		return Clip{}, fmt.Errorf("%w: clip is %s", ErrInvalidState, clip.Status)
	}
	clip.Status = StatusProcessing
	clip.Transcription = transcript
	clip.LanguageDetected = strings.TrimSpace(languageDetected)
	clip.ConfidenceScore = confidence
	snapshot := clip.Clone()
	p.mu.Unlock()

	p.persist(snapshot)
	return snapshot, nil
}

// OnVectorized records the emotion vector and completes the clip. The
// vector-present-iff-completed invariant holds: the vector is validated and
// assigned in the same transition that sets completed.
func (p *Pipeline) OnVectorized(clipID string, vector emotion.Vector, labels emotion.Labels) (Clip, error) {
	if err := vector.Validate(p.dim); err != nil {
		return Clip{}, err
	}

	p.mu.Lock()
	clip, ok := p.clips[clipID]
	if !ok {
		p.mu.Unlock()
		return Clip{}, ErrNotFound
	}
	if clip.Terminal() {
		p.mu.Unlock()
		return Clip{}, fmt.Errorf("%w: clip is %s", ErrInvalidState, clip.Status)
	}
	if clip.Transcription == "" {
		p.mu.Unlock()
		return Clip{}, fmt.Errorf("%w: vectorized before transcription", ErrInvalidState)
	}
	clip.Status = StatusCompleted
	clip.EmotionVector = vector.Clone()
	if labels != nil {
		clip.EmotionLabels = make(emotion.Labels, len(labels))
		for k, v := range labels {
			clip.EmotionLabels[k] = v
		}
	}
	snapshot := clip.Clone()
	hook := p.onCompleted
	p.mu.Unlock()

	p.persist(snapshot)
	if hook != nil && !snapshot.Expired(time.Now().UTC()) {
		hook(snapshot)
	}
	return snapshot, nil
}

// OnFailed marks the clip as error. Error is terminal; the clip never
// re-enters the matching pool and the user must resubmit.
func (p *Pipeline) OnFailed(clipID, message string) (Clip, error) {
	p.mu.Lock()
	clip, ok := p.clips[clipID]
	if !ok {
		p.mu.Unlock()
		return Clip{}, ErrNotFound
	}
	if clip.Terminal() {
		p.mu.Unlock()
		return Clip{}, fmt.Errorf("%w: clip is %s", ErrInvalidState, clip.Status)
	}
	clip.Status = StatusError
	clip.ErrorMessage = strings.TrimSpace(message)
	snapshot := clip.Clone()
	hook := p.onFailed
	p.mu.Unlock()

	p.persist(snapshot)
	if hook != nil {
		hook(snapshot)
	}
	return snapshot, nil
}

func (p *Pipeline) persist(clip Clip) {
	p.mu.RLock()
	store := p.store
	p.mu.RUnlock()
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SaveClip(ctx, clip); err != nil {
			p.log.WithError(err).WithField("clip_id", clip.ID).Warn("clip persist failed")
		}
	}()
}
