package matching

import (
	"sort"
	"sync"
	"time"

	"github.com/trutalk/trutalk/internal/clips"
)

// Pool is the claim-based candidate registry: completed, unexpired,
// unmatched clips waiting for a pair. Insertion and removal are atomic per
// clip id, so concurrent evaluations cannot double-select a candidate.
type Pool struct {
	mu     sync.Mutex
	byClip map[string]clips.Clip
}

func NewPool() *Pool {
	return &Pool{byClip: make(map[string]clips.Clip)}
}

// Insert adds a clip to the pool. Returns false if the clip is already
// registered.
func (p *Pool) Insert(clip clips.Clip) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byClip[clip.ID]; ok {
		return false
	}
	p.byClip[clip.ID] = clip.Clone()
	return true
}

// Claim atomically removes and returns the clip, if still present. A false
// result means another evaluation won the race.
func (p *Pool) Claim(clipID string) (clips.Clip, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clip, ok := p.byClip[clipID]
	if !ok {
		return clips.Clip{}, false
	}
	delete(p.byClip, clipID)
	return clip, true
}

// RemoveUser drops all of a user's clips from the pool.
func (p *Pool) RemoveUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, clip := range p.byClip {
		if clip.UserID == userID {
			delete(p.byClip, id)
		}
	}
}

// Snapshot returns eligible candidates ordered by submission time (oldest
// first), then clip id for a deterministic tie break. Expired clips are
// pruned as a side effect.
func (p *Pool) Snapshot(now time.Time) []clips.Clip {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]clips.Clip, 0, len(p.byClip))
	for id, clip := range p.byClip {
		if clip.Expired(now) {
			delete(p.byClip, id)
			continue
		}
		out = append(out, clip.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byClip)
}
