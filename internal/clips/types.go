package clips

import (
	"time"

	"github.com/trutalk/trutalk/internal/emotion"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Clip is a submitted voice clip tracked through transcription and
// vectorization. Clips are ephemeral: past ExpiresAt they leave the
// matching pool regardless of status.
type Clip struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	StoragePath      string         `json:"storage_path"`
	DurationSeconds  float64        `json:"duration_seconds"`
	FileSizeBytes    int64          `json:"file_size_bytes"`
	Transcription    string         `json:"transcription,omitempty"`
	LanguageDetected string         `json:"language_detected,omitempty"`
	ConfidenceScore  float64        `json:"confidence_score,omitempty"`
	EmotionVector    emotion.Vector `json:"emotion_vector,omitempty"`
	EmotionLabels    emotion.Labels `json:"emotion_labels,omitempty"`
	Status           Status         `json:"processing_status"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
}

func (c Clip) Clone() Clip {
	out := c
	out.EmotionVector = c.EmotionVector.Clone()
	if c.EmotionLabels != nil {
		out.EmotionLabels = make(emotion.Labels, len(c.EmotionLabels))
		for k, v := range c.EmotionLabels {
			out.EmotionLabels[k] = v
		}
	}
	return out
}

func (c Clip) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusError
}

func (c Clip) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Eligible reports whether the clip can enter candidate selection.
func (c Clip) Eligible(now time.Time) bool {
	return c.Status == StatusCompleted && !c.Expired(now)
}

// SubmitRequest defines the payload for submitting a new clip.
type SubmitRequest struct {
	UserID          string  `json:"user_id"`
	StoragePath     string  `json:"storage_path"`
	DurationSeconds float64 `json:"duration_seconds"`
	FileSizeBytes   int64   `json:"file_size_bytes"`
}
