package clips

import (
	"context"
	"errors"

	"github.com/trutalk/trutalk/internal/emotion"
)

// ErrUpstream marks a transcription or vectorization collaborator failure.
var ErrUpstream = errors.New("upstream collaborator failure")

type TranscriptionResult struct {
	Transcript       string  `json:"transcription"`
	LanguageDetected string  `json:"language_detected"`
	Confidence       float64 `json:"confidence_score"`
}

type VectorizationResult struct {
	Vector emotion.Vector `json:"emotion_vector"`
	Labels emotion.Labels `json:"emotion_labels"`
}

// Transcriber turns stored audio into text. The ML model behind it is a
// black box; the core only depends on this contract.
type Transcriber interface {
	Transcribe(ctx context.Context, clipID, storagePath string) (TranscriptionResult, error)
}

// Vectorizer turns a transcript into a fixed-dimension emotion vector.
type Vectorizer interface {
	Vectorize(ctx context.Context, clipID, transcript string) (VectorizationResult, error)
}
