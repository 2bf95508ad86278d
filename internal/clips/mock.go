package clips

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/trutalk/trutalk/internal/emotion"
)

// MockProvider is a deterministic in-process stand-in for the transcription
// and vectorization collaborators, used in development and tests.
type MockProvider struct {
	dim int
}

func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = emotion.Dim
	}
	return &MockProvider{dim: dim}
}

func (m *MockProvider) Transcribe(_ context.Context, clipID, storagePath string) (TranscriptionResult, error) {
	base := strings.TrimSuffix(pathBase(storagePath), ".wav")
	transcript := strings.ReplaceAll(base, "_", " ")
	if strings.TrimSpace(transcript) == "" {
		transcript = "voice clip " + clipID
	}
	return TranscriptionResult{
		Transcript:       transcript,
		LanguageDetected: "en",
		Confidence:       0.92,
	}, nil
}

// Vectorize derives a stable non-zero vector from the transcript so that
// identical transcripts always score 1.0 against each other.
func (m *MockProvider) Vectorize(_ context.Context, _ string, transcript string) (VectorizationResult, error) {
	vector := make(emotion.Vector, m.dim)
	h := fnv.New32a()
	for i := range vector {
		h.Reset()
		_, _ = h.Write([]byte(transcript))
		_, _ = h.Write([]byte{byte(i)})
		vector[i] = 0.05 + float64(h.Sum32()%1000)/1000.0
	}

	labels := make(emotion.Labels, len(emotion.Categories))
	for i, name := range emotion.Categories {
		if i < len(vector) {
			labels[name] = vector[i]
		}
	}
	return VectorizationResult{Vector: vector, Labels: labels}, nil
}

func pathBase(p string) string {
	if i := strings.LastIndexAny(p, "/\\"); i >= 0 {
		return p[i+1:]
	}
	return p
}
