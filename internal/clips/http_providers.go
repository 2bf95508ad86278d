package clips

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trutalk/trutalk/internal/emotion"
	"github.com/trutalk/trutalk/internal/reliability"
)

const (
	httpRetryAttempts = 2
	httpBackoffBase   = 250 * time.Millisecond
	httpBackoffCap    = 2 * time.Second
)

// HTTPProviderConfig configures the hosted transcription and vectorization
// collaborators.
type HTTPProviderConfig struct {
	TranscribeURL string
	VectorizeURL  string
	Timeout       time.Duration
	Client        *http.Client
}

// HTTPProvider calls the collaborator endpoints over JSON. A failed request
// is retried once when the status is classified retryable.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
}

func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPProvider{cfg: cfg, client: client}
}

type transcribeRequest struct {
	VoiceClipID string `json:"voice_clip_id"`
	AudioURL    string `json:"audio_url"`
}

type transcribeResponse struct {
	Success          bool    `json:"success"`
	Transcription    string  `json:"transcription"`
	LanguageDetected string  `json:"language_detected"`
	ConfidenceScore  float64 `json:"confidence_score"`
	Error            string  `json:"error"`
}

type vectorizeRequest struct {
	VoiceClipID   string `json:"voice_clip_id"`
	Transcription string `json:"transcription"`
}

type vectorizeResponse struct {
	Success       bool           `json:"success"`
	EmotionVector emotion.Vector `json:"emotion_vector"`
	EmotionLabels emotion.Labels `json:"emotion_labels"`
	Error         string         `json:"error"`
}

func (p *HTTPProvider) Transcribe(ctx context.Context, clipID, storagePath string) (TranscriptionResult, error) {
	var out transcribeResponse
	err := p.post(ctx, p.cfg.TranscribeURL, transcribeRequest{
		VoiceClipID: clipID,
		AudioURL:    storagePath,
	}, &out)
	if err != nil {
		return TranscriptionResult{}, err
	}
	if !out.Success {
		return TranscriptionResult{}, fmt.Errorf("%w: transcribe: %s", ErrUpstream, out.Error)
	}
	return TranscriptionResult{
		Transcript:       out.Transcription,
		LanguageDetected: out.LanguageDetected,
		Confidence:       out.ConfidenceScore,
	}, nil
}

func (p *HTTPProvider) Vectorize(ctx context.Context, clipID, transcript string) (VectorizationResult, error) {
	var out vectorizeResponse
	err := p.post(ctx, p.cfg.VectorizeURL, vectorizeRequest{
		VoiceClipID:   clipID,
		Transcription: transcript,
	}, &out)
	if err != nil {
		return VectorizationResult{}, err
	}
	if !out.Success {
		return VectorizationResult{}, fmt.Errorf("%w: vectorize: %s", ErrUpstream, out.Error)
	}
	return VectorizationResult{
		Vector: out.EmotionVector,
		Labels: out.EmotionLabels,
	}, nil
}

func (p *HTTPProvider) post(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrUpstream, err)
	}

	var lastErr error
	for attempt := 0; attempt < httpRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUpstream, ctx.Err())
			case <-time.After(reliability.ExponentialBackoff(attempt, httpBackoffBase, httpBackoffCap)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		status, body, err := p.doPost(callCtx, url, payload)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrUpstream, err)
			continue
		}
		if status != http.StatusOK {
			lastErr = fmt.Errorf("%w: status %d", ErrUpstream, status)
			if reliability.IsRetryableHTTPStatus(status) {
				continue
			}
			return lastErr
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
		}
		return nil
	}
	return lastErr
}

func (p *HTTPProvider) doPost(ctx context.Context, url string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	const maxBody = 1 << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
