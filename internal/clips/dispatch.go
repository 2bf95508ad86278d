package clips

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher drives one clip through transcription then vectorization and
// reports the result back to the pipeline. Used by both the redis worker
// pool and the inline development path.
type Dispatcher struct {
	Pipeline    *Pipeline
	Transcriber Transcriber
	Vectorizer  Vectorizer
	Timeout     time.Duration
	Logger      *logrus.Logger
}

func (d *Dispatcher) Process(ctx context.Context, clipID, storagePath string) {
	log := d.logger().WithField("clip_id", clipID)
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	tr, err := d.Transcriber.Transcribe(tctx, clipID, storagePath)
	cancel()
	if err != nil {
		log.WithError(err).Warn("transcription failed")
		if _, err := d.Pipeline.OnFailed(clipID, "transcription failed: "+err.Error()); err != nil {
			log.WithError(err).Warn("mark clip failed")
		}
		return
	}
	if _, err := d.Pipeline.OnTranscribed(clipID, tr.Transcript, tr.LanguageDetected, tr.Confidence); err != nil {
		log.WithError(err).Warn("record transcription")
		return
	}

	vctx, cancel := context.WithTimeout(ctx, timeout)
	vr, err := d.Vectorizer.Vectorize(vctx, clipID, tr.Transcript)
	cancel()
	if err != nil {
		log.WithError(err).Warn("vectorization failed")
		if _, err := d.Pipeline.OnFailed(clipID, "vectorization failed: "+err.Error()); err != nil {
			log.WithError(err).Warn("mark clip failed")
		}
		return
	}
	if _, err := d.Pipeline.OnVectorized(clipID, vr.Vector, vr.Labels); err != nil {
		log.WithError(err).Warn("record vector")
		if _, ferr := d.Pipeline.OnFailed(clipID, "invalid vector: "+err.Error()); ferr != nil {
			log.WithError(ferr).Warn("mark clip failed")
		}
	}
}

func (d *Dispatcher) logger() *logrus.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.New()
}
