package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/trutalk/trutalk/internal/call"
	"github.com/trutalk/trutalk/internal/clips"
	"github.com/trutalk/trutalk/internal/config"
	"github.com/trutalk/trutalk/internal/echo"
	"github.com/trutalk/trutalk/internal/httpapi"
	"github.com/trutalk/trutalk/internal/logger"
	"github.com/trutalk/trutalk/internal/matching"
	"github.com/trutalk/trutalk/internal/notify"
	"github.com/trutalk/trutalk/internal/observability"
	"github.com/trutalk/trutalk/internal/rooms"
	"github.com/trutalk/trutalk/internal/store"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()

	var pg *store.PostgresStore
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.EmotionDim)
		if err != nil {
			log.WithError(err).Fatal("postgres init failed")
		}
		defer pg.Close()
		log.Info("postgres store enabled")
	} else {
		log.Warn("DATABASE_URL not set, running without persistence")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("redis ping failed")
		}
		defer redisClient.Close()
		log.Info("redis enabled")
	}

	var notifier notify.Notifier
	if redisClient != nil {
		notifier = &notify.RedisNotifier{Redis: redisClient, Logger: log}
	} else {
		notifier = &notify.LogNotifier{Logger: log}
	}

	pipeline := clips.NewPipeline(cfg.EmotionDim, cfg.ClipTTL, log)

	var (
		transcriber clips.Transcriber
		vectorizer  clips.Vectorizer
	)
	providerMode := strings.ToLower(strings.TrimSpace(cfg.PipelineProvider))
	if providerMode == "" {
		providerMode = "auto"
	}

	tryHTTP := func() bool {
		if cfg.TranscribeURL == "" || cfg.VectorizeURL == "" {
			return false
		}
		p := clips.NewHTTPProvider(clips.HTTPProviderConfig{
			TranscribeURL: cfg.TranscribeURL,
			VectorizeURL:  cfg.VectorizeURL,
			Timeout:       cfg.UpstreamTimeout,
		})
		transcriber = p
		vectorizer = p
		log.Info("pipeline provider: http")
		return true
	}

	switch providerMode {
	case "http":
		if !tryHTTP() {
			log.Fatal("PIPELINE_PROVIDER=http but TRANSCRIBE_URL or VECTORIZE_URL is not set")
		}
	case "mock":
		p := clips.NewMockProvider(cfg.EmotionDim)
		transcriber = p
		vectorizer = p
		log.Info("pipeline provider: mock")
	case "auto":
		if !tryHTTP() {
			p := clips.NewMockProvider(cfg.EmotionDim)
			transcriber = p
			vectorizer = p
			log.Info("pipeline provider: mock (no collaborator urls configured)")
		}
	default:
		log.Fatalf("invalid PIPELINE_PROVIDER: %q (expected auto|http|mock)", cfg.PipelineProvider)
	}

	dispatcher := &clips.Dispatcher{
		Pipeline:    pipeline,
		Transcriber: transcriber,
		Vectorizer:  vectorizer,
		Timeout:     cfg.UpstreamTimeout,
		Logger:      log,
	}

	broker := matching.NewBroker(matching.Config{
		MinSimilarity: cfg.MatchMinSimilarity,
		Expiry:        cfg.MatchExpiry,
	}, matching.NewPool(), log)
	broker.SetNotifier(notifier)

	roomProvider, err := rooms.NewStaticProvider(cfg.RoomBaseURL)
	if err != nil {
		log.WithError(err).Fatal("room provider init failed")
	}
	callManager := call.NewManager(cfg.CallJoinTimeout, roomProvider, log)
	broker.SetCallStarter(callManager)

	composer := echo.NewComposer(cfg.EchoMaxWords, callManager, log)

	if pg != nil {
		pipeline.SetStore(pg)
		broker.SetStore(pg)
		callManager.SetStore(pg)
		composer.SetStore(pg)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// Clip processing: redis stream workers when available, inline otherwise.
	if redisClient != nil {
		pool := &clips.WorkerPool{
			Redis:          redisClient,
			Dispatcher:     dispatcher,
			NumWorkers:     cfg.ClipWorkers,
			Logger:         log,
			Stream:         cfg.ClipStream,
			Group:          cfg.ClipGroup,
			ConsumerPrefix: "clip",
		}
		if err := pool.Start(runCtx); err != nil {
			log.WithError(err).Fatal("worker pool start failed")
		}
		pipeline.SetSubmittedHook(func(c clips.Clip) {
			if err := pool.Enqueue(runCtx, c); err != nil {
				log.WithError(err).WithField("clip_id", c.ID).Warn("enqueue clip failed")
			}
		})
	} else {
		pipeline.SetSubmittedHook(func(c clips.Clip) {
			go dispatcher.Process(runCtx, c.ID, c.StoragePath)
		})
	}

	pipeline.SetCompletedHook(func(c clips.Clip) {
		metrics.ClipTransitions.WithLabelValues(string(c.Status)).Inc()
		if _, err := broker.Evaluate(runCtx, c); err != nil {
			log.WithError(err).WithField("clip_id", c.ID).Warn("match evaluation failed")
		}
	})
	pipeline.SetFailedHook(func(c clips.Clip) {
		metrics.ClipTransitions.WithLabelValues(string(c.Status)).Inc()
		notifier.Notify(runCtx, c.UserID, notify.Event{
			Type:   notify.EventClipFailed,
			ClipID: c.ID,
			Detail: c.ErrorMessage,
		})
	})

	broker.SetMatchedHook(func(m matching.Match) {
		metrics.MatchesCreated.Inc()
		metrics.SimilarityScores.Observe(m.SimilarityScore)
	})
	broker.SetResolvedHook(func(m matching.Match) {
		metrics.MatchOutcomes.WithLabelValues(string(m.Status)).Inc()
	})

	callManager.SetEndedHook(func(c call.Call) {
		metrics.CallOutcomes.WithLabelValues(string(c.Status)).Inc()
		metrics.ActiveCalls.Set(float64(callManager.ActiveCount()))
		broker.Release(c.MatchID)
	})

	composer.SetComposedHook(func(echo.Echo) {
		metrics.EchoesComposed.Inc()
	})

	broker.StartJanitor(runCtx, cfg.MatchSweepInterval)
	callManager.StartJanitor(runCtx, cfg.CallSweepInterval)

	api := httpapi.New(cfg, pipeline, broker, callManager, composer, metrics)
	if pg != nil {
		api.SetReadinessCheck(func(r *http.Request) error {
			return pg.Ping(r.Context())
		})
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info("shutdown complete")
}
