package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice matching service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string
	RedisAddr   string

	PipelineProvider string
	TranscribeURL    string
	VectorizeURL     string
	UpstreamTimeout  time.Duration

	EmotionDim int
	ClipTTL    time.Duration

	MatchMinSimilarity float64
	MatchExpiry        time.Duration
	MatchSweepInterval time.Duration

	CallJoinTimeout   time.Duration
	CallSweepInterval time.Duration

	EchoMaxWords int

	RoomBaseURL string

	ClipStream  string
	ClipGroup   string
	ClipWorkers int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "trutalk"),
		AllowAnyOrigin:   false,
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		RedisAddr:        stringsTrimSpace("REDIS_ADDR"),
		PipelineProvider: envOrDefault("PIPELINE_PROVIDER", "auto"),
		TranscribeURL:    stringsTrimSpace("TRANSCRIBE_URL"),
		VectorizeURL:     stringsTrimSpace("VECTORIZE_URL"),
		RoomBaseURL:      envOrDefault("ROOM_BASE_URL", "https://rooms.trutalk.local"),
		ClipStream:       envOrDefault("CLIP_STREAM", "clips:pending"),
		ClipGroup:        envOrDefault("CLIP_GROUP", "clip-pipeline"),
		ClipWorkers:      4,
		EmotionDim:       8,
		EchoMaxWords:     5,

		ShutdownTimeout:    15 * time.Second,
		UpstreamTimeout:    30 * time.Second,
		ClipTTL:            24 * time.Hour,
		MatchMinSimilarity: 0.70,
		MatchExpiry:        15 * time.Minute,
		MatchSweepInterval: 5 * time.Second,
		CallJoinTimeout:    60 * time.Second,
		CallSweepInterval:  5 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamTimeout, err = durationFromEnv("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EmotionDim, err = intFromEnv("EMOTION_DIM", cfg.EmotionDim)
	if err != nil {
		return Config{}, err
	}
	cfg.ClipTTL, err = durationFromEnv("CLIP_TTL", cfg.ClipTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.MatchMinSimilarity, err = floatFromEnv("MATCH_MIN_SIMILARITY", cfg.MatchMinSimilarity)
	if err != nil {
		return Config{}, err
	}
	cfg.MatchExpiry, err = durationFromEnv("MATCH_EXPIRY", cfg.MatchExpiry)
	if err != nil {
		return Config{}, err
	}
	cfg.MatchSweepInterval, err = durationFromEnv("MATCH_SWEEP_INTERVAL", cfg.MatchSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.CallJoinTimeout, err = durationFromEnv("CALL_JOIN_TIMEOUT", cfg.CallJoinTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallSweepInterval, err = durationFromEnv("CALL_SWEEP_INTERVAL", cfg.CallSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.EchoMaxWords, err = intFromEnv("ECHO_MAX_WORDS", cfg.EchoMaxWords)
	if err != nil {
		return Config{}, err
	}
	cfg.ClipWorkers, err = intFromEnv("CLIP_WORKERS", cfg.ClipWorkers)
	if err != nil {
		return Config{}, err
	}

	if cfg.EmotionDim <= 0 {
		return Config{}, fmt.Errorf("EMOTION_DIM must be positive")
	}
	if cfg.MatchMinSimilarity < -1 || cfg.MatchMinSimilarity > 1 {
		return Config{}, fmt.Errorf("MATCH_MIN_SIMILARITY must be within [-1, 1]")
	}
	if cfg.MatchExpiry < time.Second {
		return Config{}, fmt.Errorf("MATCH_EXPIRY must be at least 1s")
	}
	if cfg.CallJoinTimeout < time.Second {
		return Config{}, fmt.Errorf("CALL_JOIN_TIMEOUT must be at least 1s")
	}
	if cfg.ClipTTL < time.Minute {
		return Config{}, fmt.Errorf("CLIP_TTL must be at least 1m")
	}
	if cfg.EchoMaxWords <= 0 {
		return Config{}, fmt.Errorf("ECHO_MAX_WORDS must be positive")
	}
	if cfg.ClipWorkers <= 0 {
		return Config{}, fmt.Errorf("CLIP_WORKERS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
