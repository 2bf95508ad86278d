// Package store persists domain snapshots to Postgres. Every manager keeps
// its authoritative state in memory; writes here are write-through copies
// for durability and offline analysis.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/trutalk/trutalk/internal/call"
	"github.com/trutalk/trutalk/internal/clips"
	"github.com/trutalk/trutalk/internal/echo"
	"github.com/trutalk/trutalk/internal/emotion"
	"github.com/trutalk/trutalk/internal/matching"
)

// PostgresStore implements the Save interfaces of the clip pipeline, match
// broker, call manager and echo composer against one connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresStore(ctx context.Context, databaseURL string, vectorDim int) (*PostgresStore, error) {
	if vectorDim <= 0 {
		vectorDim = emotion.Dim
	}
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool, vectorDim); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, dim: vectorDim}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, vectorDim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS voice_clips (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			storage_path TEXT NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			file_size_bytes BIGINT NOT NULL DEFAULT 0,
			transcription TEXT NOT NULL DEFAULT '',
			language_detected TEXT NOT NULL DEFAULT '',
			confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			emotion_vector vector(%d) NULL,
			emotion_labels JSONB NOT NULL DEFAULT '{}',
			processing_status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`, vectorDim),
		`CREATE INDEX IF NOT EXISTS idx_voice_clips_user_created ON voice_clips (user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			user_id_1 TEXT NOT NULL,
			user_id_2 TEXT NOT NULL,
			similarity_score DOUBLE PRECISION NOT NULL,
			voice_clip_id_1 TEXT NOT NULL,
			voice_clip_id_2 TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_matches_users ON matches (user_id_1, user_id_2);`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			match_id TEXT NOT NULL,
			user_id_1 TEXT NOT NULL,
			user_id_2 TEXT NOT NULL,
			room_name TEXT NOT NULL DEFAULT '',
			room_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL,
			duration_seconds BIGINT NOT NULL DEFAULT 0,
			connection_quality JSONB NOT NULL DEFAULT '[]'
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_calls_match ON calls (match_id);`,
		`CREATE TABLE IF NOT EXISTS call_segments (
			call_id TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			speaker INTEGER NOT NULL,
			original TEXT NOT NULL DEFAULT '',
			translated TEXT NOT NULL DEFAULT '',
			language_from TEXT NOT NULL DEFAULT '',
			language_to TEXT NOT NULL DEFAULT '',
			timestamp_ms BIGINT NOT NULL,
			PRIMARY KEY (call_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS echoes (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			full_transcript TEXT NOT NULL DEFAULT '',
			public BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (call_id, user_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveClip(ctx context.Context, clip clips.Clip) error {
	labels, err := json.Marshal(clip.EmotionLabels)
	if err != nil {
		return fmt.Errorf("marshal emotion labels: %w", err)
	}
	var vector any
	if len(clip.EmotionVector) > 0 {
		vector = clip.EmotionVector.ToPgvector()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO voice_clips (
			id, user_id, storage_path, duration_seconds, file_size_bytes, transcription,
			language_detected, confidence_score, emotion_vector, emotion_labels,
			processing_status, error_message, created_at, expires_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
		)
		ON CONFLICT (id) DO UPDATE SET
			transcription=EXCLUDED.transcription,
			language_detected=EXCLUDED.language_detected,
			confidence_score=EXCLUDED.confidence_score,
			emotion_vector=EXCLUDED.emotion_vector,
			emotion_labels=EXCLUDED.emotion_labels,
			processing_status=EXCLUDED.processing_status,
			error_message=EXCLUDED.error_message,
			expires_at=EXCLUDED.expires_at`,
		clip.ID,
		clip.UserID,
		clip.StoragePath,
		clip.DurationSeconds,
		clip.FileSizeBytes,
		clip.Transcription,
		clip.LanguageDetected,
		clip.ConfidenceScore,
		vector,
		labels,
		string(clip.Status),
		clip.ErrorMessage,
		clip.CreatedAt,
		clip.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert clip: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveMatch(ctx context.Context, match matching.Match) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO matches (
			id, user_id_1, user_id_2, similarity_score, voice_clip_id_1, voice_clip_id_2,
			status, created_at, expires_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9
		)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			expires_at=EXCLUDED.expires_at`,
		match.ID,
		match.UserID1,
		match.UserID2,
		match.SimilarityScore,
		match.VoiceClipID1,
		match.VoiceClipID2,
		string(match.Status),
		match.CreatedAt,
		match.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert match: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveCall(ctx context.Context, c call.Call) error {
	quality, err := json.Marshal(c.Quality)
	if err != nil {
		return fmt.Errorf("marshal quality samples: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO calls (
			id, match_id, user_id_1, user_id_2, room_name, room_url, status,
			created_at, started_at, ended_at, duration_seconds, connection_quality
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
		)
		ON CONFLICT (id) DO UPDATE SET
			room_name=EXCLUDED.room_name,
			room_url=EXCLUDED.room_url,
			status=EXCLUDED.status,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at,
			duration_seconds=EXCLUDED.duration_seconds,
			connection_quality=EXCLUDED.connection_quality`,
		c.ID,
		c.MatchID,
		c.UserID1,
		c.UserID2,
		c.RoomName,
		c.RoomURL,
		string(c.Status),
		c.CreatedAt,
		c.StartedAt,
		c.EndedAt,
		c.DurationSeconds,
		quality,
	)
	if err != nil {
		return fmt.Errorf("upsert call: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM call_segments WHERE call_id=$1`, c.ID); err != nil {
		return fmt.Errorf("delete prior segments: %w", err)
	}
	for seq, seg := range c.Segments {
		_, err := tx.Exec(ctx,
			`INSERT INTO call_segments (
				call_id, seq, speaker, original, translated, language_from, language_to, timestamp_ms
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8
			)`,
			c.ID,
			seq,
			seg.Speaker,
			seg.Original,
			seg.Translated,
			seg.LanguageFrom,
			seg.LanguageTo,
			seg.TimestampMS,
		)
		if err != nil {
			return fmt.Errorf("insert call segment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveEcho(ctx context.Context, e echo.Echo) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO echoes (
			id, call_id, user_id, summary, full_transcript, public, created_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7
		)
		ON CONFLICT (id) DO NOTHING`,
		e.ID,
		e.CallID,
		e.UserID,
		e.Summary,
		e.FullTranscript,
		e.Public,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert echo: %w", err)
	}
	return nil
}

// Ping verifies the pool is reachable (readiness probe).
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
