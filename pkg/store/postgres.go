// Package store persists call state in Postgres. It implements the narrow
// repository and telemetry-sink surfaces the voice pipeline depends on; the
// wider platform schema lives elsewhere.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/evacare-ai/voicecore/pkg/voice/call"
	"github.com/evacare-ai/voicecore/pkg/voice/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCallNotFound is returned when a call id has no row.
var ErrCallNotFound = errors.New("store: call not found")

// Postgres is the pgx-backed repository.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, log: logger}, nil
}

// Migrate applies the embedded migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	// goose drives database/sql; borrow a stdlib view of the pool.
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// CallContext loads everything the pipeline needs to run the call.
func (p *Postgres) CallContext(ctx context.Context, callID string) (*call.Context, error) {
	const q = `
		SELECT elder_name, phone_number, system_prompt, greeting,
		       noisy_environment, preferred_voice,
		       max_retries, retry_interval_seconds, escalation_policy,
		       silence_threshold_ms, speech_rms, buffer_bytes,
		       resumption_handle, checkpoint, functions
		FROM calls
		WHERE id = $1`

	var (
		profile          call.Profile
		systemPrompt     string
		greeting         string
		retryIntervalSec int
		retry            call.RetryPolicy
		silenceMs        int
		audio            call.AudioParams
		resumptionHandle *string
		checkpointJSON   []byte
		functionsJSON    []byte
	)
	err := p.pool.QueryRow(ctx, q, callID).Scan(
		&profile.ElderName, &profile.PhoneNumber, &systemPrompt, &greeting,
		&profile.NoisyEnvironment, &profile.PreferredVoice,
		&retry.MaxRetries, &retryIntervalSec, &retry.EscalationPolicy,
		&silenceMs, &audio.SpeechRMS, &audio.BufferBytes,
		&resumptionHandle, &checkpointJSON, &functionsJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load call %s: %w", callID, ErrCallNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load call %s: %w", callID, err)
	}

	callCtx, err := call.NewContext(callID, profile, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("load call %s: %w", callID, err)
	}
	callCtx.Greeting = greeting
	retry.Interval = time.Duration(retryIntervalSec) * time.Second
	callCtx.Retry = retry
	audio.SilenceThreshold = time.Duration(silenceMs) * time.Millisecond
	callCtx.Audio = audio

	if len(functionsJSON) > 0 {
		if err := json.Unmarshal(functionsJSON, &callCtx.Functions); err != nil {
			return nil, fmt.Errorf("decode functions for call %s: %w", callID, err)
		}
	}
	if resumptionHandle != nil && *resumptionHandle != "" {
		callCtx.Resumption.PreviousHandle = *resumptionHandle
	}
	if len(checkpointJSON) > 0 {
		var cp call.Checkpoint
		if err := json.Unmarshal(checkpointJSON, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint for call %s: %w", callID, err)
		}
		callCtx.Resumption.Checkpoint = &cp
	}
	return callCtx, nil
}

// UpdateCallStatus writes the call's lifecycle status.
func (p *Postgres) UpdateCallStatus(ctx context.Context, callID, status string) error {
	const q = `UPDATE calls SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := p.pool.Exec(ctx, q, callID, status)
	if err != nil {
		return fmt.Errorf("update call %s status: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update call %s status: %w", callID, ErrCallNotFound)
	}
	return nil
}

// PersistCheckpoint stores the resumption handle and checkpoint snapshot.
func (p *Postgres) PersistCheckpoint(ctx context.Context, callID, handle string, cp call.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint for call %s: %w", callID, err)
	}
	const q = `
		UPDATE calls
		SET resumption_handle = $2, checkpoint = $3, updated_at = now()
		WHERE id = $1`
	if _, err := p.pool.Exec(ctx, q, callID, handle, data); err != nil {
		return fmt.Errorf("persist checkpoint for call %s: %w", callID, err)
	}
	return nil
}

// AppendTranscriptAction records a conversation event that needs human
// follow-up (emergency wording, health concerns).
func (p *Postgres) AppendTranscriptAction(ctx context.Context, callID, kind, content string) error {
	const q = `
		INSERT INTO transcript_actions (call_id, kind, content)
		VALUES ($1, $2, $3)`
	if _, err := p.pool.Exec(ctx, q, callID, kind, content); err != nil {
		return fmt.Errorf("append transcript action for call %s: %w", callID, err)
	}
	return nil
}

// LogCallTelemetry writes the end-of-call quality report.
func (p *Postgres) LogCallTelemetry(ctx context.Context, callID string, snap telemetry.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode telemetry for call %s: %w", callID, err)
	}
	const q = `
		INSERT INTO call_telemetry
			(call_id, duration_seconds, total_frames, speech_frames,
			 false_positives, interruptions, avg_latency_ms, audio_quality, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = p.pool.Exec(ctx, q,
		callID, snap.Duration.Seconds(), snap.TotalFrames, snap.SpeechFrames,
		snap.FalsePositives, snap.Interruptions, snap.AvgLatencyMs, snap.AudioQuality, data)
	if err != nil {
		return fmt.Errorf("log telemetry for call %s: %w", callID, err)
	}
	return nil
}

// InsertAlert records an escalation (definitive failure, emergency) for the
// care team.
func (p *Postgres) InsertAlert(ctx context.Context, callID, severity, message string) error {
	const q = `
		INSERT INTO alerts (call_id, severity, message)
		VALUES ($1, $2, $3)`
	if _, err := p.pool.Exec(ctx, q, callID, severity, message); err != nil {
		return fmt.Errorf("insert alert for call %s: %w", callID, err)
	}
	return nil
}
