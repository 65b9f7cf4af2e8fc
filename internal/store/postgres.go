package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session records and audio in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vigil_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			language TEXT NOT NULL,
			status TEXT NOT NULL,
			termination_reason TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			max_duration_ms BIGINT NOT NULL,
			audio_retention_at TIMESTAMPTZ NOT NULL,
			transcript_retention_at TIMESTAMPTZ NOT NULL,
			audio_data_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			transcript_data_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			audio_sample_rate INTEGER NOT NULL DEFAULT 0,
			transcript JSONB,
			events JSONB,
			summary JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS vigil_audio (
			session_id TEXT NOT NULL REFERENCES vigil_sessions (session_id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			pcm BYTEA NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_vigil_sessions_retention ON vigil_sessions (audio_retention_at, transcript_retention_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const recordColumns = `session_id, user_id, language, status, termination_reason, started_at, ended_at,
	max_duration_ms, audio_retention_at, transcript_retention_at, audio_data_deleted,
	transcript_data_deleted, audio_sample_rate, transcript, events, summary, updated_at`

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	var endedAt *time.Time
	var transcript, events, summary []byte
	err := row.Scan(&r.SessionID, &r.UserID, &r.Language, &r.Status, &r.TerminationReason,
		&r.StartedAt, &endedAt, &r.MaxDurationMS, &r.AudioRetentionAt, &r.TranscriptRetentionAt,
		&r.AudioDataDeleted, &r.TranscriptDataDeleted, &r.AudioSampleRate,
		&transcript, &events, &summary, &r.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	if endedAt != nil {
		r.EndedAt = endedAt.UTC()
	}
	r.Transcript, r.Events, r.Summary = transcript, events, summary
	return r, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO vigil_sessions (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.UserID, rec.Language, rec.Status, rec.TerminationReason,
		rec.StartedAt, nullTime(rec.EndedAt), rec.MaxDurationMS, rec.AudioRetentionAt,
		rec.TranscriptRetentionAt, rec.AudioDataDeleted, rec.TranscriptDataDeleted,
		rec.AudioSampleRate, nullJSON(rec.Transcript), nullJSON(rec.Events), nullJSON(rec.Summary),
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM vigil_sessions WHERE session_id=$1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Update(ctx context.Context, rec Record) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vigil_sessions SET user_id=$2, language=$3, status=$4, termination_reason=$5,
		 started_at=$6, ended_at=$7, max_duration_ms=$8, audio_retention_at=$9,
		 transcript_retention_at=$10, audio_data_deleted=(audio_data_deleted OR $11),
		 transcript_data_deleted=(transcript_data_deleted OR $12), audio_sample_rate=$13,
		 transcript=CASE WHEN transcript_data_deleted THEN NULL ELSE $14::jsonb END,
		 events=$15, summary=$16, updated_at=now()
		 WHERE session_id=$1`,
		rec.SessionID, rec.UserID, rec.Language, rec.Status, rec.TerminationReason,
		rec.StartedAt, nullTime(rec.EndedAt), rec.MaxDurationMS, rec.AudioRetentionAt,
		rec.TranscriptRetentionAt, rec.AudioDataDeleted, rec.TranscriptDataDeleted,
		rec.AudioSampleRate, nullJSON(rec.Transcript), nullJSON(rec.Events), nullJSON(rec.Summary),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM vigil_sessions WHERE session_id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM vigil_sessions ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// retentionFlags reads the purge flags, locking the row inside tx.
func retentionFlags(ctx context.Context, tx pgx.Tx, sessionID string) (audioDeleted, transcriptDeleted bool, err error) {
	err = tx.QueryRow(ctx,
		`SELECT audio_data_deleted, transcript_data_deleted FROM vigil_sessions WHERE session_id=$1 FOR UPDATE`,
		sessionID).Scan(&audioDeleted, &transcriptDeleted)
	if errors.Is(err, pgx.ErrNoRows) {
		err = ErrNotFound
	}
	return audioDeleted, transcriptDeleted, err
}

func (s *PostgresStore) AppendAudio(ctx context.Context, sessionID string, seq int64, pcm []byte) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		audioDeleted, _, err := retentionFlags(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if audioDeleted {
			return ErrRetentionViolation
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO vigil_audio (session_id, seq, pcm) VALUES ($1, $2, $3)
			 ON CONFLICT (session_id, seq) DO UPDATE SET pcm = EXCLUDED.pcm`,
			sessionID, seq, pcm)
		return err
	})
}

func (s *PostgresStore) Audio(ctx context.Context, sessionID string) ([]byte, error) {
	var out []byte
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		audioDeleted, _, err := retentionFlags(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if audioDeleted {
			return ErrRetentionViolation
		}
		rows, err := tx.Query(ctx, `SELECT pcm FROM vigil_audio WHERE session_id=$1 ORDER BY seq`, sessionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var pcm []byte
			if err := rows.Scan(&pcm); err != nil {
				return err
			}
			out = append(out, pcm...)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) PurgeAudio(ctx context.Context, sessionID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, _, err := retentionFlags(ctx, tx, sessionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM vigil_audio WHERE session_id=$1`, sessionID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE vigil_sessions SET audio_data_deleted=TRUE, updated_at=now()
			 WHERE session_id=$1 AND NOT audio_data_deleted`, sessionID)
		return err
	})
}

func (s *PostgresStore) PurgeTranscript(ctx context.Context, sessionID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, _, err := retentionFlags(ctx, tx, sessionID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE vigil_sessions SET transcript=NULL, transcript_data_deleted=TRUE, updated_at=now()
			 WHERE session_id=$1 AND NOT transcript_data_deleted`, sessionID)
		return err
	})
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
