package sinks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/redact"
)

type PostgresConfig struct {
	DSN          string        `mapstructure:"dsn"`
	Table        string        `mapstructure:"table"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = "transcripts"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	return c
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink stores finalized utterances, one row per final.
type PostgresSink struct {
	cfg    PostgresConfig
	db     execer
	table  string
	close  func()
	logger *slog.Logger
}

// NewPostgresSink opens a pool and creates the transcript table if needed.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	s := newPostgresSink(cfg, pool, pool.Close, slog.Default())
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresSink(cfg PostgresConfig, db execer, closeFn func(), logger *slog.Logger) *PostgresSink {
	cfg = cfg.withDefaults()
	return &PostgresSink{
		cfg:    cfg,
		db:     db,
		table:  pgx.Identifier{cfg.Table}.Sanitize(),
		close:  closeFn,
		logger: logging.NewComponentLogger(logger, "postgres_sink"),
	}
}

func (s *PostgresSink) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			call_sid TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '',
			seq BIGINT NOT NULL,
			text TEXT NOT NULL,
			speaker DOUBLE PRECISION[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{s.cfg.Table + "_session_seq"}.Sanitize() +
			` ON ` + s.table + `(session_id, seq);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Emit(ctx context.Context, ev frames.TranscriptEvent) error {
	if !ev.IsFinal || ev.Text == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO `+s.table+` (session_id, call_sid, trace_id, seq, text, speaker, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.SessionID, ev.CallSID, ev.TraceID, ev.Seq, redact.Text(ev.Text), ev.Speaker, at.UTC())
	if err != nil {
		s.logger.Warn("transcript_insert_failed",
			slog.String(frames.MetaSessionID, ev.SessionID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSinkPublish)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
