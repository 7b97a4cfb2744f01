package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// Store persists report documents and topology anomalies to Postgres so
// successive runs can be compared. Writes are idempotent on
// (run_id, kind, market).
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenStore dials Postgres and verifies the connection.
func OpenStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the audit schema and tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
	CREATE SCHEMA IF NOT EXISTS audit;

	CREATE TABLE IF NOT EXISTS audit.reports (
		run_id         UUID        NOT NULL,
		kind           TEXT        NOT NULL,
		market         TEXT        NOT NULL,
		market_number  INT         NOT NULL DEFAULT 0,
		boundary_block BIGINT      NOT NULL,
		generated_at   TIMESTAMPTZ NOT NULL,
		status         TEXT        NOT NULL,
		fail_reason    TEXT,
		payload        JSONB,
		PRIMARY KEY (run_id, kind, market)
	);

	CREATE TABLE IF NOT EXISTS audit.anomalies (
		run_id        UUID   NOT NULL,
		market_number INT    NOT NULL,
		kind          TEXT   NOT NULL,
		detail        TEXT   NOT NULL,
		PRIMARY KEY (run_id, market_number, kind, detail)
	);

	CREATE INDEX IF NOT EXISTS reports_market_idx
		ON audit.reports (market, kind, generated_at);
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Emit upserts one document row.
func (s *Store) Emit(ctx context.Context, doc *Document) error {
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	const query = `INSERT INTO audit.reports
		(run_id, kind, market, market_number, boundary_block, generated_at, status, fail_reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, kind, market) DO NOTHING`

	_, err = s.db.ExecContext(ctx, query,
		doc.RunID, string(doc.Kind), doc.Market, doc.MarketNumber,
		int64(doc.Boundary), doc.GeneratedAt, string(doc.Status),
		doc.FailReason, payload,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// AnomalyRow is one topology finding keyed to a run.
type AnomalyRow struct {
	RunID        string
	MarketNumber int
	Kind         string
	Detail       string
}

// WriteAnomalies inserts topology findings with a multi-row INSERT.
func (s *Store) WriteAnomalies(ctx context.Context, rows []AnomalyRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO audit.anomalies
		(run_id, market_number, kind, detail)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*4)

	for i, r := range rows {
		base := i * 4
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4,
		))
		args = append(args, r.RunID, r.MarketNumber, r.Kind, r.Detail)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (run_id, market_number, kind, detail) DO NOTHING"

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert anomalies: %w", err)
	}
	return nil
}
