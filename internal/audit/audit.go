// Package audit is the append-only record of every governance decision and
// every gated-out controller step, plus calibration aggregates that pair
// caller confidence with decision outcomes. It is a causal output of the
// cycle, never an input: the decision path writes here and does not read
// back.
//
// SQLite in WAL mode carries the multi-process append load — every worker
// process opens the same database and the engine serializes writers itself.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kanshi-ai/seigyo/internal/model"
)

// EventType tags one audit record.
type EventType string

const (
	EventCycle            EventType = "cycle"
	EventControllerSkip   EventType = "controller_skip"
	EventControllerStep   EventType = "controller_step"
	EventMetadataFallback EventType = "metadata_fallback"
	EventReap             EventType = "reap"
	EventReset            EventType = "reset"
	EventDelete           EventType = "delete"
)

// Record is one append-only audit entry.
type Record struct {
	ID         uuid.UUID
	AgentID    string
	Event      EventType
	Verdict    model.Verdict // empty for non-cycle events
	Risk       float64
	Confidence float64
	Reason     string
	CreatedAt  time.Time
}

// Bin is one calibration aggregate: cycles whose caller confidence fell in
// [Lo, Hi), with the approve count for comparing predicted confidence
// against realized outcomes.
type Bin struct {
	Index         int     `json:"index"`
	Lo            float64 `json:"lo"`
	Hi            float64 `json:"hi"`
	Total         int64   `json:"total"`
	Approvals     int64   `json:"approvals"`
	ConfidenceSum float64 `json:"confidence_sum"`
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	event       TEXT NOT NULL,
	verdict     TEXT,
	risk        REAL NOT NULL,
	confidence  REAL NOT NULL,
	reason      TEXT,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_agent_time
	ON audit_records(agent_id, created_at);

CREATE TABLE IF NOT EXISTS calibration_bins (
	bin             INTEGER PRIMARY KEY,
	lo              REAL NOT NULL,
	hi              REAL NOT NULL,
	total           INTEGER NOT NULL DEFAULT 0,
	approvals       INTEGER NOT NULL DEFAULT 0,
	confidence_sum  REAL NOT NULL DEFAULT 0
);
`

// Sink writes audit records and calibration aggregates.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if needed) the audit database at path.
func New(path string, logger *slog.Logger) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Sink{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Append writes one record. Cycle records additionally fold into the
// calibration bin for their confidence range.
func (s *Sink) Append(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, agent_id, event, verdict, risk, confidence, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.AgentID, string(rec.Event), string(rec.Verdict),
		rec.Risk, rec.Confidence, rec.Reason, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: insert record: %w", err)
	}
	if rec.Event == EventCycle {
		if err := s.updateCalibration(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// TryAppend is Append with the error demoted to a log line. The audit sink
// must never fail a governance cycle that already committed.
func (s *Sink) TryAppend(ctx context.Context, rec Record) {
	if err := s.Append(ctx, rec); err != nil {
		s.logger.Warn("audit append failed", "agent_id", rec.AgentID, "event", rec.Event, "error", err)
	}
}

func (s *Sink) updateCalibration(ctx context.Context, rec Record) error {
	bin := int(rec.Confidence * 10)
	if bin > 9 {
		bin = 9
	}
	if bin < 0 {
		bin = 0
	}
	approved := 0
	if rec.Verdict == model.VerdictApprove {
		approved = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration_bins (bin, lo, hi, total, approvals, confidence_sum)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(bin) DO UPDATE SET
			total = total + 1,
			approvals = approvals + excluded.approvals,
			confidence_sum = confidence_sum + excluded.confidence_sum`,
		bin, float64(bin)/10, float64(bin+1)/10, approved, rec.Confidence,
	)
	if err != nil {
		return fmt.Errorf("audit: update calibration bin %d: %w", bin, err)
	}
	return nil
}

// Recent returns the newest records for an agent, newest first. Empty
// agentID returns records across all agents.
func (s *Sink) Recent(ctx context.Context, agentID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, agent_id, event, verdict, risk, confidence, reason, created_at
		FROM audit_records`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var id, verdict, createdAt string
		if err := rows.Scan(&id, &rec.AgentID, (*string)(&rec.Event), &verdict, &rec.Risk, &rec.Confidence, &rec.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan record: %w", err)
		}
		rec.ID, _ = uuid.Parse(id)
		rec.Verdict = model.Verdict(verdict)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Calibration returns all populated bins in confidence order.
func (s *Sink) Calibration(ctx context.Context) ([]Bin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bin, lo, hi, total, approvals, confidence_sum FROM calibration_bins ORDER BY bin`)
	if err != nil {
		return nil, fmt.Errorf("audit: query calibration: %w", err)
	}
	defer rows.Close()

	var out []Bin
	for rows.Next() {
		var b Bin
		if err := rows.Scan(&b.Index, &b.Lo, &b.Hi, &b.Total, &b.Approvals, &b.ConfidenceSum); err != nil {
			return nil, fmt.Errorf("audit: scan bin: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
