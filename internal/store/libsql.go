package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/defiflow/pkg/schema"
)

// Mirror receives committed snapshots for durable, out-of-band storage.
// Mirroring is never required for in-process correctness.
type Mirror interface {
	SaveExecution(ctx context.Context, snap *Execution) error
}

// ReasoningRow is one mirrored reasoning step.
type ReasoningRow struct {
	ExecutionID string    `json:"execution_id"`
	AgentName   string    `json:"agent_name"`
	StepNumber  int       `json:"step_number"`
	Text        string    `json:"reasoning_text"`
	CreatedAt   time.Time `json:"created_at"`
}

// RiskRow is one mirrored risk assessment.
type RiskRow struct {
	ExecutionID string          `json:"execution_id"`
	PortfolioID string          `json:"portfolio_id,omitempty"`
	Protocol    string          `json:"protocol,omitempty"`
	RiskScore   float64         `json:"risk_score"`
	Factors     json.RawMessage `json:"risk_factors,omitempty"`
	Safe        bool            `json:"safe"`
}

// LibSQLMirror persists execution snapshots using libSQL (embedded SQLite fork).
type LibSQLMirror struct {
	db *sql.DB
}

// NewLibSQLMirror opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLMirror(dbPath string) (*LibSQLMirror, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLMirror{db: db}, nil
}

// Migrate runs all pending database migrations.
func (m *LibSQLMirror) Migrate(ctx context.Context) error {
	return runMigrations(ctx, m.db)
}

// Close closes the database.
func (m *LibSQLMirror) Close() error { return m.db.Close() }

// SaveExecution upserts the execution row and appends any reasoning steps and
// risk assessment not yet mirrored. Older versions never overwrite newer ones.
func (m *LibSQLMirror) SaveExecution(ctx context.Context, snap *Execution) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mirror tx: %w", err)
	}
	defer tx.Rollback()

	portfolioID, err := ensurePortfolio(ctx, tx, snap.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_executions (execution_id, portfolio_id, status, current_agent, state_data, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status=excluded.status, current_agent=excluded.current_agent, state_data=excluded.state_data,
		   version=excluded.version, updated_at=excluded.updated_at
		 WHERE excluded.version > agent_executions.version`,
		snap.ID, nullStr(portfolioID), string(snap.Status), nullStr(string(snap.CurrentAgent)),
		string(state), snap.Version, snap.CreatedAt, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}

	for i, step := range snap.ReasoningChain {
		agent, text := splitStep(step)
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO agent_reasoning (execution_id, agent_name, step_number, reasoning_text, created_at) VALUES (?, ?, ?, ?, ?)`,
			snap.ID, agent, i+1, text, snap.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert reasoning step %d: %w", i+1, err)
		}
	}

	if len(snap.RiskAssessment) > 0 {
		if err := insertRisk(ctx, tx, snap.ID, portfolioID, snap.RiskAssessment); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mirror tx: %w", err)
	}
	return nil
}

// GetExecution returns the last mirrored snapshot of an execution.
func (m *LibSQLMirror) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var state string
	err := m.db.QueryRowContext(ctx,
		`SELECT state_data FROM agent_executions WHERE execution_id = ?`, id,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NotFound(id)
	}
	if err != nil {
		return nil, err
	}
	var e Execution
	if err := json.Unmarshal([]byte(state), &e); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", id, err)
	}
	return &e, nil
}

// ListExecutions returns mirrored snapshots, newest first.
func (m *LibSQLMirror) ListExecutions(ctx context.Context, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT state_data FROM agent_executions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		var e Execution
		if err := json.Unmarshal([]byte(state), &e); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListReasoning returns the mirrored reasoning steps of an execution in order.
func (m *LibSQLMirror) ListReasoning(ctx context.Context, executionID string) ([]ReasoningRow, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT execution_id, agent_name, step_number, reasoning_text, created_at
		 FROM agent_reasoning WHERE execution_id = ? ORDER BY step_number ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReasoningRow
	for rows.Next() {
		var r ReasoningRow
		if err := rows.Scan(&r.ExecutionID, &r.AgentName, &r.StepNumber, &r.Text, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRiskAssessment returns the mirrored risk assessment of an execution.
func (m *LibSQLMirror) GetRiskAssessment(ctx context.Context, executionID string) (*RiskRow, error) {
	r := &RiskRow{ExecutionID: executionID}
	var portfolioID, protocol, factors sql.NullString
	var safe int
	err := m.db.QueryRowContext(ctx,
		`SELECT portfolio_id, protocol, risk_score, risk_factors, safe FROM risk_assessments WHERE execution_id = ?`,
		executionID,
	).Scan(&portfolioID, &protocol, &r.RiskScore, &factors, &safe)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "risk assessment for %q not found", executionID)
	}
	if err != nil {
		return nil, err
	}
	r.PortfolioID = portfolioID.String
	r.Protocol = protocol.String
	r.Factors = jsonOrNil(factors)
	r.Safe = safe != 0
	return r, nil
}

// ensurePortfolio returns the portfolio id for the metadata, creating the
// portfolio row on first sight of a wallet address.
func ensurePortfolio(ctx context.Context, tx *sql.Tx, meta Metadata) (string, error) {
	if meta.WalletAddress == "" {
		return meta.PortfolioID, nil
	}
	chainID := meta.ChainID
	if chainID == 0 {
		chainID = 1
	}
	id := meta.PortfolioID
	if id == "" {
		id = uuid.New().String()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO portfolios (id, user_id, wallet_address, chain_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(wallet_address) DO NOTHING`,
		id, nullStr(meta.UserID), meta.WalletAddress, chainID,
	); err != nil {
		return "", fmt.Errorf("upsert portfolio: %w", err)
	}
	var stored string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM portfolios WHERE wallet_address = ?`, meta.WalletAddress,
	).Scan(&stored); err != nil {
		return "", fmt.Errorf("read portfolio: %w", err)
	}
	return stored, nil
}

func insertRisk(ctx context.Context, tx *sql.Tx, executionID, portfolioID string, raw json.RawMessage) error {
	var ra struct {
		Protocol  string          `json:"protocol"`
		RiskScore float64         `json:"risk_score"`
		Safe      bool            `json:"safe"`
		Factors   json.RawMessage `json:"factors"`
	}
	if err := json.Unmarshal(raw, &ra); err != nil {
		return fmt.Errorf("decode risk assessment: %w", err)
	}
	safe := 0
	if ra.Safe {
		safe = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO risk_assessments (execution_id, portfolio_id, protocol, risk_score, risk_factors, safe)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		executionID, nullStr(portfolioID), nullStr(ra.Protocol), ra.RiskScore, nullRaw(ra.Factors), safe,
	)
	if err != nil {
		return fmt.Errorf("insert risk assessment: %w", err)
	}
	return nil
}

// splitStep separates the "agent: text" prefix written by the runner.
func splitStep(step string) (agent, text string) {
	if a, t, ok := strings.Cut(step, ": "); ok && schema.Stage(a).Valid() {
		return a, t
	}
	return "unknown", step
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Mirror = (*LibSQLMirror)(nil)
