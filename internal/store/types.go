package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/defiflow/pkg/schema"
)

// Metadata is the opaque correlation data carried alongside an execution.
// The core never interprets it beyond pass-through.
type Metadata struct {
	Message       string                    `json:"message"`
	WalletAddress string                    `json:"wallet_address,omitempty"`
	UserID        string                    `json:"user_id,omitempty"`
	PortfolioID   string                    `json:"portfolio_id,omitempty"`
	ChainID       int                       `json:"chain_id,omitempty"`
	Balances      map[string]float64        `json:"balances"`
	Positions     map[string]map[string]any `json:"positions"`
}

// Execution is the state of a single workflow run. Values handed out by a
// Store are private copies; mutating them has no effect on the store.
type Execution struct {
	ID             string                 `json:"execution_id"`
	Status         schema.ExecutionStatus `json:"status"`
	CurrentAgent   schema.Stage           `json:"current_agent"`
	ReasoningChain []string               `json:"reasoning_chain"`
	FinalProposal  json.RawMessage        `json:"final_proposal,omitempty"`
	RiskAssessment json.RawMessage        `json:"risk_assessment,omitempty"`
	QAResults      json.RawMessage        `json:"qa_results,omitempty"`
	ErrorMessages  []string               `json:"error_messages"`
	Metadata       Metadata               `json:"metadata"`
	Version        int64                  `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.ReasoningChain = append(make([]string, 0, len(e.ReasoningChain)), e.ReasoningChain...)
	c.ErrorMessages = append(make([]string, 0, len(e.ErrorMessages)), e.ErrorMessages...)
	c.FinalProposal = cloneRaw(e.FinalProposal)
	c.RiskAssessment = cloneRaw(e.RiskAssessment)
	c.QAResults = cloneRaw(e.QAResults)
	c.Metadata = e.Metadata.Clone()
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Clone returns a deep copy of the metadata. Nil maps become empty maps.
func (m Metadata) Clone() Metadata {
	c := m
	c.Balances = make(map[string]float64, len(m.Balances))
	for k, v := range m.Balances {
		c.Balances[k] = v
	}
	c.Positions = make(map[string]map[string]any, len(m.Positions))
	for k, pos := range m.Positions {
		inner := make(map[string]any, len(pos))
		for ik, iv := range pos {
			inner[ik] = cloneValue(iv)
		}
		c.Positions[k] = inner
	}
	return c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, iv := range val {
			out[k] = cloneValue(iv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, iv := range val {
			out[i] = cloneValue(iv)
		}
		return out
	default:
		return v
	}
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status *schema.ExecutionStatus `json:"status,omitempty"`
	UserID string                  `json:"user_id,omitempty"`
	Limit  int                     `json:"limit,omitempty"`
}

func (f ExecutionFilter) match(e *Execution) bool {
	if f.Status != nil && e.Status != *f.Status {
		return false
	}
	if f.UserID != "" && e.Metadata.UserID != f.UserID {
		return false
	}
	return true
}

// Change describes one committed mutation, delivered to observers.
type Change struct {
	PreviousStatus schema.ExecutionStatus
	PreviousAgent  schema.Stage
	Snapshot       *Execution
}

// Created reports whether the change is the initial insert.
func (c Change) Created() bool {
	return c.Snapshot != nil && c.Snapshot.Version == 1
}
