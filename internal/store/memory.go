package store

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/defiflow/pkg/schema"
)

// record holds one execution. Writers serialize on mu; readers load the
// published pointer without locking. A published *Execution is never modified.
type record struct {
	mu      sync.Mutex
	current atomic.Pointer[Execution]
}

// MemoryStore is the in-process Store implementation. The table lock only
// guards insertion and lookup; each record has its own writer lock, so
// unrelated executions never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []*record

	observers []Observer
	now       func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithObserver registers an observer for committed changes.
func WithObserver(o Observer) MemoryOption {
	return func(s *MemoryStore) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*record),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a new PENDING execution.
func (s *MemoryStore) Create(ctx context.Context, id string, meta Metadata) (*Execution, error) {
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}

	s.mu.Lock()
	if _, exists := s.records[id]; exists {
		s.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeDuplicateID, "execution %q already exists", id).
			WithDetails(map[string]any{"execution_id": id})
	}
	now := s.now()
	exec := &Execution{
		ID:             id,
		Status:         schema.StatusPending,
		ReasoningChain: []string{},
		ErrorMessages:  []string{},
		Metadata:       meta.Clone(),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rec := &record{}
	rec.current.Store(exec)
	s.records[id] = rec
	s.order = append(s.order, rec)
	s.mu.Unlock()

	s.notify(ctx, Change{Snapshot: exec})
	return exec.Clone(), nil
}

// Mutate applies fn to a private copy, validates the result and publishes it.
func (s *MemoryStore) Mutate(ctx context.Context, id string, fn UpdateFunc) (*Execution, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	prev, next, err := s.update(rec, id, fn)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, Change{
		PreviousStatus: prev.Status,
		PreviousAgent:  prev.CurrentAgent,
		Snapshot:       next,
	})
	return next.Clone(), nil
}

// update runs fn and commits its result under the record's writer lock. The
// lock is released even if fn panics.
func (s *MemoryStore) update(rec *record, id string, fn UpdateFunc) (prev, next *Execution, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	prev = rec.current.Load()
	if prev.Status.IsTerminal() {
		return nil, nil, schema.NewErrorf(schema.ErrCodeTerminal,
			"execution %q is %s and can no longer change", id, prev.Status).
			WithDetails(map[string]any{"execution_id": id, "status": string(prev.Status)})
	}

	next = prev.Clone()
	if err := fn(next); err != nil {
		return nil, nil, err
	}
	if err := s.commit(prev, next); err != nil {
		return nil, nil, err
	}
	rec.current.Store(next)
	return prev, next, nil
}

// Snapshot returns a copy of the current state of one execution.
func (s *MemoryStore) Snapshot(_ context.Context, id string) (*Execution, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return rec.current.Load().Clone(), nil
}

// ListSnapshots returns copies of all matching executions in creation order.
func (s *MemoryStore) ListSnapshots(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	order := make([]*record, len(s.order))
	copy(order, s.order)
	s.mu.RUnlock()

	out := make([]*Execution, 0, len(order))
	for _, rec := range order {
		e := rec.current.Load()
		if !filter.match(e) {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) lookup(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NotFound(id)
	}
	return rec, nil
}

// commit validates next against prev and stamps the bookkeeping fields.
func (s *MemoryStore) commit(prev, next *Execution) error {
	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.Metadata = prev.Metadata

	if !schema.CanTransition(prev.Status, next.Status) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", prev.Status, next.Status).
			WithDetails(map[string]any{"execution_id": prev.ID, "from": string(prev.Status), "to": string(next.Status)})
	}
	if next.CurrentAgent != schema.StageNone && !next.CurrentAgent.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown stage %q", next.CurrentAgent)
	}
	if !isPrefix(prev.ReasoningChain, next.ReasoningChain) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"reasoning chain of %q may only be appended to", prev.ID)
	}
	if !isPrefix(prev.ErrorMessages, next.ErrorMessages) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"error messages of %q may only be appended to", prev.ID)
	}
	for _, f := range []struct {
		name       string
		prev, next []byte
	}{
		{"final_proposal", prev.FinalProposal, next.FinalProposal},
		{"risk_assessment", prev.RiskAssessment, next.RiskAssessment},
		{"qa_results", prev.QAResults, next.QAResults},
	} {
		if bytes.Equal(f.prev, f.next) {
			continue
		}
		if len(f.prev) > 0 {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s of %q is already set", f.name, prev.ID)
		}
		if next.Status != schema.StatusCompleted {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"%s of %q may only be attached on completion", f.name, prev.ID)
		}
	}

	now := s.now()
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	if next.Status == schema.StatusRunning && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if next.Status.IsTerminal() {
		next.CurrentAgent = schema.StageNone
		next.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) notify(ctx context.Context, change Change) {
	for _, o := range s.observers {
		c := change
		c.Snapshot = change.Snapshot.Clone()
		o.ExecutionChanged(ctx, c)
	}
}

func isPrefix(prefix, full []string) bool {
	if len(full) < len(prefix) {
		return false
	}
	for i := range prefix {
		if prefix[i] != full[i] {
			return false
		}
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
