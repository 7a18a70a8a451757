package schema

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s ExecutionStatus) Valid() bool {
	_, ok := ValidExecutionTransitions[s]
	return ok
}

// ValidExecutionTransitions defines the allowed status transitions.
// Self-transitions are not listed; a mutation that keeps the status is always legal
// for non-terminal records.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to ExecutionStatus) bool {
	if from == to {
		return !from.IsTerminal() && from.Valid()
	}
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Stage names one step of the fixed agent pipeline.
type Stage string

const (
	StageNone         Stage = ""
	StageOrchestrator Stage = "orchestrator"
	StageDeFi         Stage = "defi_agent"
	StageRisk         Stage = "risk_agent"
	StagePrediction   Stage = "prediction_agent"
)

// Stages is the total, fixed execution order of the pipeline.
var Stages = []Stage{StageOrchestrator, StageDeFi, StageRisk, StagePrediction}

// Next returns the stage that follows s, or StageNone when s is the last one.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return StageNone
}

// Valid reports whether s is a pipeline stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}
