package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStage NodeKind = "stage"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Node states shown in diagrams.
const (
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateRunning   = "running"
	StatePending   = "pending"
	StateSkipped   = "skipped"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one pipeline stage, or the virtual start and end.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status string
	Steps  int // reasoning steps the stage contributed
	Error  string
}

// Edge connects two consecutive nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
