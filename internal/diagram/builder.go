package diagram

import (
	"strings"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build lays out the fixed stage pipeline and overlays the progress of e.
// A nil execution yields the bare pipeline.
func Build(e *store.Execution) *DiagramModel {
	nodes := make([]*Node, 0, len(schema.Stages)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, st := range schema.Stages {
		nodes = append(nodes, &Node{ID: string(st), Label: string(st), Kind: NodeKindStage})
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	edges := make([]Edge, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}

	model := &DiagramModel{Title: "Agent pipeline", Nodes: nodes, Edges: edges}
	if e != nil {
		model.Title = "Execution " + e.ID + " (" + string(e.Status) + ")"
		overlay(model, e)
	}
	return model
}

// overlay derives a state for every stage from the record: stages before the
// current one completed, the current one is running or failed.
func overlay(model *DiagramModel, e *store.Execution) {
	steps := stepCounts(e.ReasoningChain)
	current := stageIndex(e.CurrentAgent)

	for i, st := range schema.Stages {
		node := findNode(model.Nodes, string(st))
		ov := &StatusOverlay{Steps: steps[st]}
		switch {
		case e.Status == schema.StatusCompleted:
			ov.Status = StateCompleted
		case e.Status == schema.StatusPending:
			ov.Status = StatePending
		case current < 0:
			// Failed before the first stage started.
			ov.Status = StateSkipped
		case i < current:
			ov.Status = StateCompleted
		case i > current && e.Status == schema.StatusFailed:
			ov.Status = StateSkipped
		case i > current:
			ov.Status = StatePending
		case e.Status == schema.StatusFailed:
			ov.Status = StateFailed
			ov.Error = strings.Join(e.ErrorMessages, "; ")
		default:
			ov.Status = StateRunning
		}
		node.Status = ov
	}

	if e.Status == schema.StatusFailed {
		from := startID
		if current >= 0 {
			from = string(schema.Stages[current])
		}
		for i := range model.Edges {
			if model.Edges[i].From == from {
				model.Edges[i].Label = "failed"
			}
		}
	}
}

// stepCounts attributes "agent: text" reasoning steps to their stage.
func stepCounts(chain []string) map[schema.Stage]int {
	out := make(map[schema.Stage]int, len(schema.Stages))
	for _, step := range chain {
		if agent, _, ok := strings.Cut(step, ": "); ok {
			out[schema.Stage(agent)]++
		}
	}
	return out
}

func stageIndex(s schema.Stage) int {
	for i, st := range schema.Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// findNode looks up a node by ID in the model's node list.
func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
