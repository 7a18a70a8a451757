package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StateCompleted:
		return "[OK]"
	case StateFailed:
		return "[FAIL]"
	case StateRunning:
		return "[RUN]"
	case StateSkipped:
		return "[SKIP]"
	case StatePending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	for i, node := range model.Nodes {
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if i < len(model.Nodes)-1 {
			renderConnector(&b, edgeLabel(model.Edges, node.ID))
		}
	}
	return b.String()
}

// makeBox creates the lines of an ASCII box for a node.
func makeBox(node *Node) []string {
	content := []string{nodeText(node)}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if node.Status.Error != "" {
			content = append(content, node.Status.Error)
		}
	}

	maxLen := 0
	for _, line := range content {
		if n := len([]rune(line)); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, line := range content {
		padded := line + strings.Repeat(" ", maxLen-len([]rune(line)))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return lines
}

// renderConnector draws a vertical connector below a box.
func renderConnector(b *strings.Builder, label string) {
	if label != "" {
		b.WriteString("   │ " + label + "\n")
	} else {
		b.WriteString("   │\n")
	}
	b.WriteString("   ▼\n")
}

func edgeLabel(edges []Edge, from string) string {
	for _, e := range edges {
		if e.From == from {
			return e.Label
		}
	}
	return ""
}
