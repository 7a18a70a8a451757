package schema

// Event type constants published on the streaming hub.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionUpdated   = "execution_updated"

	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
)

// ExecutionEventType maps a status change to its lifecycle event type.
func ExecutionEventType(from, to ExecutionStatus) string {
	if from == to {
		return EventExecutionUpdated
	}
	switch to {
	case StatusPending:
		return EventExecutionCreated
	case StatusRunning:
		return EventExecutionStarted
	case StatusCompleted:
		return EventExecutionCompleted
	case StatusFailed:
		return EventExecutionFailed
	default:
		return EventExecutionUpdated
	}
}
