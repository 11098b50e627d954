// Package events defines event types and subjects for the agents-run event system.
package events

// Event types for executions
const (
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
)

// Event types for trigger invocations
const (
	InvocationCreated   = "invocation.created"
	InvocationSucceeded = "invocation.succeeded"
	InvocationFailed    = "invocation.failed"
)

// Event types for scheduled triggers
const (
	ScheduleStarted = "schedule.started"
	ScheduleStopped = "schedule.stopped"
	ScheduleFired   = "schedule.fired"
)

// Event types for conversation turns
const (
	ConversationTransferred = "conversation.transferred"
)

// BuildExecutionSubject creates an execution event subject scoped to a request.
func BuildExecutionSubject(base, requestID string) string {
	return base + "." + requestID
}
