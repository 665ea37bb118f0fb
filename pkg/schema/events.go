package schema

// Event types recorded in the per-execution event log. The log is
// observational only: scheduling decisions never read it.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
	EventExecutionSuspended = "execution.suspended"
	EventExecutionResumed   = "execution.resumed"

	EventNodeStarted   = "node.started"
	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
	EventNodeErrored   = "node.errored"
	EventNodeSkipped   = "node.skipped"
	EventNodeRetrying  = "node.retrying"
	EventNodeWaiting   = "node.waiting"

	EventWaitStarted   = "wait.started"
	EventWaitCompleted = "wait.completed"

	EventForEachIterStarted   = "foreach.iteration.started"
	EventForEachIterCompleted = "foreach.iteration.completed"
	EventForEachCompleted     = "foreach.completed"

	EventBranchEvaluated = "branch.evaluated"

	EventHILRequested     = "hil.requested"
	EventHILResolved      = "hil.resolved"
	EventHILClarification = "hil.clarification_requested"
)
