package bus

// Pipeline lifecycle topics.
const (
	TopicMessageReceived = "message.received"
	TopicMessageRouted   = "message.routed"
	TopicMessageReplied  = "message.replied"
	TopicMessageRejected = "message.rejected"
)

// Scheduler topics. Reinjection carries a synthetic message back into the
// ingress pipeline as if the user had typed it.
const (
	TopicTaskDue       = "task.due"
	TopicTaskReinject  = "task.reinject"
	TopicTaskDelivered = "task.delivered"
	TopicTaskFailed    = "task.failed"
)

// Outbox topics.
const (
	TopicOutboxSent       = "outbox.sent"
	TopicOutboxDeadLetter = "outbox.dead_letter"
)

// Router experiment topics.
const (
	TopicRouterReloaded       = "router.reloaded"
	TopicRouterCanaryDisabled = "router.canary_disabled"
)

// Security topics.
const (
	TopicSecurityDenied = "security.denied"
	TopicPanicMode      = "security.panic_mode"
)

// MessageEvent travels on the message.* topics.
type MessageEvent struct {
	TraceID string
	ChatID  int64
	UserID  int64
	Source  string // "telegram", "bridge", "scheduler"
	Route   string // set on message.routed
	Text    string // redacted upstream before publishing
}

// ReinjectEvent asks the pipeline to process a scheduled task's prompt as a
// fresh user message. Depth bounds recursion when the reinjected intent
// schedules further tasks.
type ReinjectEvent struct {
	TaskID string
	ChatID int64
	UserID int64
	Prompt string
	Depth  int
}

// DeliveryEvent travels on task.delivered / task.failed / outbox.* topics.
type DeliveryEvent struct {
	ID       string // task or outbox message id
	ChatID   int64
	Attempts int
	Reason   string
}
