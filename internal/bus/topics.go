package bus

// Topic names used across the execution core (§6 input/output streams).
const (
	TopicBarClose        = "bar_close"
	TopicTradePlan       = "trade_plan"
	TopicExecutionReport = "execution_report"
	TopicRiskEvent       = "risk_event"
)

// ConsumerGroup is the single logical group each loop subscribes under;
// the consumer name is the differentiator (derived from machine id), so
// multiple process instances can share one group without losing messages.
const ConsumerGroup = "execution-core"
