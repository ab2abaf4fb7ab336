package events

// Event enumerates high-level topics inside the mirror core.
type Event string

const (
	EventTradeObserved  Event = "trade.observed"
	EventDecision       Event = "decision"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderFilled    Event = "order.filled"
	EventOrderRejected  Event = "order.rejected"
	EventDriftAlert     Event = "drift.alert"
	EventHeartbeat      Event = "heartbeat"
)
