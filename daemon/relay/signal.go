package relay

import "time"

// SignalType classifies out-of-band bus signals.
type SignalType string

const (
	SignalBackpressure SignalType = "backpressure"
	SignalDeadLetter   SignalType = "dead_letter"
	SignalAdapterError SignalType = "adapter_error"
	SignalSSEOverflow  SignalType = "sse_overflow"
)

// Signal is an out-of-band notification emitted on the bus's signal
// plane: backpressure drops, dead letters, adapter errors. Signals are
// addressed by subject and forwarded to SSE subscribers.
type Signal struct {
	Type         SignalType `json:"type"`
	Subject      string     `json:"subject"`
	SubscriberID string     `json:"subscriberId,omitempty"`
	MessageID    string     `json:"messageId,omitempty"`
	Reason       Reason     `json:"reason,omitempty"`
	Error        string     `json:"error,omitempty"`
	At           time.Time  `json:"at"`
}
