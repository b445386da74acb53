package relay

import "time"

// EventType classifies a trace span.
type EventType string

const (
	EventPublish    EventType = "publish"
	EventAccept     EventType = "accept"
	EventDeliver    EventType = "deliver"
	EventReject     EventType = "reject"
	EventDeadLetter EventType = "dead_letter"
)

// Span is one event in an envelope's journey. A trace is the ordered
// set of spans sharing a TraceID.
type Span struct {
	TraceID         string    `json:"traceId"`
	MessageID       string    `json:"messageId"`
	ParentMessageID string    `json:"parentMessageId,omitempty"`
	Subject         string    `json:"subject"`
	From            string    `json:"from"`
	ToSubject       string    `json:"toSubject,omitempty"`
	EventType       EventType `json:"eventType"`
	Timestamp       time.Time `json:"timestamp"`
	DurationMs      int64     `json:"durationMs,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Metrics aggregates delivery outcomes across the trace store.
type Metrics struct {
	TotalMessages        int64            `json:"totalMessages"`
	DeliveredCount       int64            `json:"deliveredCount"`
	FailedCount          int64            `json:"failedCount"`
	DeadLetterByReason   map[Reason]int64 `json:"deadLetterByReason"`
	AvgDeliveryLatencyMs float64          `json:"avgDeliveryLatencyMs"`
	P95DeliveryLatencyMs float64          `json:"p95DeliveryLatencyMs"`
}
