// Package relay defines the kernel types shared by the message bus:
// envelopes, budgets, endpoints, dead letters, trace spans, and the
// stable error codes the HTTP edge translates.
package relay

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an envelope.
type Status string

const (
	StatusNew        Status = "new"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether s is a final status. Terminal envelopes
// are never mutated again.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusNew || s.Terminal()
}

// Reason explains why an envelope was dead-lettered.
type Reason string

const (
	ReasonHopLimit         Reason = "hop_limit"
	ReasonTTLExpired       Reason = "ttl_expired"
	ReasonCycleDetected    Reason = "cycle_detected"
	ReasonBudgetExhausted  Reason = "budget_exhausted"
	ReasonUnknownSubject   Reason = "unknown_subject"
	ReasonEndpointNotFound Reason = "endpoint_not_found"
	ReasonPublishFailed    Reason = "publish_failed"
)

// Envelope is the unit of transport.
type Envelope struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	From      string          `json:"from"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Budget    Budget          `json:"budget"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	TraceID   string          `json:"traceId"`
}

// Clone returns a copy of e whose visited set is independent of the
// original. The payload bytes are shared; they are never mutated.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	cp.Budget.Visited = e.Budget.Visited.Clone()
	return &cp
}

// Endpoint is a persisted registration binding a subject to a
// logical receiver.
type Endpoint struct {
	Subject      string     `json:"subject"`
	SubjectHash  Hash       `json:"subjectHash"`
	RegisteredAt time.Time  `json:"registeredAt"`
	Description  string     `json:"description,omitempty"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	MessageCount int64      `json:"messageCount"`
}

// DeadLetter records an envelope the engine rejected or failed to
// deliver. EndpointHash identifies the target subscriber, or the
// publisher's subject for pre-persist rejections.
type DeadLetter struct {
	ID           int64     `json:"id"`
	EndpointHash Hash      `json:"endpointHash"`
	MessageID    string    `json:"messageId"`
	Reason       Reason    `json:"reason"`
	Envelope     *Envelope `json:"envelope"`
	FailedAt     time.Time `json:"failedAt"`
}
