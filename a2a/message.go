// Package a2a implements the typed agent-to-agent messaging protocol: a
// correlation-tracked message envelope, factory constructors for each message
// kind, a canonical map codec, and a Bus abstraction with in-process and NATS
// implementations.
package a2a

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of an envelope. Wire representation is the
// lowercase string value.
type MessageType string

const (
	TypeTaskAssignment       MessageType = "task_assignment"
	TypeTaskCompletion       MessageType = "task_completion"
	TypeValidationRequest    MessageType = "validation_request"
	TypeValidationResult     MessageType = "validation_result"
	TypeEscalationRequest    MessageType = "escalation_request"
	TypeQueryRequest         MessageType = "query_request"
	TypeQueryResponse        MessageType = "query_response"
	TypeStateUpdate          MessageType = "state_update"
	TypeErrorReport          MessageType = "error_report"
	TypeHumanApprovalRequest MessageType = "human_approval_request"
)

// Valid reports whether t is one of the ten known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeTaskAssignment, TypeTaskCompletion, TypeValidationRequest,
		TypeValidationResult, TypeEscalationRequest, TypeQueryRequest,
		TypeQueryResponse, TypeStateUpdate, TypeErrorReport,
		TypeHumanApprovalRequest:
		return true
	}
	return false
}

// IsRequest reports whether t is a request-style kind that expects a
// correlated response.
func (t MessageType) IsRequest() bool {
	switch t {
	case TypeTaskAssignment, TypeValidationRequest, TypeEscalationRequest,
		TypeQueryRequest, TypeHumanApprovalRequest:
		return true
	}
	return false
}

// String returns the wire representation.
func (t MessageType) String() string { return string(t) }

// Priority bounds. 1 is the highest priority.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// Envelope defaults applied by the factories.
const (
	DefaultMaxRetries = 3
	DefaultTTLSeconds = 300
)

// Endpoint addresses a message participant.
type Endpoint struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Message is the A2A envelope. Responses carry the CorrelationID of their
// originating request.
type Message struct {
	Type             MessageType    `json:"type"`
	SenderID         string         `json:"sender_id"`
	SenderName       string         `json:"sender_name"`
	RecipientID      string         `json:"recipient_id"`
	RecipientName    string         `json:"recipient_name"`
	Payload          map[string]any `json:"payload"`
	CorrelationID    string         `json:"correlation_id"`
	Timestamp        time.Time      `json:"timestamp"`
	Priority         int            `json:"priority"`
	RequiresResponse bool           `json:"requires_response"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	TTLSeconds       int            `json:"ttl_seconds"`
}

// Expired reports whether the message's TTL has elapsed at now.
func (m Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(time.Duration(m.TTLSeconds) * time.Second))
}

func defaultPriority(t MessageType) int {
	// Failures and escalations jump the queue.
	if t == TypeErrorReport || t == TypeEscalationRequest {
		return PriorityHighest
	}
	return PriorityDefault
}

func newMessage(t MessageType, from, to Endpoint, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{
		Type:             t,
		SenderID:         from.ID,
		SenderName:       from.Name,
		RecipientID:      to.ID,
		RecipientName:    to.Name,
		Payload:          payload,
		CorrelationID:    uuid.NewString(),
		Timestamp:        time.Now().UTC(),
		Priority:         defaultPriority(t),
		RequiresResponse: t.IsRequest(),
		MaxRetries:       DefaultMaxRetries,
		TTLSeconds:       DefaultTTLSeconds,
	}
}

// respond builds a response envelope addressed back to the request's sender,
// reusing its correlation id.
func respond(t MessageType, req Message, payload map[string]any) Message {
	m := newMessage(t, Endpoint{ID: req.RecipientID, Name: req.RecipientName},
		Endpoint{ID: req.SenderID, Name: req.SenderName}, payload)
	m.CorrelationID = req.CorrelationID
	return m
}

// NewTaskAssignment constructs a task_assignment request.
func NewTaskAssignment(from, to Endpoint, payload map[string]any) Message {
	return newMessage(TypeTaskAssignment, from, to, payload)
}

// NewTaskCompletion constructs the task_completion response to an assignment.
func NewTaskCompletion(assignment Message, payload map[string]any) Message {
	return respond(TypeTaskCompletion, assignment, payload)
}

// NewValidationRequest constructs a validation_request.
func NewValidationRequest(from, to Endpoint, payload map[string]any) Message {
	return newMessage(TypeValidationRequest, from, to, payload)
}

// NewValidationResult constructs the validation_result response to a request.
func NewValidationResult(request Message, payload map[string]any) Message {
	return respond(TypeValidationResult, request, payload)
}

// NewEscalationRequest constructs an escalation_request. Escalations default
// to the highest priority.
func NewEscalationRequest(from, to Endpoint, payload map[string]any) Message {
	return newMessage(TypeEscalationRequest, from, to, payload)
}

// NewQueryRequest constructs a query_request.
func NewQueryRequest(from, to Endpoint, payload map[string]any) Message {
	return newMessage(TypeQueryRequest, from, to, payload)
}

// NewQueryResponse constructs the query_response to a request.
func NewQueryResponse(request Message, payload map[string]any) Message {
	return respond(TypeQueryResponse, request, payload)
}

// NewStateUpdate constructs a fire-and-forget state_update notification.
func NewStateUpdate(from, to Endpoint, payload map[string]any) Message {
	return newMessage(TypeStateUpdate, from, to, payload)
}

// NewErrorReport constructs an error_report notification. Error reports
// default to the highest priority.
func NewErrorReport(from, to Endpoint, payload map[string]any) Message {
	return newMessage(TypeErrorReport, from, to, payload)
}

// NewHumanApprovalRequest constructs a human_approval_request.
func NewHumanApprovalRequest(from, to Endpoint, payload map[string]any) Message {
	return newMessage(TypeHumanApprovalRequest, from, to, payload)
}
