package a2a

import (
	"encoding/json"
	"fmt"
	"time"
)

// Canonical map keys. These double as the JSON field names on Message, so the
// wire encoding and the map form never drift apart.
const (
	keyType             = "type"
	keySenderID         = "sender_id"
	keySenderName       = "sender_name"
	keyRecipientID      = "recipient_id"
	keyRecipientName    = "recipient_name"
	keyPayload          = "payload"
	keyCorrelationID    = "correlation_id"
	keyTimestamp        = "timestamp"
	keyPriority         = "priority"
	keyRequiresResponse = "requires_response"
	keyRetryCount       = "retry_count"
	keyMaxRetries       = "max_retries"
	keyTTLSeconds       = "ttl_seconds"
)

// ToMap converts the message to its canonical map form: the type as a
// lowercase string and the timestamp as ISO-8601 (RFC 3339, nanosecond
// precision, UTC).
func (m Message) ToMap() map[string]any {
	payload := m.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		keyType:             string(m.Type),
		keySenderID:         m.SenderID,
		keySenderName:       m.SenderName,
		keyRecipientID:      m.RecipientID,
		keyRecipientName:    m.RecipientName,
		keyPayload:          payload,
		keyCorrelationID:    m.CorrelationID,
		keyTimestamp:        m.Timestamp.UTC().Format(time.RFC3339Nano),
		keyPriority:         m.Priority,
		keyRequiresResponse: m.RequiresResponse,
		keyRetryCount:       m.RetryCount,
		keyMaxRetries:       m.MaxRetries,
		keyTTLSeconds:       m.TTLSeconds,
	}
}

// FromMap reconstructs a message from its canonical map form. Numeric fields
// accept both int and float64 so maps that have passed through JSON decode
// cleanly.
func FromMap(raw map[string]any) (Message, error) {
	t := MessageType(stringAt(raw, keyType))
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, stringAt(raw, keyType))
	}

	ts, err := time.Parse(time.RFC3339Nano, stringAt(raw, keyTimestamp))
	if err != nil {
		return Message{}, fmt.Errorf("parse timestamp: %w", err)
	}

	payload, _ := raw[keyPayload].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}

	return Message{
		Type:             t,
		SenderID:         stringAt(raw, keySenderID),
		SenderName:       stringAt(raw, keySenderName),
		RecipientID:      stringAt(raw, keyRecipientID),
		RecipientName:    stringAt(raw, keyRecipientName),
		Payload:          payload,
		CorrelationID:    stringAt(raw, keyCorrelationID),
		Timestamp:        ts.UTC(),
		Priority:         intAt(raw, keyPriority),
		RequiresResponse: boolAt(raw, keyRequiresResponse),
		RetryCount:       intAt(raw, keyRetryCount),
		MaxRetries:       intAt(raw, keyMaxRetries),
		TTLSeconds:       intAt(raw, keyTTLSeconds),
	}, nil
}

// Encode serializes the message for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m.ToMap())
}

// Decode deserializes a wire message.
func Decode(data []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return FromMap(raw)
}

func stringAt(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

func boolAt(raw map[string]any, key string) bool {
	b, _ := raw[key].(bool)
	return b
}

func intAt(raw map[string]any, key string) int {
	switch v := raw[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
