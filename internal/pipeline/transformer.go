// Package pipeline implements the offline notification pipeline: queue
// consumption, per-recipient push delivery, retry with exponential backoff,
// and dead-lettering of poison messages.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// PermanentError marks a queue message that can never succeed: malformed
// JSON or an envelope failing structural validation. The consumer routes
// these straight to the dead-letter queue, with no retry attempts.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent pipeline failure (%s): %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// DecodeEnvelope unmarshals and validates a raw queue message body.
//
// It performs two steps:
//  1. Unmarshals the raw JSON payload into a NotificationEnvelope.
//  2. Validates the envelope's structural invariants (event ID, event type,
//     at least one recipient).
//
// Either failure is returned as a *PermanentError so the caller can
// dead-letter the message by receipt handle without ever retrying it.
func DecodeEnvelope(body []byte) (*realtime.NotificationEnvelope, error) {
	var envelope realtime.NotificationEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &PermanentError{Reason: "malformed_json", Err: err}
	}
	if err := envelope.Validate(); err != nil {
		return nil, &PermanentError{Reason: "invalid_envelope", Err: err}
	}
	return &envelope, nil
}
