package observability

import (
	"context"
	"time"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// EventPublisher delivers envelopes to the event bus.
type EventPublisher interface {
	PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

var defaultPublisher EventPublisher

func SetPublisher(publisher EventPublisher) {
	defaultPublisher = publisher
}

func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}

	err := defaultPublisher.PublishWithHeaders(ctx, routingKey, message, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// WSIdentity identifies the peer of a websocket connection in events.
type WSIdentity struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
}

// WSDetails describes a websocket lifecycle event.
type WSDetails struct {
	Kind       string `json:"kind"`
	ResourceID string `json:"resource_id"`
	Event      string `json:"event"`
	ConnID     string `json:"conn_id"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason"`
}

// WSEvent builds the envelope for a websocket lifecycle event.
func WSEvent(details WSDetails, identity WSIdentity, connected time.Time) EventEnvelope {
	if !connected.IsZero() {
		details.DurationMS = time.Since(connected).Milliseconds()
	}
	return EventEnvelope{
		EventType: "ws_events",
		EventName: details.Event,
		Payload: map[string]interface{}{
			"ws":       details,
			"identity": identity,
		},
	}
}
