package ontolog

import (
	"reflect"

	"github.com/ontolog/ontolog/internal/eventbus"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
)

// Prioritized lets an event struct declare a delivery priority. Higher runs
// earlier; the default is 100.
type Prioritized interface {
	EventPriority() int
}

// Event is a received event: decoded payload plus envelope metadata.
type Event struct {
	// ID is the stored event id.
	ID string
	// Type is the wire type string.
	Type string
	// Payload is the raw payload map.
	Payload map[string]any
	// Priority orders delivery (higher first).
	Priority int
	// RootEventID is the id of the chain's root event.
	RootEventID string
	// ChainDepth counts emit hops from the root event.
	ChainDepth int
}

// DeadLetter is the synthetic event enqueued when a claim dead-letters.
type DeadLetter struct {
	EventID   string `onto:"event_id"`
	HandlerID string `onto:"handler_id"`
	Attempts  int    `onto:"attempts"`
	LastError string `onto:"last_error"`
}

// EventName implements EventNamed.
func (DeadLetter) EventName() string { return eventbus.DeadLetterEventType }

// encodeEvent converts an event struct to an unstamped envelope.
func encodeEvent(event any) (eventbus.Envelope, error) {
	eventType, err := EventTypeName(event)
	if err != nil {
		return eventbus.Envelope{}, onterr.Wrap(onterr.KindValidation, "encode_event", err)
	}
	payload, err := schema.StructPayload(event)
	if err != nil {
		return eventbus.Envelope{}, onterr.Wrap(onterr.KindValidation, "encode_event", err)
	}
	priority := eventbus.DefaultPriority
	if p, ok := event.(Prioritized); ok {
		priority = p.EventPriority()
	}
	return eventbus.Envelope{Type: eventType, Payload: payload, Priority: priority}, nil
}

// decodeEventPayload hydrates the payload into the handler's event struct
// type.
func decodeEventPayload(t reflect.Type, payload map[string]any) (any, error) {
	v, err := schema.NewFromPayload(t, payload)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "decode_event", err)
	}
	return v, nil
}

func eventFromEnvelope(env eventbus.Envelope) Event {
	return Event{
		ID:          env.ID,
		Type:        env.Type,
		Payload:     env.Payload,
		Priority:    env.Priority,
		RootEventID: env.RootEventID,
		ChainDepth:  env.ChainDepth,
	}
}
