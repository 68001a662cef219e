package types

import "time"

// Component identifies the emitter of a monitoring event.
type Component string

const (
	ComponentContext  Component = "context_store"
	ComponentHandoff  Component = "handoff"
	ComponentConflict Component = "conflict"
	ComponentDecision Component = "decision"
	ComponentTools    Component = "tool_arbiter"
)

// Event is the structured record emitted on every state transition.
type Event struct {
	Component  Component      `json:"component"`
	EntityID   string         `json:"entity_id"`
	EventType  string         `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(component Component, entityID, eventType string, attrs map[string]any) Event {
	return Event{
		Component:  component,
		EntityID:   entityID,
		EventType:  eventType,
		Timestamp:  time.Now(),
		Attributes: attrs,
	}
}

// Attr returns the attribute value for key or nil.
func (e Event) Attr(key string) any {
	if e.Attributes == nil {
		return nil
	}
	return e.Attributes[key]
}
