package types

import "sort"

// Event represents a typed event emitted during state transitions. Evidence
// carries the opaque payload supplied by the actor (claim proofs, receipts)
// and is never interpreted by the ledger.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Evidence   []byte            `json:"evidence,omitempty"`
}

// EventType satisfies the events.Event interface.
func (e *Event) EventType() string {
	if e == nil {
		return ""
	}
	return e.Type
}

// Attr returns the attribute stored under key, or "" when absent.
func (e *Event) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := &Event{Type: e.Type, Attributes: make(map[string]string, len(e.Attributes))}
	for k, v := range e.Attributes {
		out.Attributes[k] = v
	}
	if len(e.Evidence) > 0 {
		out.Evidence = append([]byte(nil), e.Evidence...)
	}
	return out
}

// SortedKeys returns the attribute keys in lexical order for deterministic
// rendering.
func (e *Event) SortedKeys() []string {
	if e == nil {
		return nil
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
