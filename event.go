package umadb

import (
	"github.com/google/uuid"

	"umadb/internal/eventtree"
)

// EventRecord is the event payload a caller appends (§3): a type tag, raw
// bytes, zero or more tags for downstream filtering, and an optional UUID.
type EventRecord struct {
	EventType string
	Data      []byte
	Tags      []string
	UUID      *uuid.UUID
}

// Event is a stored event together with the position it was assigned.
type Event struct {
	Position Position
	EventRecord
}

func toTreeRecord(r EventRecord) eventtree.Record {
	return eventtree.Record{EventType: r.EventType, Data: r.Data, Tags: r.Tags, UUID: r.UUID}
}

func fromTreeEvent(e eventtree.Event) Event {
	return Event{
		Position: e.Position,
		EventRecord: EventRecord{
			EventType: e.Record.EventType,
			Data:      e.Record.Data,
			Tags:      e.Record.Tags,
			UUID:      e.Record.UUID,
		},
	}
}
