// Package remote talks to the authoritative row store: row-level CRUD for
// the lists and tasks tables, a per-table realtime change feed, and binary
// object storage for attachments. The engine consumes all of it through
// interfaces it defines itself, so tests can substitute fakes.
package remote

import (
	"encoding/json"
	"errors"
)

// Tables watched by the change feed.
const (
	TableLists = "lists"
	TableTasks = "tasks"
)

// Change-feed event types.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

var (
	// ErrRowExists is returned by inserts when the id is already taken.
	ErrRowExists = errors.New("row already exists")
	// ErrNoRow is returned by updates and deletes when the id is unknown.
	ErrNoRow = errors.New("row not found")
)

// ChangeEvent is one change-feed notification for a single row. New carries
// the row after an insert or update; Old carries the row before an update or
// delete. Payloads are raw JSON so consumers can decode them defensively.
type ChangeEvent struct {
	Type  string          `json:"eventType"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Record returns the payload describing the affected row: the new row when
// present, otherwise the old one.
func (e ChangeEvent) Record() json.RawMessage {
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}
