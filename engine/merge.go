package engine

import (
	"encoding/json"

	"taskmirror/domain"
	"taskmirror/remote"
)

// The change-feed merger. Events are applied whole-record, last delivered
// wins: an insert or update replaces the projection's copy, a delete drops
// it. Re-delivery of the same event lands on the same state, so the merger
// is idempotent by construction. Payloads are decoded defensively; an event
// that does not decode, or decodes without an id, is logged and skipped
// rather than allowed to poison the projection.

func (e *Engine) applyListEvent(ev remote.ChangeEvent) {
	switch ev.Type {
	case remote.EventDelete:
		var old domain.List
		if !e.decodeRecord(ev.Old, &old) || old.ID == "" {
			return
		}
		delete(e.proj.lists, old.ID)
		if e.proj.selected == old.ID {
			e.proj.selected = e.proj.firstListID()
		}
	case remote.EventInsert, remote.EventUpdate:
		var l domain.List
		if !e.decodeRecord(ev.Record(), &l) || l.ID == "" {
			return
		}
		e.proj.lists[l.ID] = l
	default:
		e.logger.WithField("type", ev.Type).Debug("ignoring unknown lists feed event")
		return
	}
	e.publishView()
}

func (e *Engine) applyTaskEvent(ev remote.ChangeEvent) {
	switch ev.Type {
	case remote.EventDelete:
		var old domain.Task
		if !e.decodeRecord(ev.Old, &old) || old.ID == "" {
			return
		}
		delete(e.proj.tasks, old.ID)
		if e.detail != nil && e.detail.taskID == old.ID {
			e.detail = nil
		}
	case remote.EventInsert, remote.EventUpdate:
		var t domain.Task
		if !e.decodeRecord(ev.Record(), &t) || t.ID == "" {
			return
		}
		e.proj.tasks[t.ID] = t
		if e.detail != nil && e.detail.taskID == t.ID {
			if t.Active() {
				e.refreshDetail(t)
			} else {
				// Soft deleted elsewhere while the detail was open.
				e.detail = nil
			}
		}
	default:
		e.logger.WithField("type", ev.Type).Debug("ignoring unknown tasks feed event")
		return
	}
	e.publishView()
}

// refreshDetail folds a merged record into the open working copy, skipping
// the fields the user is mid-edit on.
func (e *Engine) refreshDetail(t domain.Task) {
	d := e.detail
	if !d.dirty["title"] {
		d.title = t.Title
	}
	desc := domain.DecodeDescription(t.Description)
	if !d.dirty["description"] {
		d.text = desc.Text
	}
	d.urls = desc.URLs
	if !d.dirty["priority"] {
		d.priority = t.Priority
	}
	if !d.dirty["due_at"] {
		d.dueAt = t.DueAt
	}
}

func (e *Engine) decodeRecord(raw json.RawMessage, into any) bool {
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, into); err != nil {
		e.logger.Warnf("undecodable feed record: %v", err)
		return false
	}
	return true
}
