package engine

import (
	"context"
	"strings"

	"taskmirror/domain"
)

// detail is the working copy behind the task detail view. Edits accumulate
// here without touching the projection until save. The dirty set remembers
// which fields the user has changed so a concurrent feed update refreshes
// only the fields they are not mid-edit on.
type detail struct {
	taskID   string
	title    string
	text     string
	urls     []string
	priority int
	dueAt    domain.Time
	dirty    map[string]bool
}

func (d *detail) refreshFrom(t domain.Task) {
	desc := domain.DecodeDescription(t.Description)
	d.title = t.Title
	d.text = desc.Text
	d.urls = desc.URLs
	d.priority = t.Priority
	d.dueAt = t.DueAt
	d.dirty = make(map[string]bool)
}

// DetailView is the outward shape of the working copy. Description is the
// free text with attachment sentinels stripped; the attachment URLs travel
// separately.
type DetailView struct {
	TaskID      string      `json:"task_id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	ImageURLs   []string    `json:"image_urls"`
	Priority    int         `json:"priority"`
	DueAt       domain.Time `json:"due_at"`
	Status      string      `json:"status"`
}

// DetailPatch carries edits to the open working copy. Nil fields are left
// alone.
type DetailPatch struct {
	Title       *string      `json:"title,omitempty"`
	Description *string      `json:"description,omitempty"`
	Priority    *int         `json:"priority,omitempty"`
	DueAt       *domain.Time `json:"due_at,omitempty"`
}

func (e *Engine) detailView() DetailView {
	d := e.detail
	dv := DetailView{
		TaskID:      d.taskID,
		Title:       d.title,
		Description: d.text,
		ImageURLs:   append([]string(nil), d.urls...),
		Priority:    d.priority,
		DueAt:       d.dueAt,
	}
	if t, ok := e.proj.tasks[d.taskID]; ok {
		dv.Status = t.Status
	}
	return dv
}

// OpenDetail loads a task into the detail working copy.
func (e *Engine) OpenDetail(id string) (DetailView, error) {
	var dv DetailView
	err := e.do(func() error {
		t, ok := e.proj.tasks[id]
		if !ok || !t.Active() {
			return domain.ErrNoSuchRecord
		}
		d := &detail{taskID: id}
		d.refreshFrom(t)
		e.detail = d
		dv = e.detailView()
		e.publishView()
		return nil
	})
	return dv, err
}

// SetDetail folds edits into the open working copy. Local only; nothing is
// validated against other tasks or written until save.
func (e *Engine) SetDetail(p DetailPatch) error {
	return e.do(func() error {
		d := e.detail
		if d == nil {
			return domain.ErrNoSuchRecord
		}
		if p.Priority != nil && !domain.ValidPriority(*p.Priority) {
			return domain.ErrPriorityRange
		}
		if p.Title != nil {
			d.title = *p.Title
			d.dirty["title"] = true
		}
		if p.Description != nil {
			d.text = *p.Description
			d.dirty["description"] = true
		}
		if p.Priority != nil {
			d.priority = *p.Priority
			d.dirty["priority"] = true
		}
		if p.DueAt != nil {
			d.dueAt = *p.DueAt
			d.dirty["due_at"] = true
		}
		e.publishView()
		return nil
	})
}

// diffDetail validates the working copy and reduces it to the minimal patch
// against the backing record. An empty patch means nothing changed.
func diffDetail(d *detail, prev domain.Task) (domain.TaskPatch, error) {
	title := strings.TrimSpace(d.title)
	if title == "" {
		return domain.TaskPatch{}, domain.ErrEmptyTitle
	}
	if !domain.ValidPriority(d.priority) {
		return domain.TaskPatch{}, domain.ErrPriorityRange
	}
	var p domain.TaskPatch
	if title != prev.Title {
		p.Title = &title
	}
	if desc := domain.EncodeDescription(d.text, d.urls); desc != prev.Description {
		p.Description = &desc
	}
	if d.priority != prev.Priority {
		priority := d.priority
		p.Priority = &priority
	}
	if !d.dueAt.Equal(prev.DueAt.Time) {
		due := d.dueAt
		p.DueAt = &due
	}
	return p, nil
}

// saveDetail applies the working copy's pending edits: minimal-diff patch,
// optimistic apply to both the projection and the working copy, async remote
// write. Runs on the loop goroutine.
func (e *Engine) saveDetail(op string, d *detail) error {
	prev, ok := e.proj.tasks[d.taskID]
	if !ok || !prev.Active() {
		return domain.ErrNoSuchRecord
	}
	patch, err := diffDetail(d, prev)
	if err != nil {
		return err
	}
	if patch.Title != nil && e.proj.titleTaken(prev.ListID, *patch.Title, prev.ID) {
		return domain.ErrDuplicateTitle
	}
	if patch.Empty() {
		d.dirty = make(map[string]bool)
		return nil
	}
	next := patch.Apply(prev)
	e.proj.tasks[next.ID] = next
	if e.detail == d {
		d.refreshFrom(next)
	}
	e.publishView()

	e.commit(op, func(ctx context.Context) error {
		return e.store.UpdateTask(ctx, e.ownerID, next.ID, patch)
	}, func() {
		e.proj.tasks[prev.ID] = prev
		if e.detail != nil && e.detail.taskID == prev.ID {
			e.detail.refreshFrom(prev)
		}
	})
	return nil
}

// SaveDetail persists the working copy's pending edits and keeps the detail
// open.
func (e *Engine) SaveDetail() error {
	return e.do(func() error {
		if e.detail == nil {
			return domain.ErrNoSuchRecord
		}
		return e.saveDetail("save detail", e.detail)
	})
}

// CloseDetail dismisses the detail view first, then saves pending edits in
// the background. Close itself never fails; a save that cannot be applied or
// is rejected remotely surfaces as a notice on the stream.
func (e *Engine) CloseDetail() error {
	return e.do(func() error {
		d := e.detail
		if d == nil {
			return nil
		}
		e.detail = nil
		e.publishView()
		if err := e.saveDetail("close detail", d); err != nil {
			e.notify("close detail", err)
		}
		return nil
	})
}
