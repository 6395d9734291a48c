package engine

import (
	"context"
	"strings"

	"taskmirror/domain"
)

// Every mutation follows the same shape: validate against the local
// projection, apply optimistically, then hand the remote write to commit,
// which rolls back and publishes a notice if the store rejects it.
// Validation failures return synchronously and touch neither the projection
// nor the network.

// CreateList creates and selects a new list.
func (e *Engine) CreateList(name string) (domain.List, error) {
	var created domain.List
	err := e.do(func() error {
		name = strings.TrimSpace(name)
		if name == "" {
			return domain.ErrEmptyName
		}
		if e.proj.nameTaken(name, "") {
			return domain.ErrDuplicateName
		}
		l := domain.List{ID: domain.NewID(), OwnerID: e.ownerID, Name: name, CreatedAt: domain.Now()}
		prevSelected := e.proj.selected
		e.proj.lists[l.ID] = l
		e.proj.selected = l.ID
		e.publishView()

		e.commit("create list", func(ctx context.Context) error {
			return e.store.InsertList(ctx, l)
		}, func() {
			delete(e.proj.lists, l.ID)
			e.proj.selected = prevSelected
			if _, ok := e.proj.lists[prevSelected]; !ok {
				e.proj.selected = e.proj.firstListID()
			}
		})
		created = l
		return nil
	})
	return created, err
}

// RenameList changes a list's name.
func (e *Engine) RenameList(id, name string) error {
	return e.do(func() error {
		prev, ok := e.proj.lists[id]
		if !ok {
			return domain.ErrNoSuchRecord
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return domain.ErrEmptyName
		}
		if e.proj.nameTaken(name, id) {
			return domain.ErrDuplicateName
		}
		next := prev
		next.Name = name
		e.proj.lists[id] = next
		e.publishView()

		e.commit("rename list", func(ctx context.Context) error {
			return e.store.UpdateList(ctx, e.ownerID, id, domain.ListPatch{Name: &name})
		}, func() {
			e.proj.lists[id] = prev
		})
		return nil
	})
}

// DeleteList removes a list. Its tasks stay behind as orphans; the selection
// falls back to the first remaining list.
func (e *Engine) DeleteList(id string) error {
	return e.do(func() error {
		prev, ok := e.proj.lists[id]
		if !ok {
			return domain.ErrNoSuchRecord
		}
		prevSelected := e.proj.selected
		delete(e.proj.lists, id)
		if e.proj.selected == id {
			e.proj.selected = e.proj.firstListID()
		}
		e.publishView()

		e.commit("delete list", func(ctx context.Context) error {
			return e.store.DeleteList(ctx, e.ownerID, id)
		}, func() {
			e.proj.lists[id] = prev
			e.proj.selected = prevSelected
		})
		return nil
	})
}

// SelectList switches the selected list. Local only, nothing is written.
func (e *Engine) SelectList(id string) error {
	return e.do(func() error {
		if _, ok := e.proj.lists[id]; !ok {
			return domain.ErrNoSuchRecord
		}
		e.proj.selected = id
		e.publishView()
		return nil
	})
}

// CreateTask adds a task at the bottom of the selected list with the default
// priority.
func (e *Engine) CreateTask(title string) (domain.Task, error) {
	var created domain.Task
	err := e.do(func() error {
		title = strings.TrimSpace(title)
		if title == "" {
			return domain.ErrEmptyTitle
		}
		listID := e.proj.selected
		if listID == "" {
			return domain.ErrNoSuchRecord
		}
		if e.proj.titleTaken(listID, title, "") {
			return domain.ErrDuplicateTitle
		}
		t := domain.Task{
			ID:       domain.NewID(),
			OwnerID:  e.ownerID,
			ListID:   listID,
			Title:    title,
			Status:   domain.StatusTodo,
			Priority: domain.DefaultPriority,
			OrderKey: e.proj.nextOrderKey(listID),
		}
		e.proj.tasks[t.ID] = t
		e.publishView()

		e.commit("create task", func(ctx context.Context) error {
			return e.store.InsertTask(ctx, t)
		}, func() {
			delete(e.proj.tasks, t.ID)
		})
		created = t
		return nil
	})
	return created, err
}

// ToggleTask flips a task between done and todo. Completing a task moves it
// to the bottom of its list so finished work sinks below pending work.
func (e *Engine) ToggleTask(id string) error {
	return e.do(func() error {
		prev, ok := e.proj.tasks[id]
		if !ok || !prev.Active() {
			return domain.ErrNoSuchRecord
		}
		status := domain.StatusTodo
		patch := domain.TaskPatch{Status: &status}
		if prev.Status != domain.StatusDone {
			status = domain.StatusDone
			key := e.proj.nextOrderKey(prev.ListID)
			patch.OrderKey = &key
		}
		e.proj.tasks[id] = patch.Apply(prev)
		e.publishView()

		e.commit("toggle task", func(ctx context.Context) error {
			return e.store.UpdateTask(ctx, e.ownerID, id, patch)
		}, func() {
			e.proj.tasks[id] = prev
		})
		return nil
	})
}

// RemoveTask soft deletes a task: the row keeps its deleted_at marker so the
// change feed can tell every device to drop it from the active views.
func (e *Engine) RemoveTask(id string) error {
	return e.do(func() error {
		prev, ok := e.proj.tasks[id]
		if !ok || !prev.Active() {
			return domain.ErrNoSuchRecord
		}
		now := domain.Now()
		patch := domain.TaskPatch{DeletedAt: &now}
		e.proj.tasks[id] = patch.Apply(prev)
		prevDetail := e.detail
		if e.detail != nil && e.detail.taskID == id {
			e.detail = nil
		}
		e.publishView()

		e.commit("remove task", func(ctx context.Context) error {
			return e.store.UpdateTask(ctx, e.ownerID, id, patch)
		}, func() {
			e.proj.tasks[id] = prev
			e.detail = prevDetail
		})
		return nil
	})
}
