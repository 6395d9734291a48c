package engine

import (
	"sort"
	"strings"

	"taskmirror/domain"
)

// projection is the local copy of the owner's rows plus the UI selection
// state. Maps are keyed by record id; a record is replaced wholesale on every
// change, so re-applying the same change is a no-op. Derived views are never
// cached, each consumer recomputes them from the maps.
type projection struct {
	lists    map[string]domain.List
	tasks    map[string]domain.Task
	selected string
}

func newProjection() projection {
	return projection{
		lists: make(map[string]domain.List),
		tasks: make(map[string]domain.Task),
	}
}

// sortedLists returns every list ordered by creation time, id as tiebreak.
func (p *projection) sortedLists() []domain.List {
	out := make([]domain.List, 0, len(p.lists))
	for _, l := range p.lists {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt.Time) {
			return out[i].CreatedAt.Before(out[j].CreatedAt.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// activeTasks returns the not-soft-deleted tasks of one list ordered by
// priority, then order key, id as tiebreak.
func (p *projection) activeTasks(listID string) []domain.Task {
	var out []domain.Task
	for _, t := range p.tasks {
		if !t.Active() || t.ListID != listID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].OrderKey != out[j].OrderKey {
			return out[i].OrderKey < out[j].OrderKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// nextOrderKey places a task at the bottom of a list: one past the greatest
// order key among the list's active tasks. Keys are never reused; a list
// that has only ever lost tasks keeps growing past its high-water mark.
func (p *projection) nextOrderKey(listID string) float64 {
	max := 0.0
	for _, t := range p.tasks {
		if !t.Active() || t.ListID != listID {
			continue
		}
		if t.OrderKey > max {
			max = t.OrderKey
		}
	}
	return max + 1
}

// nameTaken reports whether another list already uses the name,
// case-insensitively.
func (p *projection) nameTaken(name, excludeID string) bool {
	for _, l := range p.lists {
		if l.ID != excludeID && strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

// titleTaken reports whether another active task on the list already uses
// the title, case-insensitively.
func (p *projection) titleTaken(listID, title, excludeID string) bool {
	for _, t := range p.tasks {
		if t.ID == excludeID || !t.Active() || t.ListID != listID {
			continue
		}
		if strings.EqualFold(t.Title, title) {
			return true
		}
	}
	return false
}

// firstListID returns the id of the oldest list, or empty when there are
// none. Used as the selection fallback after the selected list disappears.
func (p *projection) firstListID() string {
	lists := p.sortedLists()
	if len(lists) == 0 {
		return ""
	}
	return lists[0].ID
}
