package domain

// Task status values.
const (
	StatusTodo  = "todo"
	StatusDoing = "doing"
	StatusDone  = "done"
)

// Priority bounds. 0 is the highest priority, 3 the lowest and the default.
const (
	MinPriority     = 0
	MaxPriority     = 3
	DefaultPriority = 3
)

// Task is a single item on a list. ListID is a weak reference: deleting a
// list leaves its tasks in place, orphaned from the active views. DeletedAt
// is the soft-delete marker; a non-zero value removes the task from every
// active view without dropping the row.
type Task struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	ListID      string  `json:"list_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Priority    int     `json:"priority"`
	DueAt       Time    `json:"due_at"`
	OrderKey    float64 `json:"order_key"`
	UpdatedAt   Time    `json:"updated_at"`
	DeletedAt   Time    `json:"deleted_at"`
}

// Active reports whether the task has not been soft deleted.
func (t Task) Active() bool {
	return t.DeletedAt.IsZero()
}

// ValidPriority reports whether p is inside the allowed range.
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// TaskPatch carries the task fields eligible for partial update. Nil fields
// are left untouched so concurrent writers never clobber each other's
// unrelated columns.
type TaskPatch struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	DueAt       *Time    `json:"due_at,omitempty"`
	OrderKey    *float64 `json:"order_key,omitempty"`
	DeletedAt   *Time    `json:"deleted_at,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.DueAt == nil && p.OrderKey == nil && p.DeletedAt == nil
}

// Apply returns a copy of t with the patch folded in.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.DueAt != nil {
		t.DueAt = *p.DueAt
	}
	if p.OrderKey != nil {
		t.OrderKey = *p.OrderKey
	}
	if p.DeletedAt != nil {
		t.DeletedAt = *p.DeletedAt
	}
	return t
}
