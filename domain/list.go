package domain

// List groups tasks under a user-chosen name. Names are unique per owner,
// compared case-insensitively.
type List struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	CreatedAt Time   `json:"created_at"`
	UpdatedAt Time   `json:"updated_at"`
}

// ListPatch carries the list fields eligible for partial update. Nil fields
// are left untouched by the write.
type ListPatch struct {
	Name *string `json:"name,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ListPatch) Empty() bool {
	return p.Name == nil
}

// Apply returns a copy of l with the patch folded in.
func (p ListPatch) Apply(l List) List {
	if p.Name != nil {
		l.Name = *p.Name
	}
	return l
}
