package domain

import "github.com/google/uuid"

// NewID allocates a collision-resistant identifier. Records are created
// client-side with the id they will keep in the remote store, so the
// optimistic copy and the server-confirmed row delivered later by the change
// feed are recognized as the same entity.
func NewID() string {
	return uuid.NewString()
}
