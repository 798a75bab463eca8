// README: Identifier value object shared by every aggregate.
package types

import "github.com/google/uuid"

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }

// Ptr returns nil for the empty ID.
func (id ID) Ptr() *ID {
	if id == "" {
		return nil
	}
	v := id
	return &v
}
