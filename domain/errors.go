package domain

import "errors"

// Validation errors surfaced synchronously by the mutation pipeline, before
// any store mutation or remote call.
var (
	ErrEmptyName      = errors.New("list name must not be empty")
	ErrDuplicateName  = errors.New("a list with that name already exists")
	ErrEmptyTitle     = errors.New("task title must not be empty")
	ErrDuplicateTitle = errors.New("a task with that title already exists in this list")
	ErrPriorityRange  = errors.New("priority out of range")
	ErrNoSuchRecord   = errors.New("no such record")
)
