package store

import "errors"

var (
	// ErrInvalidArgument is returned for structurally invalid input (missing
	// peer id or message identity). The store is not mutated.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned when a temp id or message id is unknown.
	ErrNotFound = errors.New("not found")
)
