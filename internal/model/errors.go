package model

import "errors"

var (
	// ErrNotFound is returned by stores when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrStatusChanged is returned when a conditional job update finds the
	// job in a different status
	ErrStatusChanged = errors.New("status changed")
)
