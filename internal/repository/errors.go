package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates an insert collided with a unique key.
var ErrConflict = errors.New("repository: conflict")
