package repositories

import "errors"

// ErrNotFound is returned when a lookup by ID finds no matching row.
// Callers should compare with errors.Is(err, repositories.ErrNotFound).
var ErrNotFound = errors.New("repositories: record not found")

// ErrConflict is returned when a write violates a uniqueness constraint,
// most notably the partial unique index enforcing at most one in-flight
// execution per task (invariant I1).
var ErrConflict = errors.New("repositories: conflicting record exists")
