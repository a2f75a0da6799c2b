package statemachine

import "errors"

// ErrInvalidTransition is returned for any state change not listed in the
// transition table.
var ErrInvalidTransition = errors.New("statemachine: invalid transition")

// ErrConcurrentModification is returned when the compare-and-swap UPDATE
// affects zero rows: the task's state moved between the caller's read and
// this transition's write.
var ErrConcurrentModification = errors.New("statemachine: concurrent modification")
