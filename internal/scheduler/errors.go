package scheduler

import "errors"

// ErrJobNotFound is returned by internal lookups when no gocron job is
// currently registered under a given tag.
var ErrJobNotFound = errors.New("scheduler: job not found")
