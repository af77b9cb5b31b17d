package registry

import "errors"

// ErrNotFound is returned by Update when no record exists for the given id.
var ErrNotFound = errors.New("registry record not found")
