package bridge

import "errors"

// ErrAlreadyAttached is returned when a second concurrent attach is
// attempted against an instance that already has an active bridge
// connection. Policy: reject, never queue.
var ErrAlreadyAttached = errors.New("instance already has an active display connection")
