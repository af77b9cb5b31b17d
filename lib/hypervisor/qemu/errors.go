package qemu

import "errors"

var (
	// ErrImageMissing is returned when an overlay-boot or snapshot-boot
	// drive file does not exist at spawn time.
	ErrImageMissing = errors.New("image missing")

	// ErrLaunchFailed is returned when the QEMU process exits nonzero or
	// fails to start; captured stderr is wrapped alongside it.
	ErrLaunchFailed = errors.New("hypervisor launch failed")

	// ErrPidfileMissing is returned when the pidfile does not appear
	// before the configured deadline.
	ErrPidfileMissing = errors.New("pidfile missing")
)
