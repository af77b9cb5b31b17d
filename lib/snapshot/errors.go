package snapshot

import "errors"

var (
	// ErrVmNotRunning is returned when a snapshot is requested for an
	// instance whose control socket does not exist.
	ErrVmNotRunning = errors.New("vm not running")

	// ErrNoBillingSource is returned when none of the billing-source
	// candidates passed to CreateSnapshot exist as a regular file.
	ErrNoBillingSource = errors.New("no billing source image found")

	// ErrBackupFileEmpty is returned when a completed backup job produced
	// a missing or zero-byte output file.
	ErrBackupFileEmpty = errors.New("backup output file missing or empty")

	// ErrInvalidSnapshotName is returned when neither an explicit snapshot
	// name nor a complete (os_profile, instance_id) pair was supplied.
	ErrInvalidSnapshotName = errors.New("invalid snapshot name")

	// ErrSnapshotNotFound is returned by RemoveSnapshot when the resolved
	// file does not exist or its name lacks the caller's user prefix.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)
