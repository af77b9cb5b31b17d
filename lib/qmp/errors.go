package qmp

import "errors"

var (
	// ErrNoBackupDevice is returned when device selection for a snapshot
	// finds no writable, named block device to back up.
	ErrNoBackupDevice = errors.New("no backup device")

	// ErrBackupTimeout is returned when a drive-backup job has not
	// completed (disappeared from query-block-jobs) before the overall
	// backup deadline.
	ErrBackupTimeout = errors.New("backup job timeout")

	// ErrProtocol wraps unexpected replies or read deadlines on the
	// control channel.
	ErrProtocol = errors.New("control protocol error")
)
