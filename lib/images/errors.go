package images

import "errors"

var (
	// ErrProfileIsInstallerOnly is returned when an overlay is requested
	// against a profile that carries no base image, such as "custom".
	ErrProfileIsInstallerOnly = errors.New("profile is installer-only")

	// ErrImageNotFound is returned when a resolved image path does not
	// exist, is too small, or is a directory where a file was expected.
	ErrImageNotFound = errors.New("image not found")

	// ErrNotABootableImage is returned when an installer image lacks a
	// recognized ISO9660/UDF marker.
	ErrNotABootableImage = errors.New("not a bootable image")
)
