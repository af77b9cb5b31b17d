// Package images creates copy-on-write overlays over OS profile base
// images, resolves and validates user-uploaded installer images, and
// locates snapshot files for boot-from-snapshot requests.
package images

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/xvpaul/vmshare/lib/profiles"
)

const minInstallerImageBytes = 1 << 20 // 1 MiB

// isoMarkers are the ISO9660/UDF volume descriptor signatures accepted at
// byte offset 0x8000.
var isoMarkers = [][]byte{[]byte("CD001"), []byte("NSR02"), []byte("NSR03")}

// Manager creates overlays and resolves installer/snapshot images.
type Manager struct {
	SnapshotsDir string
	// QemuImgPath overrides the qemu-img binary location; empty uses PATH.
	QemuImgPath string
}

// New creates an image Manager rooted at the given snapshots directory.
func New(snapshotsDir string) *Manager {
	return &Manager{SnapshotsDir: snapshotsDir, QemuImgPath: "qemu-img"}
}

// CreateOverlay returns the path to the overlay disk for instanceID,
// creating it via qemu-img if it does not already exist. The profile must
// carry a base image; the reserved "custom" profile does not and always
// fails with ErrProfileIsInstallerOnly.
func (m *Manager) CreateOverlay(profile profiles.Profile, instanceID string) (string, error) {
	if profile.InstallerOnly || profile.BaseImagePath == "" || profile.OverlayDir == "" {
		return "", fmt.Errorf("create overlay for profile %s: %w", profile.Tag, ErrProfileIsInstallerOnly)
	}

	overlay := filepath.Join(profile.OverlayDir, fmt.Sprintf("%s_%s.qcow2", profile.OverlayPrefix, instanceID))
	if _, err := os.Stat(overlay); err == nil {
		return overlay, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat overlay %s: %w", overlay, err)
	}

	if err := os.MkdirAll(filepath.Dir(overlay), 0o755); err != nil {
		return "", fmt.Errorf("create overlay dir: %w", err)
	}

	binary := m.QemuImgPath
	if binary == "" {
		binary = "qemu-img"
	}
	cmd := exec.Command(binary, "create", "-f", "qcow2", "-F", "qcow2", "-b", profile.BaseImagePath, overlay)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("qemu-img create overlay: %w: %s", err, string(out))
	}

	return overlay, nil
}

// ResolveInstallerImage locates the installer image path for a user
// against the "custom" profile's template.
func (m *Manager) ResolveInstallerImage(profile profiles.Profile, userID string) (string, error) {
	template := profile.BaseImagePath
	var path string
	switch {
	case strings.Contains(template, "{uid}"):
		path = strings.ReplaceAll(template, "{uid}", userID)
	case strings.HasSuffix(template, ".iso"):
		path = template
	default:
		path = filepath.Join(template, userID+".iso")
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("resolve installer image %s: %w", path, ErrImageNotFound)
	}
	if info.IsDir() {
		return "", fmt.Errorf("resolve installer image %s is a directory: %w", path, ErrImageNotFound)
	}
	if info.Size() < minInstallerImageBytes {
		return "", fmt.Errorf("resolve installer image %s (%d bytes): %w", path, info.Size(), ErrImageNotFound)
	}

	return path, nil
}

// ValidateInstallerImage requires one of the ISO9660/UDF markers at byte
// offset 0x8000.
func (m *Manager) ValidateInstallerImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open installer image %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 8192)
	n, err := f.ReadAt(buf, 0x8000)
	if n == 0 && err != nil {
		return fmt.Errorf("read installer image %s at 0x8000: %w", path, ErrNotABootableImage)
	}
	buf = buf[:n]

	for _, marker := range isoMarkers {
		if bytes.Contains(buf, marker) {
			return nil
		}
	}
	return fmt.Errorf("installer image %s: %w", path, ErrNotABootableImage)
}

// ResolveSnapshot accepts a basename or absolute path and normalizes it
// into the flat snapshots directory, confining the result so a
// caller-supplied name can never escape it. It also requires the name's
// `{user_id}__` prefix to match userID, so one user can never resolve
// another user's snapshot by guessing its canonical name, then requires
// the file to exist.
func (m *Manager) ResolveSnapshot(userID, name string) (string, error) {
	base := name
	if filepath.IsAbs(name) {
		base = filepath.Base(name)
	}

	if !strings.HasPrefix(base, userID+"__") {
		return "", fmt.Errorf("resolve snapshot %s: %w", name, ErrImageNotFound)
	}

	resolved, err := securejoin.SecureJoin(m.SnapshotsDir, base)
	if err != nil {
		return "", fmt.Errorf("resolve snapshot path: %w", err)
	}

	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("resolve snapshot %s: %w", name, ErrImageNotFound)
	}
	return resolved, nil
}
