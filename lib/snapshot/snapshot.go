// Package snapshot creates, removes, and lists durable point-in-time
// images of running instances, billing each against a per-user storage
// quota.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/nrednav/cuid2"
	"github.com/xvpaul/vmshare/lib/external"
	"github.com/xvpaul/vmshare/lib/metrics"
	"github.com/xvpaul/vmshare/lib/paths"
	"github.com/xvpaul/vmshare/lib/qmp"
)

// SnapshotInfo describes one on-disk snapshot file.
type SnapshotInfo struct {
	Name       string
	OSProfile  string
	InstanceID string
	SizeMB     int64
	ModifiedAt string // UTC ISO-8601
}

// Manager creates, removes, and enumerates snapshot files under a flat
// snapshots directory, enforcing a per-user storage quota.
type Manager struct {
	SnapshotsDir string
	Quota        external.QuotaStore
	// QemuImgPath overrides the qemu-img binary location; empty uses PATH.
	QemuImgPath string
	// BackupDeadline bounds how long a drive-backup job may run. Default 300s.
	BackupDeadline time.Duration
	// PollInterval is how often query-block-jobs is polled. Default 1s.
	PollInterval time.Duration
	// Metrics records drive-backup bytes; a nil Metrics skips instrumentation.
	Metrics *metrics.Metrics
}

// New creates a Manager rooted at snapshotsDir, billing against quota.
func New(snapshotsDir string, quota external.QuotaStore) *Manager {
	return &Manager{SnapshotsDir: snapshotsDir, Quota: quota, QemuImgPath: "qemu-img"}
}

func (m *Manager) backupDeadline() time.Duration {
	if m.BackupDeadline > 0 {
		return m.BackupDeadline
	}
	return 300 * time.Second
}

func (m *Manager) pollInterval() time.Duration {
	if m.PollInterval > 0 {
		return m.PollInterval
	}
	return time.Second
}

func (m *Manager) qemuImgBinary() string {
	if m.QemuImgPath != "" {
		return m.QemuImgPath
	}
	return "qemu-img"
}

// CreateSnapshot requires controlSocketPath to exist, bills the chosen
// source image against the user's quota, drives a drive-backup job over
// the control socket, and on success adds the source image's billed size
// (in MB, rounded up) to the user's stored quota.
func (m *Manager) CreateSnapshot(ctx context.Context, userID, instanceID, osProfile, controlSocketPath string, candidates ...string) (result SnapshotInfo, err error) {
	defer func() {
		if err == nil {
			m.Metrics.RecordSnapshotBytes(ctx, result.SizeMB*(1<<20))
		}
	}()

	if _, err := os.Stat(controlSocketPath); err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: control socket %s: %w", controlSocketPath, ErrVmNotRunning)
	}

	source, err := firstExistingFile(candidates)
	if err != nil {
		return SnapshotInfo{}, err
	}

	actualSize, err := m.actualSizeBytes(source)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: size of %s: %w", source, err)
	}
	billMB := int64(math.Ceil(float64(actualSize) / (1 << 20)))

	record, err := m.Quota.Get(ctx, userID)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: read quota: %w", err)
	}
	if record.SnapshotStoredMB+billMB > record.SnapshotStorageCapacityMB {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: %d+%d > %d: %w", record.SnapshotStoredMB, billMB, record.SnapshotStorageCapacityMB, external.ErrQuotaExceeded)
	}

	target := filepath.Join(m.SnapshotsDir, paths.SnapshotFilename(userID, osProfile, instanceID))
	if err := os.MkdirAll(m.SnapshotsDir, 0o755); err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: snapshots dir: %w", err)
	}

	client := qmp.New(controlSocketPath)
	devices, err := client.QueryBlock()
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: query-block: %w", err)
	}
	device, err := qmp.SelectBackupDevice(devices)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: %w", err)
	}

	jobID := cuid2.Generate()
	if err := client.DriveBackup(qmp.DriveBackupOptions{
		Device:       device,
		JobID:        jobID,
		TargetPath:   target,
		AutoFinalize: true,
		AutoDismiss:  true,
	}); err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: drive-backup: %w", err)
	}

	if err := client.WaitForJobDone(jobID, m.backupDeadline(), m.pollInterval()); err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: %w", err)
	}

	info, err := os.Stat(target)
	if err != nil || info.Size() == 0 {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: %w", ErrBackupFileEmpty)
	}

	if err := m.Quota.Adjust(ctx, userID, billMB); err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot: adjust quota: %w", err)
	}

	return SnapshotInfo{
		Name:       filepath.Base(target),
		OSProfile:  osProfile,
		InstanceID: instanceID,
		SizeMB:     (info.Size() + (1 << 20) - 1) / (1 << 20),
		ModifiedAt: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}

// RemoveSnapshot resolves a snapshot by explicit name or by an
// (osProfile, instanceID) pair, confines the result to the snapshots
// directory, requires its `{user_id}__` prefix to match userID so one
// user can never delete another's snapshot by name, deletes it, and
// decrements the user's stored-MB quota (floored at zero).
func (m *Manager) RemoveSnapshot(ctx context.Context, userID, snapshotName, osProfile, instanceID string) (removed string, freedMB int64, totalMB int64, err error) {
	name := snapshotName
	if name == "" {
		if osProfile == "" || instanceID == "" {
			return "", 0, 0, ErrInvalidSnapshotName
		}
		name = paths.SnapshotFilename(userID, osProfile, instanceID)
	}
	if filepath.IsAbs(name) {
		name = filepath.Base(name)
	}
	if !strings.HasPrefix(name, userID+"__") {
		return "", 0, 0, fmt.Errorf("remove snapshot %s: %w", name, ErrSnapshotNotFound)
	}

	resolved, err := securejoin.SecureJoin(m.SnapshotsDir, name)
	if err != nil {
		return "", 0, 0, fmt.Errorf("remove snapshot: resolve path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", 0, 0, fmt.Errorf("remove snapshot %s: %w", name, ErrSnapshotNotFound)
	}
	freedMB = (info.Size() + (1 << 20) - 1) / (1 << 20)

	if err := os.Remove(resolved); err != nil {
		return "", 0, 0, fmt.Errorf("remove snapshot: %w", err)
	}

	record, err := m.Quota.Get(ctx, userID)
	if err != nil {
		return "", 0, 0, fmt.Errorf("remove snapshot: read quota: %w", err)
	}
	decrement := freedMB
	if decrement > record.SnapshotStoredMB {
		decrement = record.SnapshotStoredMB
	}
	if err := m.Quota.Adjust(ctx, userID, -decrement); err != nil {
		return "", 0, 0, fmt.Errorf("remove snapshot: adjust quota: %w", err)
	}

	updated, err := m.Quota.Get(ctx, userID)
	if err != nil {
		return "", 0, 0, fmt.Errorf("remove snapshot: reread quota: %w", err)
	}

	return filepath.Base(resolved), freedMB, updated.SnapshotStoredMB, nil
}

// ListUserSnapshots enumerates every `{userID}__*` file in the snapshots
// directory, parsing the os_profile and instance_id out of the canonical
// filename.
func (m *Manager) ListUserSnapshots(userID string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(m.SnapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	prefix := userID + "__"
	var out []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		osProfile, instanceID := parseSnapshotName(entry.Name())
		out = append(out, SnapshotInfo{
			Name:       entry.Name(),
			OSProfile:  osProfile,
			InstanceID: instanceID,
			SizeMB:     (info.Size() + (1 << 20) - 1) / (1 << 20),
			ModifiedAt: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return out, nil
}

// parseSnapshotName splits "{user}__{os}__{id}.qcow2" into its os_profile
// and instance_id fields. Malformed names yield empty fields rather than
// an error, since listing must not fail on an unexpected file.
func parseSnapshotName(name string) (osProfile, instanceID string) {
	trimmed := strings.TrimSuffix(name, ".qcow2")
	parts := strings.SplitN(trimmed, "__", 3)
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], parts[2]
}

func firstExistingFile(candidates []string) (string, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", ErrNoBillingSource
}

// actualSizeBytes prefers qemu-img info's actual-size (true allocated
// bytes on disk for a sparse qcow2) and falls back to the file's stat
// size if qemu-img is unavailable or its output cannot be parsed.
func (m *Manager) actualSizeBytes(path string) (int64, error) {
	cmd := exec.Command(m.qemuImgBinary(), "info", "--output=json", path)
	out, err := cmd.Output()
	if err == nil {
		var parsed struct {
			ActualSize int64 `json:"actual-size"`
		}
		if json.Unmarshal(out, &parsed) == nil && parsed.ActualSize > 0 {
			return parsed.ActualSize, nil
		}
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		return 0, statErr
	}
	return info.Size(), nil
}
