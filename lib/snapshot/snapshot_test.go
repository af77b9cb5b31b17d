package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xvpaul/vmshare/lib/external"
)

// fakeQMPServer accepts connections in a loop, and on each one performs
// the handshake, then replies "no jobs" to query-block-jobs, a fixed block
// list to query-block, and an empty return to drive-backup.
func fakeQMPServer(t *testing.T, socketPath string) {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				conn.Write([]byte(`{"QMP":{"version":{}}}` + "\n"))
				reader := bufio.NewReader(conn)
				reader.ReadBytes('\n') // qmp_capabilities
				conn.Write([]byte(`{"return":{}}` + "\n"))

				line, err := reader.ReadBytes('\n')
				if err != nil {
					return
				}
				switch {
				case bytes.Contains(line, []byte(`"query-block"`)):
					conn.Write([]byte(`{"return":[{"device":"drive0","ro":false,"removable":false,"inserted":{"image":{"format":"qcow2"}}}]}` + "\n"))
				case bytes.Contains(line, []byte("drive-backup")):
					conn.Write([]byte(`{"return":{}}` + "\n"))
				case bytes.Contains(line, []byte("query-block-jobs")):
					conn.Write([]byte(`{"return":[]}` + "\n"))
				default:
					conn.Write([]byte(`{"return":{}}` + "\n"))
				}
			}()
		}
	}()
}

func TestCreateSnapshotWritesFileAndAdjustsQuota(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "qmp.sock")
	fakeQMPServer(t, sock)
	time.Sleep(20 * time.Millisecond)

	overlay := filepath.Join(dir, "overlay.qcow2")
	require.NoError(t, os.WriteFile(overlay, make([]byte, 2<<20), 0o644))

	snapshotsDir := filepath.Join(dir, "snapshots")
	quota := external.NewInMemoryQuotaStore(100)

	m := New(snapshotsDir, quota)

	// The fake server's drive-backup does not actually copy bytes, so
	// seed the target file ahead of time to emulate the completed job.
	target := filepath.Join(snapshotsDir, "u1__alpine__deadbe.qcow2")
	require.NoError(t, os.MkdirAll(snapshotsDir, 0o755))
	require.NoError(t, os.WriteFile(target, make([]byte, 2<<20), 0o644))

	info, err := m.CreateSnapshot(context.Background(), "u1", "deadbe", "alpine", sock, overlay)
	require.NoError(t, err)
	assert.Equal(t, "u1__alpine__deadbe.qcow2", info.Name)

	record, err := quota.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, record.SnapshotStoredMB)
}

func TestCreateSnapshotRequiresControlSocket(t *testing.T) {
	dir := t.TempDir()
	quota := external.NewInMemoryQuotaStore(100)
	m := New(filepath.Join(dir, "snapshots"), quota)

	_, err := m.CreateSnapshot(context.Background(), "u1", "deadbe", "alpine", filepath.Join(dir, "missing.sock"))
	assert.Error(t, err)
}

func TestRemoveSnapshotDecrementsQuota(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "u1__alpine__deadbe.qcow2")
	require.NoError(t, os.WriteFile(snap, make([]byte, 3<<20), 0o644))

	quota := external.NewInMemoryQuotaStore(100)
	quota.SetCapacity("u1", 100, 5)

	m := New(dir, quota)
	removed, freed, total, err := m.RemoveSnapshot(context.Background(), "u1", "", "alpine", "deadbe")
	require.NoError(t, err)
	assert.Equal(t, "u1__alpine__deadbe.qcow2", removed)
	assert.EqualValues(t, 3, freed)
	assert.EqualValues(t, 2, total)

	_, err = os.Stat(snap)
	assert.True(t, os.IsNotExist(err), "expected snapshot file to be deleted")
}

func TestRemoveSnapshotFloorsQuotaAtZero(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "u1__alpine__deadbe.qcow2")
	require.NoError(t, os.WriteFile(snap, make([]byte, 10<<20), 0o644))

	quota := external.NewInMemoryQuotaStore(100)
	quota.SetCapacity("u1", 100, 3)

	m := New(dir, quota)
	_, _, total, err := m.RemoveSnapshot(context.Background(), "u1", "u1__alpine__deadbe.qcow2", "", "")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRemoveSnapshotRejectsOtherUsersSnapshot(t *testing.T) {
	dir := t.TempDir()
	victim := filepath.Join(dir, "victim__alpine__deadbe.qcow2")
	require.NoError(t, os.WriteFile(victim, make([]byte, 3<<20), 0o644))

	attackerQuota := external.NewInMemoryQuotaStore(100)
	attackerQuota.SetCapacity("attacker", 100, 5)

	m := New(dir, attackerQuota)
	_, _, _, err := m.RemoveSnapshot(context.Background(), "attacker", "victim__alpine__deadbe.qcow2", "", "")
	assert.ErrorIs(t, err, ErrSnapshotNotFound, "attacker must not delete victim's snapshot by name")

	_, statErr := os.Stat(victim)
	assert.NoError(t, statErr, "victim's snapshot must survive the attempt")

	record, err := attackerQuota.Get(context.Background(), "attacker")
	require.NoError(t, err)
	assert.EqualValues(t, 5, record.SnapshotStoredMB, "attacker's quota must not change from a rejected removal")
}

func TestRemoveSnapshotRejectsMissingNameAndTriplet(t *testing.T) {
	dir := t.TempDir()
	quota := external.NewInMemoryQuotaStore(100)
	m := New(dir, quota)

	_, _, _, err := m.RemoveSnapshot(context.Background(), "u1", "", "", "")
	assert.ErrorIs(t, err, ErrInvalidSnapshotName)
}

func TestListUserSnapshotsParsesCanonicalNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"u1__alpine__aaaa.qcow2", "u1__ubuntu__bbbb.qcow2", "u2__alpine__cccc.qcow2"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, 1<<20), 0o644), "seed %s", name)
	}

	m := New(dir, external.NewInMemoryQuotaStore(100))
	infos, err := m.ListUserSnapshots("u1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.NotEmpty(t, info.OSProfile)
		assert.NotEmpty(t, info.InstanceID)
	}
}
