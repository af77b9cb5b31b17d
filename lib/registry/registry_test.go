package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMiniredisStore returns a Store backed by an in-process miniredis
// instance, so index-consistency tests run without a live Redis server.
func newMiniredisStore(t *testing.T) *Store {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestRecordFieldsRoundTrip(t *testing.T) {
	rec := Record{
		InstanceID:        "deadbe",
		UserID:            "u1",
		OSProfile:         "alpine",
		ImagePath:         "/overlays/alpine_deadbe.qcow2",
		ControlSocketPath: "/run/qmp-deadbe.sock",
		DisplaySocketPath: "/run/vnc-deadbe.sock",
		BridgePort:        8234,
		Pid:               4242,
		BridgePid:         4300,
		State:             "running",
		CreatedAt:         1700000000000,
	}

	fields := rec.fields()
	restored := recordFromFields(rec.InstanceID, fields)

	assert.Equal(t, rec, restored)
}

func TestRecordFromFieldsToleratesMissingNumericFields(t *testing.T) {
	restored := recordFromFields("deadbe", map[string]string{"user_id": "u1", "state": "booting"})
	assert.Equal(t, "u1", restored.UserID)
	assert.Equal(t, "booting", restored.State)
	assert.Zero(t, restored.Pid)
	assert.Zero(t, restored.BridgePort)
	assert.Zero(t, restored.CreatedAt)
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "vm:deadbe", keyVM("deadbe"))
	assert.Equal(t, "vms:active", keyActive())
	assert.Equal(t, "user:u1:vms", keyUserVMs("u1"))
	assert.Equal(t, "vms:by_os:alpine", keyByOS("alpine"))
	assert.Equal(t, "vm:by_pid:4242", keyByPid(4242))
}

// TestPutUpdateDeleteKeepsAllIndicesConsistent drives a full
// Put/Update/Delete cycle and checks that vms:active, user:{uid}:vms,
// vm:by_pid:{pid}, and the per-instance hash agree with the record at
// each step; vms:by_os:{os} is covered by TestPutIndexesByOSProfile.
func TestPutUpdateDeleteKeepsAllIndicesConsistent(t *testing.T) {
	ctx := context.Background()
	reg := newMiniredisStore(t)

	rec := Record{
		UserID:     "u1",
		OSProfile:  "alpine",
		State:      "booting",
		Pid:        4242,
		BridgePort: 8234,
		CreatedAt:  1700000000000,
	}
	require.NoError(t, reg.Put(ctx, "deadbe", rec))

	got, found, err := reg.Get(ctx, "deadbe")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "booting", got.State)

	items, err := reg.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "deadbe", items[0].InstanceID)

	active, err := reg.ActiveCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, active)

	byUser, found, err := reg.GetRunningByUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found, "state is booting, not running, so GetRunningByUser must not match it yet")
	_ = byUser

	byPid, found, err := reg.GetByPid(ctx, 4242)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "deadbe", byPid.InstanceID)

	// Re-key the pid index and flip to running.
	require.NoError(t, reg.Update(ctx, "deadbe", map[string]string{"state": "running", "pid": "5000"}))

	_, found, err = reg.GetByPid(ctx, 4242)
	require.NoError(t, err)
	assert.False(t, found, "old pid entry must be removed on re-key")

	byNewPid, found, err := reg.GetByPid(ctx, 5000)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "deadbe", byNewPid.InstanceID)

	running, found, err := reg.GetRunningByUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "deadbe", running.InstanceID)

	require.NoError(t, reg.Delete(ctx, "deadbe"))

	_, found, err = reg.Get(ctx, "deadbe")
	require.NoError(t, err)
	assert.False(t, found, "vm:{id} hash must be gone")

	items, err = reg.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "vms:active must no longer list the deleted instance")

	active, err = reg.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, active)

	_, found, err = reg.GetRunningByUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found, "user:{uid}:vms must no longer reference the deleted instance")

	_, found, err = reg.GetByPid(ctx, 5000)
	require.NoError(t, err)
	assert.False(t, found, "vm:by_pid:{pid} must be cleared on delete")
}

// TestPutIndexesByOSProfile checks the vms:by_os:{os} set independently,
// since GetRunningByUser/GetByPid do not exercise it.
func TestPutIndexesByOSProfile(t *testing.T) {
	ctx := context.Background()
	reg := newMiniredisStore(t)

	require.NoError(t, reg.Put(ctx, "aaaa", Record{UserID: "u1", OSProfile: "alpine", State: "running"}))
	require.NoError(t, reg.Put(ctx, "bbbb", Record{UserID: "u2", OSProfile: "ubuntu", State: "running"}))

	n, err := reg.rdb.SCard(ctx, keyByOS("alpine")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	member, err := reg.rdb.SIsMember(ctx, keyByOS("alpine"), "aaaa").Result()
	require.NoError(t, err)
	assert.True(t, member)

	require.NoError(t, reg.Delete(ctx, "aaaa"))
	n, err = reg.rdb.SCard(ctx, keyByOS("alpine")).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "vms:by_os:{os} must be cleared on delete")
}
