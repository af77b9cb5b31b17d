package lifecycle

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xvpaul/vmshare/lib/alloc"
	"github.com/xvpaul/vmshare/lib/bridge"
	"github.com/xvpaul/vmshare/lib/procreg"
	"github.com/xvpaul/vmshare/lib/profiles"
	"github.com/xvpaul/vmshare/lib/registry"
)

func TestGenerateInstanceIDIsTwelveHexChars(t *testing.T) {
	id, err := generateInstanceID()
	require.NoError(t, err)
	assert.Len(t, id, 12)
	_, err = hex.DecodeString(id)
	assert.NoError(t, err, "id %q is not hex", id)

	id2, err := generateInstanceID()
	require.NoError(t, err)
	assert.NotEqual(t, id, id2, "two consecutive ids collided")
}

func TestIsSnapshotPathDistinguishesCanonicalNames(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/var/lib/vmshare/snapshots/u1__alpine__deadbeefcafe.qcow2", true},
		{"u1__alpine__deadbeefcafe.qcow2", true},
		{"/var/lib/vmshare/overlays/alpine_deadbeefcafe.qcow2", false},
		{"/var/lib/vmshare/installers/u1/upload.iso", false},
		{"", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, isSnapshotPath(c.path), "isSnapshotPath(%q)", c.path)
	}
}

func TestViewFromInstanceBuildsRedirectURL(t *testing.T) {
	c := &Coordinator{PublicHost: "bridge.example.com"}
	inst := Instance{
		InstanceID:        "deadbeefcafe",
		UserID:            "u1",
		OSProfile:         "alpine",
		DisplaySocketPath: "/run/vmshare/vnc-deadbeefcafe.sock",
		ControlSocketPath: "/run/vmshare/qmp-deadbeefcafe.sock",
		BridgePort:        8234,
		Pid:               4242,
		StartedAt:         "2026-07-30T00:00:00Z",
	}

	view := c.viewFromInstance(inst)
	assert.Equal(t, "ws://bridge.example.com:8234/", view.RedirectURL)
	assert.Equal(t, inst.InstanceID, view.InstanceID)
	assert.Equal(t, inst.UserID, view.UserID)
	assert.Equal(t, inst.Pid, view.Pid)
}

func TestViewBuildsRedirectURLFromRecord(t *testing.T) {
	c := &Coordinator{PublicHost: "bridge.example.com"}
	rec := registry.Record{
		InstanceID: "deadbeefcafe",
		UserID:     "u1",
		OSProfile:  "alpine",
		BridgePort: 9100,
		Pid:        5151,
	}

	view := c.view(rec)
	assert.Equal(t, "ws://bridge.example.com:9100/", view.RedirectURL)
	assert.Equal(t, rec.InstanceID, view.InstanceID)
	assert.Equal(t, rec.Pid, view.Pid)
}

func TestBootByKindRejectsSnapshotLaunchWithoutName(t *testing.T) {
	c := &Coordinator{}
	_, _, _, err := c.bootByKind(LaunchRequest{Kind: LaunchSnapshot}, profiles.Profile{}, "u1", "deadbeefcafe", alloc.Paths{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestBootByKindRejectsUnknownKind(t *testing.T) {
	c := &Coordinator{}
	_, _, _, err := c.bootByKind(LaunchRequest{Kind: "bogus"}, profiles.Profile{}, "u1", "deadbeefcafe", alloc.Paths{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// newTestRegistry returns a Store backed by a live Redis instance at
// 127.0.0.1:6379, skipping the test if none answers.
func newTestRegistry(t *testing.T) *registry.Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at 127.0.0.1:6379: %v", err)
	}
	return registry.New(rdb)
}

func TestLaunchReturnsExistingRunningSessionIdempotently(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	existing := registry.Record{
		InstanceID:        "existingabcd",
		UserID:            "u1",
		OSProfile:         "alpine",
		ControlSocketPath: "/run/vmshare/qmp-existingabcd.sock",
		DisplaySocketPath: "/run/vmshare/vnc-existingabcd.sock",
		BridgePort:        8111,
		Pid:               999,
		State:             string(StateRunning),
		CreatedAt:         time.Now().UnixMilli(),
	}
	require.NoError(t, reg.Put(ctx, existing.InstanceID, existing))
	t.Cleanup(func() { reg.Delete(context.Background(), existing.InstanceID) })

	c := New(profiles.Default(), nil, nil, bridge.NewManager(make(chan bridge.Event, 1)), reg, procreg.New(), "bridge.example.com")

	view, err := c.Launch(ctx, "u1", LaunchRequest{Kind: LaunchProfile, OSProfile: "alpine"})
	require.NoError(t, err)
	assert.Equal(t, existing.InstanceID, view.InstanceID, "idempotent launch should not boot a new instance")
}

func TestReclaimUnknownInstanceIsNoop(t *testing.T) {
	reg := newTestRegistry(t)
	c := New(profiles.Default(), nil, nil, bridge.NewManager(make(chan bridge.Event, 1)), reg, procreg.New(), "bridge.example.com")

	assert.NoError(t, c.Reclaim(context.Background(), "doesnotexist0"))
}

func TestShutdownAllContinuesThroughAllRecords(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	c := New(profiles.Default(), nil, nil, bridge.NewManager(make(chan bridge.Event, 1)), reg, procreg.New(), "bridge.example.com")

	ids := []string{"shutdowna001", "shutdowna002"}
	for _, id := range ids {
		rec := registry.Record{
			InstanceID: id,
			UserID:     "u-" + id,
			OSProfile:  "alpine",
			State:      string(StateRunning),
			CreatedAt:  time.Now().UnixMilli(),
		}
		require.NoError(t, reg.Put(ctx, id, rec), "seed Put %s", id)
	}

	require.NoError(t, c.ShutdownAll(ctx))

	for _, id := range ids {
		_, found, err := reg.Get(ctx, id)
		require.NoError(t, err, "Get %s", id)
		assert.False(t, found, "instance %s still present after ShutdownAll", id)
	}
}
