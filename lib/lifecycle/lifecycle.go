// Package lifecycle is the sole owner of Instance creation and
// destruction. It dispatches a launch request to the image manager and
// hypervisor supervisor, starts the display bridge, and publishes the
// result to the session registry; it is the only place the
// single-session-per-user invariant is enforced.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/xvpaul/vmshare/lib/alloc"
	"github.com/xvpaul/vmshare/lib/bridge"
	"github.com/xvpaul/vmshare/lib/hypervisor/qemu"
	"github.com/xvpaul/vmshare/lib/images"
	"github.com/xvpaul/vmshare/lib/logger"
	"github.com/xvpaul/vmshare/lib/metrics"
	"github.com/xvpaul/vmshare/lib/procreg"
	"github.com/xvpaul/vmshare/lib/profiles"
	"github.com/xvpaul/vmshare/lib/registry"
)

// reclaimGrace bounds how long a TERM-signaled process is given before
// Process Registry escalates to KILL.
const reclaimGrace = 3 * time.Second

// bridgeBindAttempts bounds how many times Launch retries reserving and
// binding a bridge port, since the reservation is inherently racy.
const bridgeBindAttempts = 5

// Coordinator implements launch/reclaim/shutdown-all over the
// collaborating subsystems.
type Coordinator struct {
	Profiles   profiles.Table
	Images     *images.Manager
	Alloc      *alloc.Allocator
	Bridge     *bridge.Manager
	Registry   *registry.Store
	Procreg    *procreg.Registry
	PublicHost string

	// Metrics is optional; a nil Metrics silently skips instrumentation.
	Metrics *metrics.Metrics

	locks sync.Map // map[string]*sync.Mutex, keyed by user_id
}

// New creates a Coordinator wiring together the subsystems it owns.
func New(table profiles.Table, imgs *images.Manager, a *alloc.Allocator, br *bridge.Manager, reg *registry.Store, pr *procreg.Registry, publicHost string) *Coordinator {
	return &Coordinator{
		Profiles:   table,
		Images:     imgs,
		Alloc:      a,
		Bridge:     br,
		Registry:   reg,
		Procreg:    pr,
		PublicHost: publicHost,
	}
}

func (c *Coordinator) userLock(userID string) *sync.Mutex {
	lock, _ := c.locks.LoadOrStore(userID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Launch returns the user's existing running Instance if one exists
// (idempotent), otherwise boots a new one per req.Kind and registers it.
func (c *Coordinator) Launch(ctx context.Context, userID string, req LaunchRequest) (view InstanceView, err error) {
	defer func() { c.Metrics.RecordLaunch(ctx, string(req.Kind), err) }()

	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	log := logger.FromContext(ctx)

	if rec, found, gerr := c.Registry.GetRunningByUser(ctx, userID); gerr != nil {
		return InstanceView{}, fmt.Errorf("launch: check existing session: %w", gerr)
	} else if found {
		return c.view(rec), nil
	}

	profileTag := req.OSProfile
	if req.Kind == LaunchInstaller {
		profileTag = profiles.CustomProfileTag
	}
	profile, ok := c.Profiles.Get(profileTag)
	if !ok {
		return InstanceView{}, fmt.Errorf("launch: profile %q: %w", profileTag, ErrProfileNotFound)
	}

	instanceID, err := generateInstanceID()
	if err != nil {
		return InstanceView{}, fmt.Errorf("launch: generate instance id: %w", err)
	}

	paths := c.Alloc.PathsFor(instanceID)

	imagePath, ephemeral, meta, err := c.bootByKind(req, profile, userID, instanceID, paths)
	if err != nil {
		c.reclaimInstance(ctx, &Instance{InstanceID: instanceID, ImagePath: imagePath, Ephemeral: ephemeral,
			ControlSocketPath: paths.ControlSocketPath, DisplaySocketPath: paths.DisplaySocketPath})
		return InstanceView{}, fmt.Errorf("launch: boot: %w", err)
	}

	c.Procreg.Set(procreg.ScopeHypervisor, instanceID, meta.Pid)

	port, err := c.startBridge(instanceID, paths.DisplaySocketPath)
	if err != nil {
		c.reclaimInstance(ctx, &Instance{InstanceID: instanceID, ImagePath: imagePath, Ephemeral: ephemeral,
			ControlSocketPath: paths.ControlSocketPath, DisplaySocketPath: paths.DisplaySocketPath, Pid: meta.Pid})
		return InstanceView{}, fmt.Errorf("launch: start bridge: %w", err)
	}

	inst := Instance{
		InstanceID:        instanceID,
		UserID:            userID,
		OSProfile:         req.OSProfile,
		State:             StateRunning,
		ImagePath:         imagePath,
		Ephemeral:         ephemeral,
		ControlSocketPath: paths.ControlSocketPath,
		DisplaySocketPath: paths.DisplaySocketPath,
		BridgePort:        port,
		Pid:               meta.Pid,
		CreatedAt:         time.Now().UTC(),
		StartedAt:         meta.StartedAt,
	}

	if err := c.Registry.Put(ctx, instanceID, registry.Record{
		InstanceID:        instanceID,
		UserID:            userID,
		OSProfile:         req.OSProfile,
		ImagePath:         imagePath,
		ControlSocketPath: paths.ControlSocketPath,
		DisplaySocketPath: paths.DisplaySocketPath,
		BridgePort:        int(port),
		Pid:               meta.Pid,
		State:             string(StateRunning),
		CreatedAt:         inst.CreatedAt.UnixMilli(),
	}); err != nil {
		c.reclaimInstance(ctx, &inst)
		return InstanceView{}, fmt.Errorf("launch: registry put: %w", err)
	}

	log.InfoContext(ctx, "instance launched", "instance_id", instanceID, "user_id", userID, "os_profile", req.OSProfile)
	return c.viewFromInstance(inst), nil
}

// bootByKind dispatches to the Image Manager and hypervisor supervisor
// for the requested boot kind, returning the in-use image path, whether
// it is ephemeral (deleted on reclaim), and the boot result.
func (c *Coordinator) bootByKind(req LaunchRequest, profile profiles.Profile, userID, instanceID string, paths alloc.Paths) (string, bool, qemu.InstanceMeta, error) {
	opts := qemu.BootOptions{
		InstanceID: instanceID,
		Paths:      paths,
		MemoryMB:   profile.DefaultMemoryMB,
		CPUs:       profile.DefaultCPUs,
	}

	switch req.Kind {
	case LaunchProfile:
		overlay, err := c.Images.CreateOverlay(profile, instanceID)
		if err != nil {
			return "", false, qemu.InstanceMeta{}, err
		}
		meta, err := qemu.BootOverlay(opts, overlay)
		return overlay, true, meta, err

	case LaunchInstaller:
		installer, err := c.Images.ResolveInstallerImage(profile, userID)
		if err != nil {
			return "", false, qemu.InstanceMeta{}, err
		}
		if err := c.Images.ValidateInstallerImage(installer); err != nil {
			return installer, true, qemu.InstanceMeta{}, err
		}
		meta, err := qemu.BootInstaller(qemu.InstallerBootOptions{BootOptions: opts, InstallerPath: installer})
		return installer, true, meta, err

	case LaunchSnapshot:
		if req.SnapshotName == "" {
			return "", false, qemu.InstanceMeta{}, ErrInvalidRequest
		}
		snap, err := c.Images.ResolveSnapshot(userID, req.SnapshotName)
		if err != nil {
			return "", false, qemu.InstanceMeta{}, err
		}
		meta, err := qemu.BootSnapshot(opts, snap)
		return snap, false, meta, err

	default:
		return "", false, qemu.InstanceMeta{}, ErrInvalidRequest
	}
}

// startBridge reserves a port and starts the display bridge, retrying a
// handful of times since port reservation races other allocators.
func (c *Coordinator) startBridge(instanceID, displaySocketPath string) (uint16, error) {
	var lastErr error
	for i := 0; i < bridgeBindAttempts; i++ {
		port, err := c.Alloc.ReserveTCPPort()
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.Bridge.Start(instanceID, port, bridge.Target{Network: "unix", Address: displaySocketPath}); err != nil {
			lastErr = err
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("start bridge: %w", lastErr)
}

// Reclaim tears down instanceID: signals its processes, removes
// ephemeral files, per-instance sockets and the pidfile, and deletes the
// registry entry. It is idempotent; reclaiming an unknown instance is a no-op.
func (c *Coordinator) Reclaim(ctx context.Context, instanceID string) (err error) {
	defer func() { c.Metrics.RecordReclaim(ctx, err) }()

	rec, found, err := c.Registry.Get(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("reclaim %s: %w", instanceID, err)
	}
	if !found {
		logger.FromContext(ctx).InfoContext(ctx, "reclaim: already gone", "instance_id", instanceID)
		return nil
	}

	inst := Instance{
		InstanceID:        instanceID,
		UserID:            rec.UserID,
		ImagePath:         rec.ImagePath,
		ControlSocketPath: rec.ControlSocketPath,
		DisplaySocketPath: rec.DisplaySocketPath,
		Pid:               rec.Pid,
		BridgePort:        uint16(rec.BridgePort),
		// Snapshot-booted instances never delete their image on reclaim;
		// overlay and installer boots use ephemeral, per-instance files.
		Ephemeral: rec.ImagePath != "" && !isSnapshotPath(rec.ImagePath),
	}

	return c.reclaimInstance(ctx, &inst)
}

func (c *Coordinator) reclaimInstance(ctx context.Context, inst *Instance) error {
	log := logger.FromContext(ctx)

	if inst.Pid != 0 {
		if _, tracked := c.Procreg.Get(procreg.ScopeHypervisor, inst.InstanceID); !tracked {
			c.Procreg.Set(procreg.ScopeHypervisor, inst.InstanceID, inst.Pid)
		}
		if err := c.Procreg.Stop(procreg.ScopeHypervisor, inst.InstanceID, reclaimGrace); err != nil {
			log.WarnContext(ctx, "reclaim: stop hypervisor process", "instance_id", inst.InstanceID, "error", err)
		}
	}
	if err := c.Bridge.Stop(inst.InstanceID); err != nil {
		log.WarnContext(ctx, "reclaim: stop bridge", "instance_id", inst.InstanceID, "error", err)
	}

	if inst.ImagePath != "" && inst.Ephemeral {
		if err := os.Remove(inst.ImagePath); err != nil && !os.IsNotExist(err) {
			log.WarnContext(ctx, "reclaim: remove ephemeral image", "path", inst.ImagePath, "error", err)
		}
	}

	runtimeFiles := []string{inst.ControlSocketPath, inst.DisplaySocketPath}
	if c.Alloc != nil {
		runtimeFiles = append(runtimeFiles, c.Alloc.PathsFor(inst.InstanceID).PidfilePath)
	}
	for _, f := range runtimeFiles {
		if f == "" {
			continue
		}
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			log.WarnContext(ctx, "reclaim: unlink runtime file", "path", f, "error", err)
		}
	}

	if err := c.Registry.Delete(ctx, inst.InstanceID); err != nil {
		return fmt.Errorf("reclaim %s: registry delete: %w", inst.InstanceID, err)
	}
	return nil
}

// ShutdownAll reclaims every active instance. Errors are logged and
// collected; the call continues through the full list regardless.
func (c *Coordinator) ShutdownAll(ctx context.Context) error {
	items, err := c.Registry.Items(ctx)
	if err != nil {
		return fmt.Errorf("shutdown all: list items: %w", err)
	}

	log := logger.FromContext(ctx)
	var firstErr error
	for _, rec := range items {
		if err := c.Reclaim(ctx, rec.InstanceID); err != nil {
			log.ErrorContext(ctx, "shutdown all: reclaim failed", "instance_id", rec.InstanceID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// View projects a registry record into its client-facing InstanceView,
// for list endpoints that read records the Coordinator didn't just
// create or look up itself.
func (c *Coordinator) View(rec registry.Record) InstanceView {
	return c.view(rec)
}

func (c *Coordinator) view(rec registry.Record) InstanceView {
	return InstanceView{
		InstanceID:        rec.InstanceID,
		UserID:            rec.UserID,
		OSProfile:         rec.OSProfile,
		DisplaySocketPath: rec.DisplaySocketPath,
		ControlSocketPath: rec.ControlSocketPath,
		BridgePort:        uint16(rec.BridgePort),
		Pid:               rec.Pid,
		RedirectURL:       c.redirectURL(uint16(rec.BridgePort)),
	}
}

func (c *Coordinator) viewFromInstance(inst Instance) InstanceView {
	return InstanceView{
		InstanceID:        inst.InstanceID,
		UserID:            inst.UserID,
		OSProfile:         inst.OSProfile,
		DisplaySocketPath: inst.DisplaySocketPath,
		ControlSocketPath: inst.ControlSocketPath,
		BridgePort:        inst.BridgePort,
		Pid:               inst.Pid,
		StartedAt:         inst.StartedAt,
		RedirectURL:       c.redirectURL(inst.BridgePort),
	}
}

func (c *Coordinator) redirectURL(port uint16) string {
	return fmt.Sprintf("ws://%s:%d/", c.PublicHost, port)
}

func generateInstanceID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isSnapshotPath(path string) bool {
	return len(path) > 0 && filepathHasSnapshotMarker(path)
}

// filepathHasSnapshotMarker distinguishes a canonical snapshot filename
// (user__os__id.qcow2, no directory separators after the base) from an
// overlay or installer path by its double-underscore field separator.
func filepathHasSnapshotMarker(path string) bool {
	base := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			base = path[i+1:]
			break
		}
	}
	count := 0
	for i := 0; i+1 < len(base); i++ {
		if base[i] == '_' && base[i+1] == '_' {
			count++
		}
	}
	return count >= 2
}
