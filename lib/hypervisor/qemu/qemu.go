// Package qemu spawns and supervises QEMU child processes: headless boot
// over an overlay disk, an installer image, or a snapshot file, each with
// a per-instance display socket, control socket, and pidfile.
package qemu

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/xvpaul/vmshare/lib/alloc"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// pidfilePollInterval is how often the pidfile is polled after spawn.
const pidfilePollInterval = 50 * time.Millisecond

// InstanceMeta describes a freshly booted instance.
type InstanceMeta struct {
	ControlSocketPath string
	DisplaySocketPath string
	Pid               int
	StartedAt         string // UTC ISO-8601 with Z suffix
}

// BootOptions carries the parameters shared by all three boot modes.
type BootOptions struct {
	InstanceID    string
	Paths         alloc.Paths
	MemoryMB      int
	CPUs          int
	PidfileWait   time.Duration // default 10s if zero
	Binary        string        // defaults to "qemu-system-x86_64"
}

func (o BootOptions) binary() string {
	if o.Binary != "" {
		return o.Binary
	}
	return "qemu-system-x86_64"
}

func (o BootOptions) pidfileWait() time.Duration {
	if o.PidfileWait > 0 {
		return o.PidfileWait
	}
	return 10 * time.Second
}

func (o BootOptions) memory() string {
	if o.MemoryMB <= 0 {
		return "512"
	}
	return strconv.Itoa(o.MemoryMB)
}

func baseArgs(opts BootOptions) []string {
	args := []string{
		"-m", opts.memory(),
		"-display", "none",
		"-daemonize",
		"-pidfile", opts.Paths.PidfilePath,
		"-vnc", "unix:" + opts.Paths.DisplaySocketPath,
		"-qmp", "unix:" + opts.Paths.ControlSocketPath + ",server,nowait",
	}
	if opts.CPUs > 0 {
		args = append(args, "-smp", strconv.Itoa(opts.CPUs))
	}
	return args
}

// BootOverlay launches QEMU against a copy-on-write overlay disk with
// virtio, writeback cache, and discard=unmap, plus user-mode virtio-net.
func BootOverlay(opts BootOptions, overlayPath string) (InstanceMeta, error) {
	if _, err := os.Stat(overlayPath); err != nil {
		return InstanceMeta{}, fmt.Errorf("boot overlay %s: %w", overlayPath, ErrImageMissing)
	}

	args := baseArgs(opts)
	args = append(args,
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio,cache=writeback,discard=unmap", overlayPath),
		"-nic", "user,model=virtio-net-pci",
	)
	return spawn(opts, args)
}

// InstallerBootOptions adds the installer-specific drives to BootOptions.
type InstallerBootOptions struct {
	BootOptions
	InstallerPath     string
	DataDiskPath      string // optional scratch disk, created on demand by the caller
	InstallTargetPath string // optional explicit install-target disk
}

// BootInstaller launches QEMU booting off a read-only installer image,
// optionally attaching a scratch disk and/or an install-target disk. BIOS
// firmware and TCG acceleration are used for portability across hosts
// that may lack KVM.
func BootInstaller(opts InstallerBootOptions) (InstanceMeta, error) {
	args := baseArgs(opts.BootOptions)
	args = append(args,
		"-machine", "pc,accel=tcg",
		"-drive", fmt.Sprintf("file=%s,media=cdrom,readonly=on", opts.InstallerPath),
		"-boot", "d",
		"-nic", "user,model=virtio-net-pci",
	)
	if opts.DataDiskPath != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio,cache=writeback,discard=unmap", opts.DataDiskPath))
	}
	if opts.InstallTargetPath != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio,cache=writeback,discard=unmap", opts.InstallTargetPath))
	}
	return spawn(opts.BootOptions, args)
}

// BootSnapshot launches QEMU against a previously saved snapshot file,
// using the same drive shape as BootOverlay.
func BootSnapshot(opts BootOptions, snapshotPath string) (InstanceMeta, error) {
	if _, err := os.Stat(snapshotPath); err != nil {
		return InstanceMeta{}, fmt.Errorf("boot snapshot %s: %w", snapshotPath, ErrImageMissing)
	}

	args := baseArgs(opts)
	args = append(args,
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio,cache=writeback,discard=unmap", snapshotPath),
		"-nic", "user,model=virtio-net-pci",
	)
	return spawn(opts, args)
}

// spawn unlinks stale per-instance files, runs the QEMU command
// synchronously (it daemonizes itself), and waits for the pidfile.
func spawn(opts BootOptions, args []string) (InstanceMeta, error) {
	for _, stale := range []string{opts.Paths.DisplaySocketPath, opts.Paths.ControlSocketPath, opts.Paths.PidfilePath} {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return InstanceMeta{}, fmt.Errorf("unlink stale file %s: %w", stale, err)
		}
	}

	cu := cleanup.Make(func() {
		os.Remove(opts.Paths.DisplaySocketPath)
		os.Remove(opts.Paths.ControlSocketPath)
		os.Remove(opts.Paths.PidfilePath)
	})
	defer cu.Clean()

	cmd := exec.Command(opts.binary(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return InstanceMeta{}, fmt.Errorf("%w: %s", ErrLaunchFailed, string(out))
	}

	pid, err := waitForPidfile(opts.Paths.PidfilePath, opts.pidfileWait())
	if err != nil {
		return InstanceMeta{}, err
	}

	cu.Release()
	return InstanceMeta{
		ControlSocketPath: opts.Paths.ControlSocketPath,
		DisplaySocketPath: opts.Paths.DisplaySocketPath,
		Pid:               pid,
		StartedAt:         time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}

// waitForPidfile polls for the pidfile QEMU's -daemonize writes once it
// has forked and detached, parsing the pid from its contents.
func waitForPidfile(path string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			pid, parseErr := strconv.Atoi(trimNewline(data))
			if parseErr == nil && pid > 0 {
				return pid, nil
			}
		}
		time.Sleep(pidfilePollInterval)
	}
	return 0, fmt.Errorf("wait for pidfile %s: %w", path, ErrPidfileMissing)
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}
