package qemu

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xvpaul/vmshare/lib/alloc"
)

func TestBootOverlayMissingImage(t *testing.T) {
	dir := t.TempDir()
	opts := BootOptions{
		InstanceID: "deadbe",
		Paths: alloc.Paths{
			DisplaySocketPath: filepath.Join(dir, "vnc.sock"),
			ControlSocketPath: filepath.Join(dir, "qmp.sock"),
			PidfilePath:       filepath.Join(dir, "qemu.pid"),
		},
	}
	_, err := BootOverlay(opts, filepath.Join(dir, "missing.qcow2"))
	assert.Error(t, err)
}

func TestWaitForPidfileSucceedsOnceWritten(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "qemu.pid")

	go func() {
		time.Sleep(60 * time.Millisecond)
		os.WriteFile(pidfile, []byte("4242\n"), 0o644)
	}()

	pid, err := waitForPidfile(pidfile, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestWaitForPidfileTimesOut(t *testing.T) {
	dir := t.TempDir()
	_, err := waitForPidfile(filepath.Join(dir, "never.pid"), 100*time.Millisecond)
	assert.Error(t, err)
}

func TestBaseArgsDefaultMemory(t *testing.T) {
	opts := BootOptions{Paths: alloc.Paths{DisplaySocketPath: "d", ControlSocketPath: "c", PidfilePath: "p"}}
	args := baseArgs(opts)

	found := false
	for i, a := range args {
		if a == "-m" && i+1 < len(args) && args[i+1] == "512" {
			found = true
		}
	}
	assert.True(t, found, "expected default memory 512 in args: %v", args)
}
