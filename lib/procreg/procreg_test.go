package procreg

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetStop(t *testing.T) {
	r := New()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	r.Set(ScopeHypervisor, "inst1", cmd.Process.Pid)
	pid, ok := r.Get(ScopeHypervisor, "inst1")
	require.True(t, ok)
	assert.Equal(t, cmd.Process.Pid, pid)

	require.NoError(t, r.Stop(ScopeHypervisor, "inst1", time.Second))
	_, ok = r.Get(ScopeHypervisor, "inst1")
	assert.False(t, ok, "expected entry removed after Stop")
	cmd.Wait()
}

func TestStopUnknownKeyIsNoop(t *testing.T) {
	r := New()
	assert.NoError(t, r.Stop(ScopeBridge, "missing", time.Millisecond))
}

func TestStopAll(t *testing.T) {
	r := New()
	var cmds []*exec.Cmd
	for i := 0; i < 3; i++ {
		cmd := exec.Command("sleep", "30")
		require.NoError(t, cmd.Start())
		cmds = append(cmds, cmd)
		r.Set(ScopeHypervisor, string(rune('a'+i)), cmd.Process.Pid)
	}

	r.StopAll(500 * time.Millisecond)

	for _, cmd := range cmds {
		cmd.Wait()
	}
	_, ok := r.Get(ScopeHypervisor, "a")
	assert.False(t, ok, "expected registry emptied by StopAll")
}
