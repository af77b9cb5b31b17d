// Package procreg tracks spawned OS processes keyed by scope and instance,
// delivering termination signals and reaping on shutdown. It is an
// in-process table: callers must not consult it across worker boundaries,
// the durable cross-process source of truth is lib/registry.
package procreg

import (
	"fmt"
	"sync"
	"syscall"
	"time"
)

// Scope distinguishes which kind of process a key refers to.
type Scope string

const (
	ScopeHypervisor Scope = "hv"
	ScopeBridge     Scope = "ws"
)

// key builds the "{scope}:{instanceID}" key spec.md §4.9 specifies.
func key(scope Scope, instanceID string) string {
	return fmt.Sprintf("%s:%s", scope, instanceID)
}

// Registry is a concurrency-safe table of live process handles.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]int // key -> pid
}

// New creates an empty process registry.
func New() *Registry {
	return &Registry{procs: make(map[string]int)}
}

// Set records the pid for a scope/instance pair, replacing any prior entry.
func (r *Registry) Set(scope Scope, instanceID string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[key(scope, instanceID)] = pid
}

// Get returns the pid tracked for a scope/instance pair, if any.
func (r *Registry) Get(scope Scope, instanceID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.procs[key(scope, instanceID)]
	return pid, ok
}

// Stop sends SIGTERM to the tracked process and removes its entry. If the
// process has not exited after grace, it is sent SIGKILL. Stop is a no-op
// if no process is tracked for the key.
func (r *Registry) Stop(scope Scope, instanceID string, grace time.Duration) error {
	r.mu.Lock()
	k := key(scope, instanceID)
	pid, ok := r.procs[k]
	delete(r.procs, k)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return stopPid(pid, grace)
}

// StopAll sends SIGTERM (then SIGKILL after grace) to every tracked process
// and empties the registry. It never returns an error; failures to signal
// an already-dead process are expected and ignored.
func (r *Registry) StopAll(grace time.Duration) {
	r.mu.Lock()
	pids := make([]int, 0, len(r.procs))
	for _, pid := range r.procs {
		pids = append(pids, pid)
	}
	r.procs = make(map[string]int)
	r.mu.Unlock()

	for _, pid := range pids {
		_ = stopPid(pid, grace)
	}
}

// stopPid signals TERM, waits up to grace for the process to disappear by
// polling signal 0, and escalates to KILL for survivors.
func stopPid(pid int, grace time.Duration) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("signal TERM pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err == syscall.ESRCH {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signal KILL pid %d: %w", pid, err)
	}
	return nil
}
