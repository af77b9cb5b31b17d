// Package alloc reserves TCP ports and computes per-instance socket paths.
package alloc

import (
	"fmt"
	"net"
	"path/filepath"
)

// Paths holds the three deterministic per-instance runtime file paths.
type Paths struct {
	DisplaySocketPath string
	ControlSocketPath string
	PidfilePath       string
}

// Allocator reserves bridge ports and computes instance file paths under RunDir.
type Allocator struct {
	RunDir string
}

// New creates an Allocator rooted at runDir. runDir must already exist and
// be writable; the allocator does not create it.
func New(runDir string) *Allocator {
	return &Allocator{RunDir: runDir}
}

// ReserveTCPPort binds to an ephemeral loopback port, reads back the port
// the kernel assigned, and releases the listener before returning. The
// caller races other allocators for the same port and must tolerate a
// failed bind on the port it reserved.
func (a *Allocator) ReserveTCPPort() (uint16, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserve tcp port: %w", err)
	}
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("reserve tcp port: unexpected listener address type %T", ln.Addr())
	}
	return uint16(addr.Port), nil
}

// PathsFor returns the deterministic display socket, control socket, and
// pidfile paths for an instance ID.
func (a *Allocator) PathsFor(instanceID string) Paths {
	return Paths{
		DisplaySocketPath: filepath.Join(a.RunDir, fmt.Sprintf("vnc-%s.sock", instanceID)),
		ControlSocketPath: filepath.Join(a.RunDir, fmt.Sprintf("qmp-%s.sock", instanceID)),
		PidfilePath:       filepath.Join(a.RunDir, fmt.Sprintf("qemu-%s.pid", instanceID)),
	}
}
