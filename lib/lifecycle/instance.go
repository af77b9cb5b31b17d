package lifecycle

import "time"

// Instance is the shared in-memory/registry representation of one
// tenant's VM session. It is created and destroyed exclusively by the
// Coordinator.
type Instance struct {
	InstanceID        string
	UserID            string
	OSProfile         string
	State             State
	ImagePath         string // overlay, installer, or snapshot file currently attached
	Ephemeral         bool   // true if ImagePath should be deleted on reclaim
	ControlSocketPath string
	DisplaySocketPath string
	BridgePort        uint16
	Pid               int
	BridgePid         int
	CreatedAt         time.Time
	StartedAt         string // UTC ISO-8601, from the hypervisor
}

// InstanceView is the client-facing projection of an Instance returned
// by every launch/list endpoint.
type InstanceView struct {
	InstanceID        string `json:"instance_id"`
	UserID            string `json:"user_id"`
	OSProfile         string `json:"os_profile"`
	DisplaySocketPath string `json:"display_socket_path"`
	ControlSocketPath string `json:"control_socket_path"`
	BridgePort        uint16 `json:"bridge_port"`
	Pid               int    `json:"pid"`
	StartedAt         string `json:"started_at"`
	RedirectURL       string `json:"redirect_url"`
}

// LaunchKind selects which of Image Manager's three resolution paths a
// launch dispatches to.
type LaunchKind string

const (
	LaunchProfile   LaunchKind = "profile"
	LaunchInstaller LaunchKind = "installer"
	LaunchSnapshot  LaunchKind = "snapshot"
)

// LaunchRequest is the Coordinator's entry point parameter, covering all
// three boot kinds.
type LaunchRequest struct {
	Kind         LaunchKind
	OSProfile    string
	SnapshotName string // required when Kind == LaunchSnapshot
}
