// Package paths builds the canonical basename for a snapshot's qcow2
// image under the durable, flat snapshot store. Live-instance runtime
// paths (display/control sockets, pidfile) are lib/alloc's
// responsibility, since those are ephemeral and torn down with the
// instance rather than addressed by a stable on-disk name.
package paths

import "fmt"

// SnapshotFilename builds the canonical {userID}__{osProfile}__{instanceID}.qcow2
// basename a snapshot is stored and listed under.
func SnapshotFilename(userID, osProfile, instanceID string) string {
	return fmt.Sprintf("%s__%s__%s.qcow2", userID, osProfile, instanceID)
}
