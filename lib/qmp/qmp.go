// Package qmp speaks the hypervisor's line-delimited JSON control
// protocol over a UNIX stream. Every call opens a fresh connection: dial,
// discard the greeting, negotiate capabilities, send one command, read
// one reply, close. There is no persistent session and no async event
// stream — callers that need job progress poll query-block-jobs.
package qmp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client issues one-shot RPCs against a QMP UNIX socket.
type Client struct {
	SocketPath string
	Timeout    time.Duration // per-RPC read deadline, default 4s
}

// New creates a Client for the given control socket with the default 4s
// per-RPC timeout.
func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: 4 * time.Second}
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 4 * time.Second
}

// call performs the full connect/handshake/command/reply/close cycle for
// a single command object, returning the raw decoded reply.
func (c *Client) call(command map[string]any) (map[string]any, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.timeout())
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout())
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	reader := bufio.NewReader(conn)

	// 1. Discard the server greeting line.
	if _, err := reader.ReadBytes('\n'); err != nil {
		return nil, fmt.Errorf("read greeting: %w: %w", err, ErrProtocol)
	}

	// 2. Negotiate capabilities and discard the reply.
	if err := writeLine(conn, map[string]any{"execute": "qmp_capabilities"}); err != nil {
		return nil, fmt.Errorf("send qmp_capabilities: %w", err)
	}
	if _, err := reader.ReadBytes('\n'); err != nil {
		return nil, fmt.Errorf("read qmp_capabilities reply: %w: %w", err, ErrProtocol)
	}

	// 3. Send the command, read one reply line.
	if err := writeLine(conn, command); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read reply: %w: %w", err, ErrProtocol)
	}

	var reply map[string]any
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("parse reply: %w: %w", err, ErrProtocol)
	}
	if errObj, ok := reply["error"]; ok {
		return nil, fmt.Errorf("command error %v: %w", errObj, ErrProtocol)
	}
	return reply, nil
}

func writeLine(conn net.Conn, v map[string]any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

// BlockDevice mirrors the fields QueryBlock reports per device.
type BlockDevice struct {
	Device       string
	ReadOnly     bool
	Removable    bool
	ImageFormat  string
	HasInserted  bool
}

// QueryBlock enumerates attached block devices.
func (c *Client) QueryBlock() ([]BlockDevice, error) {
	reply, err := c.call(map[string]any{"execute": "query-block"})
	if err != nil {
		return nil, err
	}

	raw, _ := reply["return"].([]any)
	devices := make([]BlockDevice, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		dev := BlockDevice{
			Device:    stringField(m, "device"),
			ReadOnly:  boolField(m, "ro"),
			Removable: boolField(m, "removable"),
		}
		if inserted, ok := m["inserted"].(map[string]any); ok {
			dev.HasInserted = true
			if image, ok := inserted["image"].(map[string]any); ok {
				dev.ImageFormat = stringField(image, "format")
			}
			if dev.ImageFormat == "" {
				dev.ImageFormat = stringField(inserted, "drv")
			}
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// SelectBackupDevice implements the device selection rule for snapshots:
// skip read-only or removable devices; prefer the first writable device
// whose image format is qcow2 or raw; otherwise fall back to the first
// writable, non-removable named device of any format; fail with
// ErrNoBackupDevice if none qualify.
func SelectBackupDevice(devices []BlockDevice) (string, error) {
	var fallback string
	for _, d := range devices {
		if d.ReadOnly || d.Removable || d.Device == "" {
			continue
		}
		if fallback == "" {
			fallback = d.Device
		}
		if d.ImageFormat == "qcow2" || d.ImageFormat == "raw" {
			return d.Device, nil
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", ErrNoBackupDevice
}

// DriveBackupOptions configures a block-backup job.
type DriveBackupOptions struct {
	Device       string
	JobID        string
	TargetPath   string
	Format       string // default "qcow2"
	Sync         string // default "full"
	AutoFinalize bool   // default true
	AutoDismiss  bool   // default true
}

// DriveBackup starts a block-backup job writing Device's contents to
// TargetPath.
func (c *Client) DriveBackup(opts DriveBackupOptions) error {
	format := opts.Format
	if format == "" {
		format = "qcow2"
	}
	sync := opts.Sync
	if sync == "" {
		sync = "full"
	}
	args := map[string]any{
		"device":        opts.Device,
		"job-id":        opts.JobID,
		"target":        opts.TargetPath,
		"format":        format,
		"sync":          sync,
		"auto-finalize": opts.AutoFinalize,
		"auto-dismiss":  opts.AutoDismiss,
	}
	_, err := c.call(map[string]any{"execute": "drive-backup", "arguments": args})
	return err
}

// QueryBlockJobs lists in-flight block jobs.
func (c *Client) QueryBlockJobs() ([]string, error) {
	reply, err := c.call(map[string]any{"execute": "query-block-jobs"})
	if err != nil {
		return nil, err
	}
	raw, _ := reply["return"].([]any)
	jobs := make([]string, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			if id := stringField(m, "id"); id != "" {
				jobs = append(jobs, id)
			} else if dev := stringField(m, "device"); dev != "" {
				jobs = append(jobs, dev)
			}
		}
	}
	return jobs, nil
}

// WaitForJobDone polls query-block-jobs until jobID no longer appears
// (auto-dismiss semantics mean completion implies disappearance), or
// until deadline elapses.
func (c *Client) WaitForJobDone(jobID string, deadline time.Duration, pollInterval time.Duration) error {
	until := time.Now().Add(deadline)
	for time.Now().Before(until) {
		jobs, err := c.QueryBlockJobs()
		if err != nil {
			return err
		}
		found := false
		for _, id := range jobs {
			if id == jobID {
				found = true
				break
			}
		}
		if !found {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return ErrBackupTimeout
}

// HMP issues a human-monitor passthrough command, used for snapshot
// operations (savevm, loadvm, delvm, info snapshots) whose output is
// parsed textually by callers.
func (c *Client) HMP(commandLine string) (string, error) {
	reply, err := c.call(map[string]any{
		"execute":   "human-monitor-command",
		"arguments": map[string]any{"command-line": commandLine},
	})
	if err != nil {
		return "", err
	}
	out, _ := reply["return"].(string)
	return out, nil
}

// SystemPowerdown requests a graceful ACPI shutdown.
func (c *Client) SystemPowerdown() error {
	_, err := c.call(map[string]any{"execute": "system_powerdown"})
	return err
}
