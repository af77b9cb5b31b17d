// Package registry is the durable, Redis-backed source of truth for
// which instances are running, keyed by instance_id with secondary
// indices by user, OS profile, and hypervisor pid. Every operation that
// touches more than one key runs inside a pipelined transaction so
// readers never observe a partially updated record.
package registry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// defaultRecentScanLimit bounds how many of a user's newest sessions
// GetRunningByUser inspects before giving up.
const defaultRecentScanLimit = 6

// Record is the flat field map stored under vm:{id}.
type Record struct {
	InstanceID        string
	UserID            string
	OSProfile         string
	ImagePath         string
	ControlSocketPath string
	DisplaySocketPath string
	BridgePort        int
	Pid               int
	BridgePid         int
	State             string
	CreatedAt         int64 // unix ms
}

func (r Record) fields() map[string]string {
	return map[string]string{
		"user_id":             r.UserID,
		"os_profile":          r.OSProfile,
		"image_path":          r.ImagePath,
		"control_socket_path": r.ControlSocketPath,
		"display_socket_path": r.DisplaySocketPath,
		"bridge_port":         strconv.Itoa(r.BridgePort),
		"pid":                 strconv.Itoa(r.Pid),
		"bridge_pid":          strconv.Itoa(r.BridgePid),
		"state":               r.State,
		"created_at":          strconv.FormatInt(r.CreatedAt, 10),
	}
}

func recordFromFields(instanceID string, m map[string]string) Record {
	return Record{
		InstanceID:        instanceID,
		UserID:            m["user_id"],
		OSProfile:         m["os_profile"],
		ImagePath:         m["image_path"],
		ControlSocketPath: m["control_socket_path"],
		DisplaySocketPath: m["display_socket_path"],
		BridgePort:        atoiOrZero(m["bridge_port"]),
		Pid:               atoiOrZero(m["pid"]),
		BridgePid:         atoiOrZero(m["bridge_pid"]),
		State:             m["state"],
		CreatedAt:         atoi64OrZero(m["created_at"]),
	}
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64OrZero(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Store is the Redis-backed session registry.
type Store struct {
	rdb             *redis.Client
	recentScanLimit int
}

// New wraps an existing redis.Client. The client's connection lifecycle
// (including Ping on startup) is the caller's responsibility.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, recentScanLimit: defaultRecentScanLimit}
}

func keyVM(id string) string         { return "vm:" + id }
func keyActive() string              { return "vms:active" }
func keyUserVMs(userID string) string { return "user:" + userID + ":vms" }
func keyByOS(os string) string       { return "vms:by_os:" + os }
func keyByPid(pid int) string        { return "vm:by_pid:" + strconv.Itoa(pid) }

// Get fetches the record for id. The second return value is false if no
// such record exists.
func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	m, err := s.rdb.HGetAll(ctx, keyVM(id)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("registry get %s: %w", id, err)
	}
	if len(m) == 0 {
		return Record{}, false, nil
	}
	return recordFromFields(id, m), true, nil
}

// Put writes record under id, visible in all secondary indices before
// returning.
func (s *Store) Put(ctx context.Context, id string, rec Record) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyVM(id), rec.fields())
		pipe.SAdd(ctx, keyActive(), id)
		if rec.UserID != "" {
			pipe.ZAdd(ctx, keyUserVMs(rec.UserID), redis.Z{Score: float64(rec.CreatedAt), Member: id})
		}
		if rec.OSProfile != "" {
			pipe.SAdd(ctx, keyByOS(rec.OSProfile), id)
		}
		if rec.Pid != 0 {
			pipe.Set(ctx, keyByPid(rec.Pid), id, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry put %s: %w", id, err)
	}
	return nil
}

// Update merges fields into the existing record. A "pid" field re-keys
// the vm:by_pid:* reverse index within the same pipeline: the old pid's
// entry is deleted and the new one set.
func (s *Store) Update(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	existing, found, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("registry update %s: %w", id, ErrNotFound)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyVM(id), fields)
		if newPidStr, ok := fields["pid"]; ok {
			newPid, _ := strconv.Atoi(newPidStr)
			if existing.Pid != 0 && existing.Pid != newPid {
				pipe.Del(ctx, keyByPid(existing.Pid))
			}
			if newPid != 0 {
				pipe.Set(ctx, keyByPid(newPid), id, 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry update %s: %w", id, err)
	}
	return nil
}

// Delete removes id's record and every secondary index entry pointing
// to it.
func (s *Store) Delete(ctx context.Context, id string) error {
	existing, found, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyVM(id))
		pipe.SRem(ctx, keyActive(), id)
		if existing.UserID != "" {
			pipe.ZRem(ctx, keyUserVMs(existing.UserID), id)
		}
		if existing.OSProfile != "" {
			pipe.SRem(ctx, keyByOS(existing.OSProfile), id)
		}
		if existing.Pid != 0 {
			pipe.Del(ctx, keyByPid(existing.Pid))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry delete %s: %w", id, err)
	}
	return nil
}

// GetRunningByUser scans the user's newest recentScanLimit sessions
// (newest first) and returns the first whose state is "running".
func (s *Store) GetRunningByUser(ctx context.Context, userID string) (Record, bool, error) {
	ids, err := s.rdb.ZRevRange(ctx, keyUserVMs(userID), 0, int64(s.recentScanLimit-1)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("registry get_running_by_user %s: %w", userID, err)
	}
	for _, id := range ids {
		rec, found, err := s.Get(ctx, id)
		if err != nil {
			return Record{}, false, err
		}
		if found && rec.State == "running" {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// GetByPid resolves a hypervisor pid to its owning record via the
// reverse index.
func (s *Store) GetByPid(ctx context.Context, pid int) (Record, bool, error) {
	id, err := s.rdb.Get(ctx, keyByPid(pid)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("registry get_by_pid %d: %w", pid, err)
	}
	return s.Get(ctx, id)
}

// Items returns every active record, in no particular order.
func (s *Store) Items(ctx context.Context) ([]Record, error) {
	ids, err := s.rdb.SMembers(ctx, keyActive()).Result()
	if err != nil {
		return nil, fmt.Errorf("registry items: %w", err)
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, found, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ActiveCount returns the number of currently active instances without
// fetching each record's full hash, for cheap periodic gauge sampling.
func (s *Store) ActiveCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, keyActive()).Result()
	if err != nil {
		return 0, fmt.Errorf("registry active count: %w", err)
	}
	return n, nil
}
