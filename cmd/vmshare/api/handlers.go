package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/samber/lo"
	"github.com/xvpaul/vmshare/lib/external"
	"github.com/xvpaul/vmshare/lib/images"
	"github.com/xvpaul/vmshare/lib/lifecycle"
	"github.com/xvpaul/vmshare/lib/logger"
	mw "github.com/xvpaul/vmshare/lib/middleware"
	"github.com/xvpaul/vmshare/lib/paths"
	"github.com/xvpaul/vmshare/lib/registry"
	"github.com/xvpaul/vmshare/lib/snapshot"
)

// defaultActiveSessionsLimit bounds GET /sessions/active when no limit is given.
const defaultActiveSessionsLimit = 50

type runScriptRequest struct {
	OSProfile string `json:"os_profile"`
}

type runSnapshotRequest struct {
	OSProfile    string `json:"os_profile"`
	SnapshotName string `json:"snapshot_name"`
}

type createSnapshotRequest struct {
	OSProfile  string `json:"os_profile"`
	InstanceID string `json:"instance_id"`
}

type createSnapshotResponse struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	SizeMB int64  `json:"size_mb"`
}

type removeSnapshotRequest struct {
	Snapshot   string `json:"snapshot"`
	OSProfile  string `json:"os_profile"`
	InstanceID string `json:"instance_id"`
}

type removeSnapshotResponse struct {
	Removed string `json:"removed"`
	FreedMB int64  `json:"freed_mb"`
	TotalMB int64  `json:"total_mb"`
}

type snapshotView struct {
	Name       string `json:"name"`
	OSProfile  string `json:"os_profile"`
	InstanceID string `json:"instance_id"`
	SizeMB     int64  `json:"size_mb"`
	ModifiedAt string `json:"modified_at"`
}

// RunScript launches (or returns the existing) Instance for a named OS profile.
func (s *Service) RunScript(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserIDFromContext(r.Context())

	var req runScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OSProfile == "" {
		writeError(w, http.StatusBadRequest, "os_profile is required")
		return
	}

	view, err := s.Coordinator.Launch(r.Context(), userID, lifecycle.LaunchRequest{
		Kind:      lifecycle.LaunchProfile,
		OSProfile: req.OSProfile,
	})
	if err != nil {
		s.writeLaunchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RunISO launches an Instance from the caller's previously uploaded
// installer image; the image path is resolved server-side from user_id,
// never accepted from the request body.
func (s *Service) RunISO(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserIDFromContext(r.Context())

	view, err := s.Coordinator.Launch(r.Context(), userID, lifecycle.LaunchRequest{Kind: lifecycle.LaunchInstaller})
	if err != nil {
		s.writeLaunchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RunSnapshot launches an Instance booting from a previously saved disk snapshot.
func (s *Service) RunSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserIDFromContext(r.Context())

	var req runSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SnapshotName == "" {
		writeError(w, http.StatusBadRequest, "snapshot_name is required")
		return
	}

	view, err := s.Coordinator.Launch(r.Context(), userID, lifecycle.LaunchRequest{
		Kind:         lifecycle.LaunchSnapshot,
		OSProfile:    req.OSProfile,
		SnapshotName: req.SnapshotName,
	})
	if err != nil {
		s.writeLaunchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CreateSnapshot takes a live disk snapshot of the caller's running Instance.
func (s *Service) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserIDFromContext(r.Context())
	ctx := r.Context()

	var req createSnapshotRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, found, err := s.resolveRunningRecord(ctx, userID, req.InstanceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no running vm for this user")
		return
	}

	osProfile := req.OSProfile
	if osProfile == "" {
		osProfile = rec.OSProfile
	}

	candidate := filepath.Join(s.Snapshots.SnapshotsDir, paths.SnapshotFilename(userID, osProfile, rec.InstanceID))
	info, err := s.Snapshots.CreateSnapshot(ctx, userID, rec.InstanceID, osProfile, rec.ControlSocketPath, rec.ImagePath, candidate)
	if err != nil {
		s.writeSnapshotError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createSnapshotResponse{
		Name:   info.Name,
		Path:   filepath.Join(s.Snapshots.SnapshotsDir, info.Name),
		SizeMB: info.SizeMB,
	})
}

// RemoveSnapshot deletes a saved disk snapshot and credits its size back
// against the caller's quota.
func (s *Service) RemoveSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserIDFromContext(r.Context())

	var req removeSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Snapshot == "" && (req.OSProfile == "" || req.InstanceID == "") {
		writeError(w, http.StatusBadRequest, "snapshot or (os_profile, instance_id) required")
		return
	}

	removed, freedMB, totalMB, err := s.Snapshots.RemoveSnapshot(r.Context(), userID, req.Snapshot, req.OSProfile, req.InstanceID)
	if err != nil {
		s.writeSnapshotError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, removeSnapshotResponse{Removed: removed, FreedMB: freedMB, TotalMB: totalMB})
}

// GetUserSnapshots lists every saved disk snapshot owned by the caller.
func (s *Service) GetUserSnapshots(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserIDFromContext(r.Context())

	list, err := s.Snapshots.ListUserSnapshots(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := lo.Map(list, func(info snapshot.SnapshotInfo, _ int) snapshotView {
		return snapshotView{
			Name:       info.Name,
			OSProfile:  info.OSProfile,
			InstanceID: info.InstanceID,
			SizeMB:     info.SizeMB,
			ModifiedAt: info.ModifiedAt,
		}
	})
	writeJSON(w, http.StatusOK, views)
}

// Logout reclaims the caller's running Instance, if any. It never fails
// the caller: a missing or already-reclaimed Instance is a no-op 200.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserIDFromContext(r.Context())
	ctx := r.Context()

	rec, found, err := s.Registry.GetRunningByUser(ctx, userID)
	if err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "logout: lookup running session", "user_id", userID, "error", err)
	} else if found {
		if err := s.Coordinator.Reclaim(ctx, rec.InstanceID); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "logout: reclaim", "instance_id", rec.InstanceID, "error", err)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// SessionsActive lists active Instances, optionally filtered by user_id
// and capped by limit.
func (s *Service) SessionsActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.URL.Query().Get("user_id")
	limit := defaultActiveSessionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	items, err := s.Registry.Items(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if userID != "" {
		items = lo.Filter(items, func(rec registry.Record, _ int) bool { return rec.UserID == userID })
	}
	if len(items) > limit {
		items = items[:limit]
	}

	views := lo.Map(items, func(rec registry.Record, _ int) lifecycle.InstanceView {
		return s.Coordinator.View(rec)
	})
	writeJSON(w, http.StatusOK, views)
}

// resolveRunningRecord returns the record for instanceID if given,
// otherwise the user's single running Instance. An instanceID owned by a
// different user is reported as not found, since Registry.Get is a pure
// ID-keyed lookup with no ownership check of its own.
func (s *Service) resolveRunningRecord(ctx context.Context, userID, instanceID string) (registry.Record, bool, error) {
	if instanceID != "" {
		rec, ok, err := s.Registry.Get(ctx, instanceID)
		if err != nil || !ok || rec.UserID != userID {
			return registry.Record{}, false, err
		}
		return rec, true, nil
	}
	return s.Registry.GetRunningByUser(ctx, userID)
}

func (s *Service) writeLaunchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrProfileNotFound), errors.Is(err, lifecycle.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, images.ErrImageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, images.ErrNotABootableImage), errors.Is(err, images.ErrProfileIsInstallerOnly):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.FromContext(r.Context()).ErrorContext(r.Context(), "launch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "launch failed")
	}
}

func (s *Service) writeSnapshotError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, snapshot.ErrInvalidSnapshotName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, snapshot.ErrVmNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, snapshot.ErrNoBillingSource):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, external.ErrQuotaExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
