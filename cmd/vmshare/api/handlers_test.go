package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xvpaul/vmshare/lib/external"
	"github.com/xvpaul/vmshare/lib/images"
	"github.com/xvpaul/vmshare/lib/lifecycle"
	"github.com/xvpaul/vmshare/lib/snapshot"
)

func TestWriteLaunchErrorMapsKnownErrors(t *testing.T) {
	svc := &Service{}
	r := httptest.NewRequest(http.MethodPost, "/run-script", nil)

	cases := []struct {
		err  error
		want int
	}{
		{lifecycle.ErrProfileNotFound, http.StatusBadRequest},
		{lifecycle.ErrInvalidRequest, http.StatusBadRequest},
		{images.ErrImageNotFound, http.StatusNotFound},
		{images.ErrNotABootableImage, http.StatusBadRequest},
		{images.ErrProfileIsInstallerOnly, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		svc.writeLaunchError(w, r, c.err)
		assert.Equal(t, c.want, w.Code, "err %v", c.err)
	}
}

func TestWriteSnapshotErrorMapsKnownErrors(t *testing.T) {
	svc := &Service{}

	cases := []struct {
		err  error
		want int
	}{
		{snapshot.ErrInvalidSnapshotName, http.StatusBadRequest},
		{snapshot.ErrSnapshotNotFound, http.StatusNotFound},
		{snapshot.ErrVmNotRunning, http.StatusConflict},
		{snapshot.ErrNoBillingSource, http.StatusNotFound},
		{external.ErrQuotaExceeded, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		svc.writeSnapshotError(w, c.err)
		assert.Equal(t, c.want, w.Code, "err %v", c.err)
	}
}

func TestHealthzReturnsOK(t *testing.T) {
	svc := &Service{}
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	svc.Healthz(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}
