// Package api wires the HTTP surface onto the core service objects:
// plain chi handlers calling directly into lib/lifecycle, lib/snapshot,
// and lib/registry. No OpenAPI codegen or strict-server scaffolding sits
// between a route and its handler.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/xvpaul/vmshare/lib/external"
	"github.com/xvpaul/vmshare/lib/lifecycle"
	mw "github.com/xvpaul/vmshare/lib/middleware"
	"github.com/xvpaul/vmshare/lib/registry"
	"github.com/xvpaul/vmshare/lib/snapshot"
)

// Service holds every collaborator the handlers call into.
type Service struct {
	Coordinator *lifecycle.Coordinator
	Snapshots   *snapshot.Manager
	Registry    *registry.Store
	Captcha     external.CaptchaVerifier
}

// RouterConfig configures middleware Router wraps the routes with.
type RouterConfig struct {
	JWTSecret        string
	OtelServiceName  string
	OtelEnabled      bool
	HTTPMetricsMw    func(http.Handler) http.Handler // nil when OTel is disabled
	AccessLogger     func(http.Handler) http.Handler
	InjectLogger     func(http.Handler) http.Handler
}

// NewRouter builds the chi router for every endpoint in the data model's
// control HTTP surface.
func NewRouter(svc *Service, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.InjectLogger != nil {
		r.Use(cfg.InjectLogger)
	}
	if cfg.OtelEnabled {
		r.Use(otelchi.Middleware(cfg.OtelServiceName, otelchi.WithChiRoutes(r)))
	}
	if cfg.AccessLogger != nil {
		r.Use(cfg.AccessLogger)
	}
	if cfg.HTTPMetricsMw != nil {
		r.Use(cfg.HTTPMetricsMw)
	}
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", svc.Healthz)

	r.Group(func(r chi.Router) {
		r.Use(mw.JwtAuth(cfg.JWTSecret))

		r.Post("/run-script", svc.RunScript)
		r.Post("/run-iso", svc.RunISO)
		r.Post("/run-snapshot", svc.RunSnapshot)
		r.Post("/snapshot", svc.CreateSnapshot)
		r.Post("/remove-snapshot", svc.RemoveSnapshot)
		r.Get("/get-user-snapshots", svc.GetUserSnapshots)
		r.Post("/logout", svc.Logout)
		r.Get("/sessions/active", svc.SessionsActive)
	})

	return r
}

// Healthz is unauthenticated and used by orchestrators/load balancers.
func (s *Service) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
