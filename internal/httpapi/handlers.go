package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"corvel.app/internal/access"
	"corvel.app/internal/obs"
	"corvel.app/internal/session"
	"corvel.app/internal/stepup"
	"corvel.app/internal/store/pg"
)

// ReadyProbe checks the dependencies the service cannot run without.
// The cache is deliberately absent: its loss degrades, it does not fail
// readiness.
type ReadyProbe struct {
	Store *pg.Store
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.DB().PingContext(ctx)
}

// API is the HTTP layer. Every component it composes is injected; there
// is no process-global mutable state beyond the cache and the database.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	store    *pg.Store
	sessions *session.Store
	eval     *access.Evaluator
	verifier *stepup.Verifier
	revoker  *access.Revoker

	tokenTTL time.Duration
}

// Deps carries the wired components into New.
type Deps struct {
	Store    *pg.Store
	Sessions *session.Store
	Eval     *access.Evaluator
	Verifier *stepup.Verifier
	Revoker  *access.Revoker
	TokenTTL time.Duration
}

func New(deps Deps, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: ReadyProbe{Store: deps.Store},
		version:    version,
		store:      deps.Store,
		sessions:   deps.Sessions,
		eval:       deps.Eval,
		verifier:   deps.Verifier,
		revoker:    deps.Revoker,
		tokenTTL:   deps.TokenTTL,
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = 12 * time.Hour
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), 10, 5))
	a.mux.HandleFunc("/v1/auth/logout", a.requireAuth(a.handleLogout))
	a.mux.HandleFunc("/v1/auth/password", a.requireAuth(a.handlePasswordChange))

	a.mux.HandleFunc("/v1/me/permissions", a.requireAuth(a.handleMyPermissions))
	a.mux.HandleFunc("/v1/security/verify", a.requireAuth(a.handleVerify))

	a.mux.HandleFunc("/v1/admin/roles", a.requireAuth(
		a.requirePermission(permManageRoles, a.handleRoles)))
	a.mux.HandleFunc("/v1/admin/roles/", a.requireAuth(
		a.requirePermission(permManageRoles, a.handleRoleScoped)))
	a.mux.HandleFunc("/v1/admin/users/", a.requireAuth(
		a.requirePermission(permManageUsers, a.handleUserScoped)))
	a.mux.HandleFunc("/v1/admin/actions/", a.requireAuth(
		a.requirePermission(permManageActions, a.handleActionScoped)))
	a.mux.HandleFunc("/v1/admin/codes/", a.requireAuth(
		a.requirePermission(permManageCodes,
			a.requireStepUp(actionRotateCode, a.handleRotateCode))))

	a.mux.HandleFunc("/v1/backups/", a.requireAuth(
		a.requirePermission(permManageBackups,
			a.requireStepUp(actionDeleteBackup, a.handleDeleteBackup))))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the composed middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = MaxBodyBytes(h, 1<<20)
	return obs.Instrument(h)
}

// --- probes ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "corvel-core",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "corvel-core",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
