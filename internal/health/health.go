// Package health serves the liveness and readiness endpoints of the
// operational HTTP server.
//
// /healthz answers 200 as long as the process can serve HTTP. /readyz runs
// every registered probe and answers 200 only when all of them pass; a
// failing probe turns the response into a 503 with the failure reason per
// probe in the JSON body.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 3 * time.Second

// Probe reports whether one dependency is usable. It must honor context
// cancellation; a nil return means the dependency is ready.
type Probe func(ctx context.Context) error

// Handler answers liveness and readiness requests. Probes are registered
// before the ops server starts and the set is not mutated afterwards.
type Handler struct {
	probes map[string]Probe
}

// New returns a Handler with no probes. Without probes /readyz always
// passes.
func New() *Handler {
	return &Handler{probes: map[string]Probe{}}
}

// Add registers a named readiness probe. Registering the same name twice
// replaces the earlier probe.
func (h *Handler) Add(name string, p Probe) {
	h.probes[name] = p
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleLive)
	mux.HandleFunc("GET /readyz", h.handleReady)
}

type report struct {
	Status string            `json:"status"`
	Probes map[string]string `json:"probes,omitempty"`
}

func (h *Handler) handleLive(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "pass"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "pass", Probes: make(map[string]string, len(h.probes))}
	code := http.StatusOK

	for _, name := range h.probeNames() {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := h.probes[name](ctx)
		cancel()

		if err != nil {
			rep.Probes[name] = "fail: " + err.Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		rep.Probes[name] = "pass"
	}

	respond(w, code, rep)
}

// probeNames returns the registered names in a stable order so repeated
// readiness checks evaluate probes identically.
func (h *Handler) probeNames() []string {
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func respond(w http.ResponseWriter, code int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
	}
}
