// Package health exposes the acquisition server's liveness and readiness
// probes.
//
// Liveness (/healthz) means the process can serve HTTP, nothing more: the
// server is alive even while the amplifier is unplugged. Readiness (/readyz)
// means the acquisition chain can do useful work, which the caller expresses
// as [Checker] probes (amplifier connected, receiver decoding frames). The
// /readyz body carries a per-probe verdict so an operator can tell a missing
// amplifier from a stalled receiver at a glance.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single probe. Probes inspect in-memory state, so this
// is generous; it exists so one wedged probe cannot hang /readyz.
const checkTimeout = 5 * time.Second

// Checker names one link of the acquisition chain and how to probe it.
type Checker struct {
	// Name keys the probe's entry in the /readyz body, e.g. "amplifier" or
	// "receiver".
	Name string

	// Check probes the link. Nil means ready; the error text is surfaced to
	// the caller. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Verdict is one probe's outcome in the /readyz body.
type Verdict struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// Report is the JSON body for both endpoints.
type Report struct {
	Status string             `json:"status"`
	Checks map[string]Verdict `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The probe list is fixed at
// construction; a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given probes.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200. Amplifier and receiver state are readiness
// concerns; restarting the process would not fix a disconnected amplifier.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz runs every probe and answers 200 only when all pass. The probes are
// independent links of the chain, so they run concurrently; the slowest probe
// bounds the response time, not their sum.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	verdicts := make([]Verdict, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			v := Verdict{
				Status:  "ok",
				Elapsed: time.Since(start).Round(time.Microsecond).String(),
			}
			if err != nil {
				v.Status = "fail"
				v.Error = err.Error()
			}
			verdicts[i] = v
		}()
	}
	wg.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]Verdict, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		rep.Checks[c.Name] = verdicts[i]
		if verdicts[i].Status != "ok" {
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON with the given status code. On encoding failure
// it falls back to a plain 500 body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
