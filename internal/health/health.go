// Package health serves the liveness and readiness probes of the tutoring
// server.
//
// GET /healthz answers 200 as long as the process can serve HTTP. GET
// /readyz runs every registered [Checker] and answers with a [Report]:
//
//	{"status":"degraded","checks":{"conversations":{"status":"ok","latency_ms":1},
//	 "failover/llm":{"status":"fail","error":"open: openai","optional":true}}}
//
// A failing required check makes the server unready (503). A failing
// optional check only marks the report degraded and keeps the 200, so a
// tripped primary recognizer with a healthy fallback does not pull the
// server out of rotation.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker probes one dependency. Check returns nil when the dependency is
// usable and must honour ctx.
type Checker struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// Configured fails while configured reports false. Recognizers and LLM
// backends without credentials use it.
func Configured(name string, configured func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !configured() {
				return fmt.Errorf("%s is not configured", name)
			}
			return nil
		},
	}
}

// Degraded marks c optional.
func Degraded(c Checker) Checker {
	c.Optional = true
	return c
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Optional  bool   `json:"optional,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the /readyz body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether no required check failed.
func (r Report) Ready() bool { return r.Status != StatusFail }

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	now      func() time.Time
}

// New returns a Handler evaluating checkers on each readiness probe.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), now: time.Now}
}

// Report runs all checks concurrently, each bounded by its own timeout.
func (h *Handler) Report(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep = Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
		g   errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := h.now()
			err := c.Check(cctx)
			res := CheckResult{
				Status:    StatusOK,
				Optional:  c.Optional,
				LatencyMS: h.now().Sub(start).Milliseconds(),
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
				switch {
				case !c.Optional:
					rep.Status = StatusFail
				case rep.Status == StatusOK:
					rep.Status = StatusDegraded
				}
			}
			rep.Checks[c.Name] = res
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Report(r.Context())
	status := http.StatusOK
	if !rep.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
