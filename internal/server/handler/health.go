package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// EngineStatus is what the health check reads from the pricing engine.
type EngineStatus interface {
	Running() bool
	Snapshot() *domain.Snapshot
}

// Probe checks one backing dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	engine EngineStatus
	probes []Probe
	mirror func(ctx context.Context) (uint64, error)
}

// NewHealthHandler creates a HealthHandler. engine may be nil in modes that
// do not run the engine.
func NewHealthHandler(engine EngineStatus, probes ...Probe) *HealthHandler {
	return &HealthHandler{engine: engine, probes: probes}
}

// WithMirrorVersion reports how far the external price mirror trails the
// engine. version returns the snapshot version the mirror last wrote.
func (h *HealthHandler) WithMirrorVersion(version func(ctx context.Context) (uint64, error)) *HealthHandler {
	h.mirror = version
	return h
}

type healthResponse struct {
	Status          string            `json:"status"`
	Timestamp       time.Time         `json:"timestamp"`
	EngineRunning   bool              `json:"engine_running"`
	SnapshotVersion uint64            `json:"snapshot_version"`
	MirrorVersion   *uint64           `json:"mirror_version,omitempty"`
	MirrorLag       *uint64           `json:"mirror_lag,omitempty"`
	Checks          map[string]string `json:"checks,omitempty"`
}

// HealthCheck reports 200 when the engine is running and every probe
// passes, otherwise 503 with the failing checks.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Timestamp: time.Now().UTC()}
	status := http.StatusOK

	if h.engine != nil {
		resp.EngineRunning = h.engine.Running()
		if snap := h.engine.Snapshot(); snap != nil {
			resp.SnapshotVersion = snap.Version
		}
		if !resp.EngineRunning {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.mirror != nil {
		if v, err := h.mirror(ctx); err != nil {
			resp.Checks = map[string]string{"price_mirror": err.Error()}
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.MirrorVersion = &v
			var lag uint64
			if resp.SnapshotVersion > v {
				lag = resp.SnapshotVersion - v
			}
			resp.MirrorLag = &lag
		}
	}

	if len(h.probes) > 0 {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(h.probes))
		}
		for _, p := range h.probes {
			if err := p.Check(ctx); err != nil {
				resp.Checks[p.Name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[p.Name] = "ok"
		}
	}

	writeJSON(w, status, resp)
}
