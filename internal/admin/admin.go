// Package admin wires up the operator-facing Gin router (spec §4.8):
// worker membership and fault-rate management, health, Prometheus
// metrics, and operation-log inspection. It is entirely separate from
// the coordinator's client-facing line protocol in internal/dispatcher —
// nothing here is reachable from a client request.
package admin

import (
	"net/http"
	"strconv"

	"coordcore/internal/faults"
	"coordcore/internal/metrics"
	"coordcore/internal/registry"
	"coordcore/internal/replication"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Handler holds the dependencies the admin routes operate on.
type Handler struct {
	registry *registry.Registry
	oplog    *replication.Engine // source of the origin's oplog for replay/inspection
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(reg *registry.Registry, rep *replication.Engine, m *metrics.Metrics, log zerolog.Logger) *Handler {
	return &Handler{registry: reg, oplog: rep, metrics: m, log: log.With().Str("component", "admin").Logger()}
}

// NewRouter builds the Gin engine with logging/recovery middleware in
// the teacher's style and every route mounted.
func NewRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(Logger(h.log), gin.Recovery())

	r.POST("/workers", h.AddWorker)
	r.DELETE("/workers/:id", h.RemoveWorker)
	r.GET("/workers", h.ListWorkers)
	r.PATCH("/workers/:id/faults", h.SetFaults)
	r.GET("/health", h.Health)
	r.GET("/oplog", h.Oplog)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type addWorkerRequest struct {
	Addr     string `json:"addr" binding:"required"`
	DropPct  int    `json:"drop_pct"`
	DelayPct int    `json:"delay_pct"`
	WrongPct int    `json:"wrong_pct"`
	MinMs    int    `json:"min_ms"`
	MaxMs    int    `json:"max_ms"`
}

// AddWorker handles POST /workers.
func (h *Handler) AddWorker(c *gin.Context) {
	var body addWorkerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rates := faults.Rates{DropPct: body.DropPct, DelayPct: body.DelayPct, WrongPct: body.WrongPct, MinMs: body.MinMs, MaxMs: body.MaxMs}
	w, err := h.registry.Add(body.Addr, rates)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.metrics != nil {
		h.metrics.WorkersGauge.Set(float64(h.registry.Count()))
	}
	c.JSON(http.StatusOK, gin.H{"id": w.ID, "addr": w.Addr})
}

// RemoveWorker handles DELETE /workers/:id.
func (h *Handler) RemoveWorker(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return
	}
	if err := h.registry.Remove(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if h.metrics != nil {
		h.metrics.WorkersGauge.Set(float64(h.registry.Count()))
	}
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

type workerView struct {
	ID    int    `json:"id"`
	Addr  string `json:"addr"`
	State string `json:"state"`
}

// ListWorkers handles GET /workers.
func (h *Handler) ListWorkers(c *gin.Context) {
	workers := h.registry.All()
	out := make([]workerView, 0, len(workers))
	for _, w := range workers {
		out = append(out, workerView{ID: w.ID, Addr: w.Addr, State: w.State().String()})
	}
	c.JSON(http.StatusOK, gin.H{"workers": out})
}

type setFaultsRequest struct {
	DropPct  int `json:"drop_pct"`
	DelayPct int `json:"delay_pct"`
	WrongPct int `json:"wrong_pct"`
	MinMs    int `json:"min_ms"`
	MaxMs    int `json:"max_ms"`
}

// SetFaults handles PATCH /workers/:id/faults.
func (h *Handler) SetFaults(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return
	}
	w, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		return
	}

	var body setFaultsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for name, pct := range map[string]int{"drop_pct": body.DropPct, "delay_pct": body.DelayPct, "wrong_pct": body.WrongPct} {
		if pct < 0 || pct > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be in [0,100]"})
			return
		}
	}
	if body.MaxMs < body.MinMs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_ms must be >= min_ms"})
		return
	}

	w.SetFaults(faults.Rates{DropPct: body.DropPct, DelayPct: body.DelayPct, WrongPct: body.WrongPct, MinMs: body.MinMs, MaxMs: body.MaxMs})
	c.JSON(http.StatusOK, gin.H{"id": id, "faults": body})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "workers": h.registry.Count()})
}

// Oplog handles GET /oplog?since=N. This is the read-only operator
// export named in spec §7 — it is never reloaded on startup and is not a
// crash-recovery mechanism.
func (h *Handler) Oplog(c *gin.Context) {
	if h.oplog == nil {
		c.JSON(http.StatusOK, gin.H{"records": []struct{}{}})
		return
	}
	since := uint64(0)
	if s := c.Query("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		since = n
	}
	c.JSON(http.StatusOK, gin.H{"records": h.oplog.Oplog().Since(since)})
}
