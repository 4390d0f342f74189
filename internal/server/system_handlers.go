package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/nextaction/internal/database"
	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/queue"
	"github.com/aristath/nextaction/internal/scheduler"
)

// SystemHandlers serves health, status and job control endpoints
type SystemHandlers struct {
	db          *database.DB
	queue       *queue.Store
	pool        *queue.Pool
	scheduler   *scheduler.Scheduler
	log         zerolog.Logger
	startupTime time.Time
}

// NewSystemHandlers creates the system handlers
func NewSystemHandlers(db *database.DB, store *queue.Store, pool *queue.Pool, sched *scheduler.Scheduler, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		db:          db,
		queue:       store,
		pool:        pool,
		scheduler:   sched,
		log:         log.With().Str("handlers", "system").Logger(),
		startupTime: time.Now(),
	}
}

// SystemStats is a snapshot of host resource usage
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Queue     QueueStatusResponse `json:"queue"`
	Scheduler scheduler.Status    `json:"scheduler"`
	System    SystemStats         `json:"system"`
	Uptime    string              `json:"uptime"`
	Status    string              `json:"status"`
}

// QueueStatusResponse combines the worker pool state with item counts
type QueueStatusResponse struct {
	Counts map[domain.QueueStatus]int `json:"counts"`
	Pool   queue.Status               `json:"pool"`
}

// HandleHealth reports whether the database answers
// GET /health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.db.HealthCheck(ctx); err != nil {
		h.log.Error().Err(err).Msg("Health check failed")
		writeJSON(w, h.log, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleStatus returns queue, scheduler and host status
// GET /api/status
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	queueStatus, err := h.queueStatus(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, h.log, http.StatusOK, StatusResponse{
		Status:    "ok",
		Uptime:    time.Since(h.startupTime).Round(time.Second).String(),
		Queue:     queueStatus,
		Scheduler: h.scheduler.Status(),
		System:    h.systemStats(),
	})
}

// HandleJobs lists registered jobs
// GET /api/jobs
func (h *SystemHandlers) HandleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, http.StatusOK, h.scheduler.Status())
}

// HandleTriggerJob runs a registered job. With ?wait=true the job runs in the
// request and an overlapping run is answered with 409; otherwise it runs in
// the background.
// POST /api/jobs/{name}/trigger
func (h *SystemHandlers) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if r.URL.Query().Get("wait") == "true" {
		if err := h.scheduler.RunNow(r.Context(), name); err != nil {
			writeError(w, h.log, err)
			return
		}
		writeJSON(w, h.log, http.StatusOK, map[string]string{"job": name, "status": "completed"})
		return
	}

	if err := h.scheduler.TriggerManually(name); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusAccepted, map[string]string{"job": name, "status": "triggered"})
}

// HandleQueue returns the pool state and item counts
// GET /api/queue
func (h *SystemHandlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	status, err := h.queueStatus(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, status)
}

// HandleTriggerQueue wakes the worker pool, or drains the queue inline when
// the pool is not running
// POST /api/queue/trigger
func (h *SystemHandlers) HandleTriggerQueue(w http.ResponseWriter, r *http.Request) {
	processed := h.pool.TriggerManually(r.Context())
	writeJSON(w, h.log, http.StatusAccepted, map[string]int{"processed": processed})
}

func (h *SystemHandlers) queueStatus(ctx context.Context) (QueueStatusResponse, error) {
	counts, err := h.queue.Counts(ctx)
	if err != nil {
		return QueueStatusResponse{}, err
	}
	return QueueStatusResponse{Counts: counts, Pool: h.pool.Status()}, nil
}

// systemStats samples CPU and memory usage; failures degrade to zero
func (h *SystemHandlers) systemStats() SystemStats {
	stats := SystemStats{Goroutines: runtime.NumGoroutine()}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	if memStat, err := mem.VirtualMemory(); err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		stats.MemoryPercent = memStat.UsedPercent
	}

	return stats
}
