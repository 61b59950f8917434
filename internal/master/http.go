package master

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pombredanne/scanner-3/internal/models"
)

// NewRouter builds the master's HTTP status API: health, registered workers
// with their last heartbeat, and the job catalog. Job submission is not
// exposed here; jobs arrive through the pipeline entry points.
func NewRouter(sched *Scheduler, logger *zap.Logger, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/v1/workers", func(w http.ResponseWriter, req *http.Request) {
		type workerView struct {
			WorkerStub
			LastHeartbeat *models.WorkerHeartbeat `json:"last_heartbeat,omitempty"`
		}
		workers := sched.Workers()
		out := make([]workerView, 0, len(workers))
		for _, ws := range workers {
			view := workerView{WorkerStub: ws}
			if hb, ok := sched.Heartbeat(ws.InstanceID); ok {
				view.LastHeartbeat = &hb
			}
			out = append(out, view)
		}
		writeJSON(w, logger, http.StatusOK, out)
	})

	r.Get("/v1/jobs", func(w http.ResponseWriter, req *http.Request) {
		jobs, err := sched.Jobs(req.Context())
		if err != nil {
			logger.Error("Failed to list jobs", zap.Error(err))
			writeJSON(w, logger, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, logger, http.StatusOK, jobs)
	})

	return r
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode HTTP response", zap.Error(err))
	}
}
