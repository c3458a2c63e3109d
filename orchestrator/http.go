package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/izavyalov-dev/chunkrun/internal/observability"
	"github.com/izavyalov-dev/chunkrun/state"
)

// StateView is the payload of GET /api/v1/state.
type StateView struct {
	EnsembleID string                  `json:"ensemble_id"`
	Phase      PhaseState              `json:"phase"`
	Counts     map[state.RunStatus]int `json:"counts"`
}

// NewHTTPHandler wires read-only status endpoints and metrics.
func NewHTTPHandler(service *Service, metrics http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.http")
	}
	if metrics == nil {
		metrics = observability.MetricsHandler()
	}
	ledger := service.Ledger()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /api/v1/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, StateView{
			EnsembleID: ledger.EnsembleID(),
			Phase:      service.State(),
			Counts:     ledger.Counts(),
		})
	})

	mux.HandleFunc("GET /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ledger.Runs())
	})

	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := runID(w, r)
		if !ok {
			return
		}
		run, err := ledger.Get(id)
		if err != nil {
			writeLedgerError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	mux.HandleFunc("GET /api/v1/runs/{id}/lineage", func(w http.ResponseWriter, r *http.Request) {
		id, ok := runID(w, r)
		if !ok {
			return
		}
		lineage, err := ledger.Lineage(id)
		if err != nil {
			writeLedgerError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, lineage)
	})

	return mux
}

func runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("run id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func writeLedgerError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, state.ErrUnknownRun) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	logger.Error("ledger query failed", "event", "ledger_query_failed", "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
