package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/socialpulse/pulsed/pkg/ledger"
	"github.com/socialpulse/pulsed/pkg/trigger"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTriggerRun creates a run and fires the external workflow.
func (s *server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var payload trigger.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body: " + err.Error()})

		return
	}

	runID, err := s.trigger.Run(r.Context(), &payload)
	if err != nil {
		if errors.Is(err, trigger.ErrEmptyQuery) ||
			errors.Is(err, trigger.ErrNoPlatforms) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{err.Error()})

			return
		}

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"triggering run: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(ledger.StatusPending),
	})
}

// handleListRuns returns one page of runs, most recent first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", defaultPageSize)

	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	runs, total, err := s.store.List(r.Context(), page, pageSize)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs: " + err.Error()})

		return
	}

	if runs == nil {
		runs = []ledger.Run{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":      runs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// handleSearchRuns returns all runs matching the query text.
func (s *server) handleSearchRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"query parameter q is required"})

		return
	}

	runs, err := s.store.Search(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"searching runs: " + err.Error()})

		return
	}

	if runs == nil {
		runs = []ledger.Run{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns a single run by its run ID.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.FindByID(r.Context(), runID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"finding run: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleRunResults returns the analysis rows for a run.
func (s *server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rows, err := s.results.ResultsFor(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusBadGateway,
			errorResponse{"querying results: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"results": rows,
	})
}

// sseHeartbeat keeps idle event streams from being closed by proxies.
const sseHeartbeat = 30 * time.Second

// handleEvents streams run-change events as server-sent events. Events
// carry identity only; clients re-fetch the runs they care about.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"streaming not supported"})

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.store.Events().Subscribe(16)
	defer cancel()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}

			fmt.Fprintf(w, "event: run\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}

	return n
}
