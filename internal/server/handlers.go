package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/risk"
	"github.com/haetae-bot/haetae/internal/selection"
	"github.com/haetae-bot/haetae/internal/version"
)

const dateLayout = "2006-01-02"

type componentHealth struct {
	Status string `json:"status"` // ok | degraded | down
	Detail string `json:"detail,omitempty"`
}

// handleLiveness is the bare process-up probe.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "alive",
		"service": "haetae",
		"version": version.Version,
	})
}

// handleHealth reports per-component health. Only a dead database makes
// the platform unhealthy; a lost cache primary or a missing token degrade
// single components while trading-adjacent work continues.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := make(map[string]componentHealth)
	healthy := true

	if err := s.deps.DB.HealthCheck(ctx); err != nil {
		healthy = false
		components["database"] = componentHealth{Status: "down", Detail: err.Error()}
	} else {
		components["database"] = componentHealth{Status: "ok"}
	}

	if err := s.deps.Cache.Ping(ctx); err != nil {
		components["cache"] = componentHealth{Status: "degraded", Detail: err.Error()}
	} else {
		components["cache"] = componentHealth{Status: "ok"}
	}

	if s.deps.Token.Ready() {
		components["token"] = componentHealth{
			Status: "ok",
			Detail: "expires in " + s.deps.Token.ExpiresAt().Sub(s.now()).Round(time.Minute).String(),
		}
	} else {
		components["token"] = componentHealth{Status: "degraded", Detail: "no usable token held"}
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	s.writeJSON(w, status, map[string]any{
		"status":     overall,
		"version":    version.Version,
		"components": components,
		"governor":   s.deps.Governor.Stats(),
	})
}

type batchStatus struct {
	ID        int                  `json:"id"`
	State     selection.BatchState `json:"state"`
	Attempts  int                  `json:"attempts"`
	Stocks    int                  `json:"stocks"`
	LastError string               `json:"last_error,omitempty"`
}

// handleStatus reports today's pipeline: batch states from the plan
// artifact, the selection count and both risk views.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	day := s.now().In(s.loc).Format(dateLayout)

	payload := map[string]any{
		"day":             day,
		"circuit_breaker": s.deps.Breaker.Snapshot(),
		"drawdown":        s.deps.Drawdown.Snapshot(),
	}

	count, err := s.deps.Selections.CountByDate(day)
	if err != nil {
		s.log.Error().Err(err).Msg("Selection count query failed")
	}
	payload["selection_count"] = count

	// The raw artifact, not LoadPlan: its restart reinterpretation of
	// running batches would misreport a batch that is live right now.
	var plan selection.Plan
	if err := artifacts.Read(selection.PlanPath(s.deps.Files, day), &plan); err == nil {
		batches := make([]batchStatus, 0, len(plan.Batches))
		for i := range plan.Batches {
			b := &plan.Batches[i]
			batches = append(batches, batchStatus{
				ID:        b.ID,
				State:     b.State,
				Attempts:  b.Attempts,
				Stocks:    len(b.Entries),
				LastError: b.LastError,
			})
		}
		payload["batches"] = batches
		payload["plan_generated_at"] = plan.GeneratedAt
	}

	s.writeJSON(w, http.StatusOK, payload)
}

// handleRecentErrors serves the error ledger tail, newest first.
func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.deps.Errors.Recent(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Error ledger query failed")
		s.writeError(w, http.StatusInternalServerError, "error ledger query failed")
		return
	}
	if records == nil {
		records = []domain.ErrorRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"errors": records,
		"count":  len(records),
	})
}

// handleTelemetry serves the latest heartbeat snapshot, collecting one on
// demand if the monitor has not run yet.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Telemetry.Last()
	if snap.At.IsZero() {
		snap = s.deps.Telemetry.Collect(r.Context())
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleBreakerReset closes a tripped circuit breaker ahead of its
// cooldown. The caller signs an RFC3339 timestamp with the out-of-band
// reset key; verification lives in the breaker itself.
func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	timestamp := r.Header.Get("X-Reset-Timestamp")
	signature := r.Header.Get("X-Reset-Signature")
	if timestamp == "" || signature == "" {
		s.writeError(w, http.StatusBadRequest, "X-Reset-Timestamp and X-Reset-Signature headers are required")
		return
	}

	prev := s.deps.Breaker.Snapshot()
	if err := s.deps.Breaker.ManualReset(timestamp, signature); err != nil {
		if errors.Is(err, risk.ErrResetDisabled) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Circuit breaker reset refused")
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}

	s.deps.Events.EmitTyped("server", &events.CircuitResetData{
		Manual: true,
		Reason: string(prev.Reason),
	})
	s.log.Info().Str("remote", r.RemoteAddr).Msg("Circuit breaker manually reset")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
