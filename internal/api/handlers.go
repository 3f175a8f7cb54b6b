package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/JurisFlow/IntakeFlow/internal/messaging"
	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/timeout"
)

// healthSnapshot is the GET /health response payload.
type healthSnapshot struct {
	Circuits             map[string]models.CircuitState `json:"circuits"`
	RateLimitedAddresses int                            `json:"rate_limited_addresses"`
	Reengagement         timeout.ReengagementStats      `json:"reengagement"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := healthSnapshot{
		Circuits:             s.exec.Circuits().States(),
		RateLimitedAddresses: s.exec.Limiter().Count(),
	}
	if s.stats != nil {
		snapshot.Reengagement = s.stats.Stats()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snapshot))
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	address, err := messaging.CanonicalizeRecipient(r.PathValue("address"))
	if err != nil {
		slog.Warn("Server.sessionHandler: invalid address", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	sess, err := s.store.GetSessionByAddress(r.Context(), address)
	if errors.Is(err, models.ErrSessionNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("session not found"))
		return
	}
	if err != nil {
		slog.Error("Server.sessionHandler: lookup failed", "error", err, "address", address)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to look up session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}
