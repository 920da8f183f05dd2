package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/worker"
)

// handleCron handles POST /api/cron - Run price sync then net worth once
func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	if s.config.CronSecret == "" || s.cron == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Cron trigger is disabled", nil)
		return
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.CronSecret)) != 1 {
		respondServiceError(w, r, apperrors.NewUnauthorizedError("invalid cron secret"))
		return
	}

	// The run outlives a disconnected caller; the lock TTL bounds it
	result, err := s.cron.RunCycle(context.WithoutCancel(r.Context()))
	if errors.Is(err, worker.ErrRunInProgress) {
		respondError(w, http.StatusConflict, ErrCodeRunInProgress, err.Error(), nil)
		return
	}
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"result":  result,
			"error":   "one or more jobs failed",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}
