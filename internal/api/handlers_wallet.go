package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	apperrors "github.com/memefolio/internal/errors"
)

// handleSaveWallet handles POST /api/wallet - Create the user's custodial wallet
func (s *Server) handleSaveWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClerkID string `json:"clerkId"`
		Email   string `json:"email"`
	}

	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	req.ClerkID = strings.TrimSpace(req.ClerkID)
	if req.ClerkID == "" {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("clerkId", "is required"))
		return
	}

	info, err := s.wallets.SaveWallet(r.Context(), req.ClerkID, strings.TrimSpace(req.Email))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if info.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, info)
}

// handleRedeem handles POST /api/users/{clerkId}/redeem - Export the private key once
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	clerkID := mux.Vars(r)["clerkId"]
	if clerkID == "" {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("clerkId", "is required"))
		return
	}

	result, err := s.wallets.Redeem(r.Context(), clerkID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, result)
}
