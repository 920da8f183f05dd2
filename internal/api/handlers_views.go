package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/storage"
)

// AssetsResponse is the body of GET /api/assets
type AssetsResponse struct {
	Assets   []models.Asset `json:"assets"`
	Count    int            `json:"count"`
	CachedAt time.Time      `json:"cachedAt"`
}

// handleGetPortfolio handles GET /api/users/{clerkId}/portfolio
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	clerkID := mux.Vars(r)["clerkId"]
	if clerkID == "" {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("clerkId", "is required"))
		return
	}

	var view storage.PortfolioView
	var key string
	if s.cache != nil {
		key = s.cache.GeneratePortfolioKey(clerkID)
		if s.readCache(r.Context(), key, &view) {
			w.Header().Set("X-Cache", "HIT")
			respondJSON(w, http.StatusOK, view)
			return
		}
	}

	user, err := s.users.GetByClerkID(r.Context(), clerkID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondServiceError(w, r, apperrors.NewNotFoundError("user", clerkID))
			return
		}
		respondServiceError(w, r, apperrors.NewPersistenceError("load user", err))
		return
	}

	view = storage.PortfolioView{
		ClerkID:         user.ClerkID,
		WalletAddress:   user.WalletAddress,
		HasRedeemed:     user.HasRedeemed,
		Portfolio:       user.Portfolio,
		NetWorthHistory: user.NetWorthHistory,
		LastUpdate:      user.LastNetWorthUpdate,
		CachedAt:        s.now().UTC(),
	}
	if view.Portfolio == nil {
		view.Portfolio = []models.PortfolioHolding{}
	}
	if view.NetWorthHistory == nil {
		view.NetWorthHistory = models.NetWorthHistory{}
	}

	if s.cache != nil {
		s.writeCache(r.Context(), key, view, s.config.PortfolioTTL)
	}

	w.Header().Set("X-Cache", "MISS")
	respondJSON(w, http.StatusOK, view)
}

// handleListAssets handles GET /api/assets - Active assets with their prices
func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	var resp AssetsResponse
	var key string
	if s.cache != nil {
		key = s.cache.GenerateAssetsKey()
		if s.readCache(r.Context(), key, &resp) {
			w.Header().Set("X-Cache", "HIT")
			respondJSON(w, http.StatusOK, resp)
			return
		}
	}

	assets, err := s.assets.ListActive(r.Context())
	if err != nil {
		respondServiceError(w, r, apperrors.NewPersistenceError("list assets", err))
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}

	resp = AssetsResponse{Assets: assets, Count: len(assets), CachedAt: s.now().UTC()}
	if s.cache != nil {
		s.writeCache(r.Context(), key, resp, s.config.AssetsTTL)
	}

	w.Header().Set("X-Cache", "MISS")
	respondJSON(w, http.StatusOK, resp)
}

// readCache reports a hit. Cache failures degrade to a miss.
func (s *Server) readCache(ctx context.Context, key string, dest interface{}) bool {
	hit, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("key", key).Warn("cache read failed")
		return false
	}
	return hit
}

func (s *Server) writeCache(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := s.cache.SetWithTTL(ctx, key, value, ttl); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("key", key).Warn("cache write failed")
	}
}

// HistoryResponse is the body of GET /api/users/{clerkId}/history
type HistoryResponse struct {
	ClerkID   string                    `json:"clerkId"`
	From      time.Time                 `json:"from"`
	To        time.Time                 `json:"to"`
	Snapshots []models.NetWorthSnapshot `json:"snapshots"`
}

// handleGetHistory handles GET /api/users/{clerkId}/history?from=&to= - The
// archived series beyond the rolling window. Defaults to the last 30 days.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Net worth archive is disabled", nil)
		return
	}

	clerkID := mux.Vars(r)["clerkId"]
	to := s.now().UTC()
	from := to.AddDate(0, 0, -30)

	query := r.URL.Query()
	if v := query.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("from", "must be RFC3339"))
			return
		}
		from = t
	}
	if v := query.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("to", "must be RFC3339"))
			return
		}
		to = t
	}
	if !from.Before(to) {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("from", "must be before to"))
		return
	}

	snapshots, err := s.history.History(r.Context(), clerkID, from, to)
	if err != nil {
		respondServiceError(w, r, apperrors.NewPersistenceError("read net worth archive", err))
		return
	}
	if snapshots == nil {
		snapshots = []models.NetWorthSnapshot{}
	}

	respondJSON(w, http.StatusOK, HistoryResponse{ClerkID: clerkID, From: from, To: to, Snapshots: snapshots})
}
