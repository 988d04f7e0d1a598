package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"tunesync/core/syncer"
	"tunesync/logger"
	"tunesync/model"
)

// CatalogCredentialsRequest carries the remote catalog credentials to store.
type CatalogCredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UpdateCatalogCredentialsHandler encrypts and stores the user's remote
// catalog credentials. Plaintext never touches the database.
func (h *APIHandler) UpdateCatalogCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req CatalogCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	aad := strconv.FormatInt(userID, 10)
	encEmail, err := h.cipher.Encrypt(req.Email, aad)
	if err != nil {
		logger.Error("failed to encrypt catalog email", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	encPassword, err := h.cipher.Encrypt(req.Password, aad)
	if err != nil {
		logger.Error("failed to encrypt catalog password", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := h.userRepo.UpdateCatalogCredentials(r.Context(), userID, encEmail, encPassword); err != nil {
		logger.Error("failed to store catalog credentials", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	logger.Info("catalog credentials updated", logger.Int64("userId", userID))
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StartSyncHandler kicks off a library sync for the authenticated user.
// Returns 202 when a run was started and 409 when one is already live.
func (h *APIHandler) StartSyncHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	err = h.syncService.StartSync(r.Context(), userID)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "sync started"})
	case errors.Is(err, syncer.ErrAlreadySyncing):
		respondWithError(w, http.StatusConflict, "Sync already in progress")
	case errors.Is(err, syncer.ErrNoCredentials):
		respondWithError(w, http.StatusBadRequest, "No catalog credentials on file")
	default:
		logger.Error("failed to start sync",
			logger.Int64("userId", userID), logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// SyncStatusHandler reports the durable run-state plus, while a run is
// live, the latest cached progress snapshot.
func (h *APIHandler) SyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil || user == nil {
		logger.Error("failed to load user for status", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	response := map[string]any{
		"syncing":        user.Syncing,
		"syncStartedAt":  user.SyncStartedAt,
		"syncFinishedAt": user.SyncFinishedAt,
		"lastSyncedAt":   user.LastSyncedAt,
		"trackCount":     user.TrackCount,
		"mergedCount":    user.MergedCount,
		"deletedCount":   user.DeletedCount,
		"meanDurationMs": user.MeanDurationMs,
	}

	if user.Syncing && h.progressCache != nil {
		progress, err := h.progressCache.GetProgress(r.Context(), userID)
		if err != nil {
			logger.Warn("failed to load sync progress",
				logger.Int64("userId", userID), logger.ErrorField(err))
		} else if progress != nil {
			response["progress"] = progress
		}
	}

	respondWithJSON(w, http.StatusOK, response)
}

// CronSyncHandler triggers a sync for every eligible user. Guarded by a
// shared token so only the scheduler can call it.
func (h *APIHandler) CronSyncHandler(w http.ResponseWriter, r *http.Request) {
	if h.cfg.CronToken == "" || r.Header.Get("X-Cron-Token") != h.cfg.CronToken {
		respondWithError(w, http.StatusForbidden, "Forbidden")
		return
	}

	started, err := h.syncService.StartAll(r.Context())
	if err != nil {
		logger.Error("cron sync trigger failed",
			logger.Int("started", started), logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	logger.Info("cron sync triggered", logger.Int("started", started))
	respondWithJSON(w, http.StatusOK, map[string]int{"started": started})
}

// ListTracksHandler returns one page of the authenticated user's library.
func (h *APIHandler) ListTracksHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	tracks, err := h.trackRepo.ListByUser(r.Context(), userID, offset, limit)
	if err != nil {
		logger.Error("failed to list tracks",
			logger.Int64("userId", userID), logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	total, err := h.trackRepo.CountByUser(r.Context(), userID)
	if err != nil {
		logger.Error("failed to count tracks",
			logger.Int64("userId", userID), logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if tracks == nil {
		tracks = []*model.Track{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"tracks": tracks,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}
