package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tunesync/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const progressPollInterval = time.Second

// SyncProgressWSHandler streams live sync progress over a websocket. The
// token rides in the query string because browsers cannot set headers on
// websocket upgrades. The feed pushes a snapshot whenever it changes and
// closes after the terminal (done) snapshot.
func (h *APIHandler) SyncProgressWSHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.progressCache == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Progress feed not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	var lastUpdated time.Time
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			progress, err := h.progressCache.GetProgress(r.Context(), userID)
			if err != nil {
				logger.Warn("failed to poll sync progress",
					logger.Int64("userId", userID), logger.ErrorField(err))
				continue
			}
			if progress == nil || !progress.UpdatedAt.After(lastUpdated) {
				continue
			}
			lastUpdated = progress.UpdatedAt

			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(progress); err != nil {
				logger.Debug("websocket write failed, client gone",
					logger.Int64("userId", userID), logger.ErrorField(err))
				return
			}
			if progress.Done {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "sync complete"))
				return
			}
		}
	}
}
