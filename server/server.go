package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"tunesync/config"
	"tunesync/logger"
)

// Start runs the HTTP API until SIGINT/SIGTERM, then drains in-flight
// requests before returning.
func Start(cfg *config.Config, apiHandler *APIHandler) error {
	router := mux.NewRouter()

	// CORS middleware
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Cron-Token")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Authentication endpoints
	router.HandleFunc("/api/auth/register", apiHandler.RegisterHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/login", apiHandler.LoginHandler).Methods(http.MethodPost)

	// Account endpoints
	router.HandleFunc("/api/account/catalog", apiHandler.AuthMiddleware(apiHandler.UpdateCatalogCredentialsHandler)).Methods(http.MethodPut)

	// Sync endpoints
	router.HandleFunc("/api/sync/start", apiHandler.AuthMiddleware(apiHandler.StartSyncHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/sync/status", apiHandler.AuthMiddleware(apiHandler.SyncStatusHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/sync/progress/ws", apiHandler.WSAuthMiddleware(apiHandler.SyncProgressWSHandler)).Methods(http.MethodGet)

	// Library endpoints
	router.HandleFunc("/api/tracks", apiHandler.AuthMiddleware(apiHandler.ListTracksHandler)).Methods(http.MethodGet)

	// Scheduler trigger
	router.HandleFunc("/api/cron/sync", apiHandler.CronSyncHandler).Methods(http.MethodPost)

	// Health check
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", logger.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down HTTP server", logger.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
