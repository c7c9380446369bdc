package web

import (
	"context"
	"net/http"
	"time"
)

// StartWebServer initializes and starts the HTTP API in a new goroutine.
// It takes an AppController, which is an interface implemented by the main
// application.
func StartWebServer(ctx context.Context, controller AppController, addr string) {
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler())
	mux.HandleFunc("/api/status", statusHandler(controller))
	mux.HandleFunc("/api/stop", stopHandler(controller))
	mux.HandleFunc("/api/sessions", sessionsHandler(controller))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		controller.Logger().LogInfo("Starting web API on http://localhost%s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			controller.Logger().LogFatal("Web server failed: %v", err)
		}
	}()

	// Listen for context cancellation to gracefully shut down the server.
	go func() {
		<-ctx.Done()
		controller.Logger().LogInfo("Shutting down web server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			controller.Logger().LogError("Web server graceful shutdown failed: %v", err)
		}
	}()
}
