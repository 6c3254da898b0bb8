package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/occultashield/shield-api/auth"
	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/handlers"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/middleware"
	"github.com/occultashield/shield-api/pipeline"
	"github.com/occultashield/shield-api/progress"
)

func ListenAndServe(ctx context.Context, addr, apiToken string, coordinator *pipeline.Coordinator, store pipeline.Store, creator handlers.VideoCreator, broker *progress.Broker, verifier *auth.Verifier) error {
	router := NewShieldAPIRouter(apiToken, coordinator, store, creator, broker, verifier)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoVideoID(
		"Starting Shield API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewShieldAPIRouter(apiToken string, coordinator *pipeline.Coordinator, store pipeline.Store, creator handlers.VideoCreator, broker *progress.Broker, verifier *auth.Verifier) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(config.Logger)
	withAuth := middleware.IsAuthorized

	shieldHandlers := &handlers.ShieldAPIHandlersCollection{
		Coordinator: coordinator,
		Store:       store,
		Creator:     creator,
		Broker:      broker,
		Verifier:    verifier,
	}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(shieldHandlers.Ok()))

	// Registration of an already-ingested file; phase-1 starts on subscribe.
	router.POST("/api/video", withLogging(withAuth(apiToken, shieldHandlers.Register())))

	// Progress stream; subscribing to a pending video auto-starts phase-1.
	router.GET("/api/video/:id/progress", withLogging(withAuth(apiToken, shieldHandlers.Progress())))

	// Review surface
	router.POST("/api/video/:id/decisions", withLogging(withAuth(apiToken, shieldHandlers.Decisions())))
	router.POST("/api/video/:id/cancel", withLogging(withAuth(apiToken, shieldHandlers.Cancel())))
	router.GET("/api/video/:id/status", withLogging(withAuth(apiToken, shieldHandlers.Status())))

	return router
}
