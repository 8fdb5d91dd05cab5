package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/pattoo-project/pattood/pkg/config"
	"github.com/pattoo-project/pattood/pkg/logger"
	"github.com/pattoo-project/pattood/pkg/receive"
	"github.com/pattoo-project/pattood/pkg/spool"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
	shutdownTimeout    = 30 * time.Second
)

// newRouter mounts the receiver under the API prefix.
func newRouter(handler *receive.Handler) *mux.Router {
	router := mux.NewRouter()
	handler.Register(router.PathPrefix(config.APIPrefix).Subrouter())
	return router
}

func main() {
	log := logger.New(config.APIDName)
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}

	sp, err := spool.New(cfg.AgentCacheDirectory())
	if err != nil {
		log.Fatalw("Failed to initialize spool", "error", err)
	}
	log.Infow("Spool directory ready", "directory", sp.Dir())

	handler := receive.NewHandler(sp, log)
	router := newRouter(handler)

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Infow("Receiver listening",
			"addr", cfg.ListenAddr(),
			"receive", config.APIPrefix+"/receive/{source}",
			"status", config.APIPrefix+"/status")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("Server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Server shutdown incomplete", "error", err)
	}
	log.Info("Receiver exited cleanly")
}
