package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"library-client/devserver"
	"library-client/library"
)

func main() {
	cfg := devserver.LoadConfig()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file")
	flag.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "path prefix the API is mounted under")
	flag.Parse()

	logger := library.NewLogger(os.Stderr)

	srv, err := devserver.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting dev server: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	}()

	logger.Infof("library dev server listening on %s (prefix %q, db %s)", cfg.Addr, cfg.Prefix, cfg.DBPath)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("serve: %v", err)
		srv.Close()
		os.Exit(1)
	}
	logger.Infof("dev server stopped")
}
