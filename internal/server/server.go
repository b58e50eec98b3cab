package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

const SHUTDOWN_TIMEOUT = 30 * time.Second

// StartHttpServer serves defaultRouter on port until SIGINT or SIGTERM, then
// shuts the server down and calls onShutdown with the remaining grace period.
func StartHttpServer(logger hclog.Logger, defaultRouter http.Handler, port int,
	onShutdown func(ctx context.Context) error) error {
	// create a new server
	server := &http.Server{
		Addr:     fmt.Sprintf(":%d", port),
		Handler:  defaultRouter,
		ErrorLog: logger.StandardLogger(&hclog.StandardLoggerOptions{}),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Starting server on port: %d", port))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// trap sigterm or interupt and gracefully shutdown the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("Got signal", "signal", sig.String())
	case err := <-serveErr:
		logger.Error("Error starting server", "error", err)
		return err
	}

	// wait max SHUTDOWN_TIMEOUT for current requests and experiments
	ctx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()

	err := server.Shutdown(ctx)
	if onShutdown != nil {
		err = errors.Join(err, onShutdown(ctx))
	}

	return err
}
