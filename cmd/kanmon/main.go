// Command kanmon runs the permission-gated numeric-ID allocation service.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	kanmon "github.com/ashita-ai/kanmon"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("KANMON_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	core, err := kanmon.New(kanmon.WithVersion(version), kanmon.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("kanmon: %w", err)
	}
	defer func() {
		if err := core.Close(context.Background()); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/v1/allocate", core.Gateway().Gate(http.HandlerFunc(newAllocator().allocate)))
	mux.Handle("/admin/cache/invalidate", core.CacheAdminHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", httpPort()),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kanmon listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func httpPort() int {
	// kanmon.New already validated KANMON_PORT via internal/config; re-reading
	// it here just picks the same value for the listener address.
	if v := os.Getenv("KANMON_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			return p
		}
	}
	return 8080
}

// allocator hands out sequential numeric IDs to callers the gateway has
// already approved. It is a stand-in for whatever resource a real deployment
// gates behind kanmon — the interesting part of this binary is the Gate call
// above, not this handler.
type allocator struct {
	mu   sync.Mutex
	next int64
}

func newAllocator() *allocator { return &allocator{next: 1} }

func (a *allocator) allocate(w http.ResponseWriter, r *http.Request) {
	binding, _ := kanmon.BindingFromContext(r.Context())
	result, _ := kanmon.ResultFromContext(r.Context())

	a.mu.Lock()
	id := a.next
	a.next++
	a.mu.Unlock()

	kanmon.WriteWithWarning(w, http.StatusOK, map[string]any{
		"id":    id,
		"appId": binding.AppID,
		"nonce": randomNonce(),
	}, result)
}

func randomNonce() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err != nil {
		return "0"
	}
	return n.String()
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
