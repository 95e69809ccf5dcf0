package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serve runs the periodic cycle loop and the status HTTP server until a
// shutdown signal arrives.
func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           statusHandler(eng),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("status server listening", zap.String("addr", listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return cycleLoop(gctx, eng)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// cycleLoop runs one cycle immediately, then one per configured interval.
// Individual cycle failures are logged and recorded in the ledger; only
// context cancellation stops the loop.
func cycleLoop(ctx context.Context, eng *engine) error {
	ticker := time.NewTicker(eng.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		rec, err := eng.orchestrator.RunCycle(ctx)
		if err != nil {
			logger.Error("cycle aborted", zap.Error(err))
		} else {
			logger.Info("cycle finished",
				zap.String("cycle_id", rec.ID),
				zap.String("stage", string(rec.Stage)),
				zap.String("failure_reason", rec.FailureReason))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func statusHandler(eng *engine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		latest, err := eng.ledger.GetStatus("")
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"service":        "autoforge",
			"repository":     eng.cfg.Repo.URL,
			"cycle_interval": eng.cfg.CycleInterval.String(),
			"latest_cycle":   latest,
		})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := eng.ledger.GetStatus(r.URL.Query().Get("cycle_id"))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, st)
	})

	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		history, err := eng.ledger.GetHistory(limit)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, history)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", zap.Error(err))
	}
}

func httpError(w http.ResponseWriter, err error) {
	logger.Error("status endpoint failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
