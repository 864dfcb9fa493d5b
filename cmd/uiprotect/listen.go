package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uilibs/uiprotect-go/internal/config"
	"github.com/uilibs/uiprotect-go/internal/logging"
	"github.com/uilibs/uiprotect-go/internal/protect"
	"github.com/uilibs/uiprotect-go/internal/state"
)

var (
	metricsAddr string
	statCapture int
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Subscribe to the push channel and log every reconciled change",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd.Context())
	},
}

func init() {
	listenCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	listenCmd.Flags().IntVar(&statCapture, "stats", 0, "capture the last N reconciliation decisions and log a summary on exit")
}

func runListen(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("uiprotect starting",
		slog.String("version", Version),
		slog.String("host", cfg.Host),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, store, err := buildClient(cfg, logger)
	if err != nil {
		return err
	}

	// Stop flushes the resume cursor, so the store must outlive it.
	if store != nil {
		defer store.Close()
	}

	defer client.Stop()

	var stats *protect.StatCapture
	if statCapture > 0 {
		stats = client.EnableStats(statCapture)
	}

	unsubscribe, err := client.Subscribe(ctx, func(msg *protect.SubscriptionMessage) {
		logger.Info("change",
			slog.String("action", msg.Action),
			slog.String("model", string(msg.Model)),
			slog.String("id", msg.ID),
			slog.String("fields", strings.Join(msg.ChangedFields, ",")),
			slog.Bool("ping_back", msg.PingBack),
		)
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("metrics listening", slog.String("addr", metricsAddr))

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()

	if stats != nil {
		for _, line := range stats.Summary() {
			logger.Info("reconciliation summary", slog.String("line", line))
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// buildClient assembles the mirror client and its on-disk state store.
// A state store failure is not fatal: the client runs without session
// and cursor persistence.
func buildClient(cfg *config.Config, logger *slog.Logger) (*protect.Client, *state.Store, error) {
	statePath := cfg.StatePath
	if statePath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, nil, err
		}

		statePath = p
	}

	store, err := state.Open(statePath)
	if err != nil {
		logger.Warn("state store unavailable, running without persistence",
			slog.String("path", statePath),
			slog.String("error", err.Error()),
		)

		store = nil
	}

	models, err := cfg.ModelFilter()
	if err != nil {
		return nil, nil, err
	}

	client, err := protect.NewClient(protect.ClientConfig{
		API: protect.APIConfig{
			Host:      cfg.Host,
			Username:  cfg.Username,
			Password:  cfg.Password,
			VerifySSL: cfg.VerifySSL,
		},
		SubscribeModels:     models,
		IgnoreStats:         cfg.IgnoreStats,
		IncludeUnadopted:    cfg.IncludeUnadopted,
		PolicyOverridesPath: cfg.PolicyFile,
		State:               store,
	}, logger)
	if err != nil {
		if store != nil {
			store.Close()
		}

		return nil, nil, err
	}

	return client, store, nil
}
