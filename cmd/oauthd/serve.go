package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/oauth-server"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/server"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/memory"
	"github.com/giantswarm/oauth-server/storage/redis"
)

const (
	cleanupInterval   = time.Minute
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "oauthd",
		Short:         "OAuth 2.0 authorization server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a YAML, JSON or TOML config file")
	if err := bindFlags(v, cmd.Flags()); err != nil {
		panic(fmt.Sprintf("failed to bind flags: %v", err))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	})
	return cmd
}

// serve runs the OAuth endpoints, the metrics endpoint and the stale record
// sweep until ctx is cancelled. Generated client secrets are written to out.
func serve(ctx context.Context, cfg *daemonConfig, logger *slog.Logger, out io.Writer) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	inst, err := instrumentation.New(ctx, instrumentation.Config{
		ServiceName:        instrumentation.DefaultServiceName,
		ServiceVersion:     version,
		Enabled:            cfg.Telemetry.Enabled,
		MetricsExporter:    instrumentation.ExporterPrometheus,
		PrometheusRegistry: registry,
		TracesEndpoint:     cfg.Telemetry.TracesEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, logger, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	srvConfig, err := cfg.serverConfig()
	if err != nil {
		return err
	}
	srv, err := oauth.NewServer(store, srvConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}
	srv.SetInstrumentation(inst)

	if err := seedApplications(ctx, srv, cfg.Applications, logger, out); err != nil {
		return err
	}

	handler := oauth.NewHandler(srv, cfg.handlerConfig(), logger)
	defer handler.Close()

	servers := []*http.Server{{
		Addr:              cfg.Listen,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}}
	if cfg.MetricsListen != "" {
		metrics := inst.MetricsHandler()
		if metrics == nil {
			// Telemetry is off; still serve the runtime collectors.
			metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, hs := range servers {
		g.Go(func() error {
			logger.Info("Listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", hs.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, hs := range servers {
			if err := hs.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", hs.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	g.Go(func() error {
		sweepStaleRecords(ctx, srv, cfg.Storage.Retention, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("Server stopped")
	return err
}

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *daemonConfig, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case backendRedis:
		rc := cfg.Storage.Redis
		store, err := redis.New(ctx, redis.Config{
			Addrs:      rc.Addrs,
			MasterName: rc.MasterName,
			Username:   rc.Username,
			Password:   rc.Password,
			DB:         rc.DB,
			KeyPrefix:  rc.KeyPrefix,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		store.SetInstrumentation(inst)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close redis store", "error", err)
			}
		}, nil
	default:
		// The daemon runs the sweep itself for every backend.
		store := memory.NewWithInterval(-1)
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, store.Stop, nil
	}
}

// seedApplications registers the configured applications that do not exist
// yet. Existing ones are left untouched so restarts against a persistent
// store keep their secrets. Generated secrets go to out, never to the logger.
func seedApplications(ctx context.Context, srv *server.Server, apps []applicationConfig, logger *slog.Logger, out io.Writer) error {
	for _, ac := range apps {
		if ac.UID != "" {
			_, err := srv.Store().GetApplicationByUID(ctx, ac.UID)
			if err == nil {
				logger.Debug("Application already registered", "client_id", ac.UID)
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("failed to look up application %q: %w", ac.Name, err)
			}
		}

		app := ac.application()
		secret, err := srv.RegisterApplication(ctx, app, ac.secret())
		if err != nil {
			return fmt.Errorf("failed to register application %q: %w", ac.Name, err)
		}
		if ac.Confidential && ac.secret() == "" {
			// Generated secrets are only ever shown here.
			if _, err := fmt.Fprintf(out, "client_id=%s client_secret=%s\n", app.UID, secret); err != nil {
				return fmt.Errorf("failed to write generated secret of %q: %w", ac.Name, err)
			}
			logger.Warn("Generated client secret; set secret or secret-env to keep it across restarts", "client_id", app.UID)
		}
	}
	return nil
}

// sweepStaleRecords deletes revoked and expired records every
// cleanupInterval until ctx is done.
func sweepStaleRecords(ctx context.Context, srv *server.Server, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := srv.Cleanup(ctx, retention); err != nil && ctx.Err() == nil {
				logger.Warn("Failed to delete stale records", "error", err)
			}
		}
	}
}
