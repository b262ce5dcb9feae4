package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	session "github.com/avinashbhat/session-desktop"
	"github.com/avinashbhat/session-desktop/internal/config"
	"github.com/avinashbhat/session-desktop/internal/sessionservice"
)

type serveCommand struct {
	Config string `short:"c" long:"config" env:"SESSION_CONFIG" required:"true" description:"Path to YAML config file"`
}

func (cmd *serveCommand) Execute(args []string) error {
	cfg, err := config.Load(cmd.Config)
	if err != nil {
		return err
	}
	logger := session.NewConsoleLogger(cfg.Level())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	copts, err := serveOptions(cfg, reg, logger)
	if err != nil {
		return err
	}
	c, err := session.Open(ctx, copts...)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.StartDrainSchedule(cfg.Dispatch.DrainSchedule); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = metricsServer(cfg.MetricsAddr, reg)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	logger.Info().Str("schedule", cfg.Dispatch.DrainSchedule).Msg("dispatcher running")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("metrics shutdown")
		}
	}
	return nil
}

// serveOptions maps the daemon configuration onto client options.
func serveOptions(cfg config.Config, reg prometheus.Registerer, logger zerolog.Logger) ([]session.Option, error) {
	copts := []session.Option{
		session.WithAPIURL(cfg.APIURL),
		session.WithLogger(logger),
		session.WithRegisterer(reg),
		session.WithDeliveryTimeout(cfg.Dispatch.DeliveryTimeout),
		session.WithSessionTimeout(cfg.Dispatch.SessionTimeout),
	}
	if cfg.DBPath != "" {
		copts = append(copts, session.WithDBPath(cfg.DBPath))
	}
	if cfg.WSURL != "" {
		copts = append(copts, session.WithWSURL(cfg.WSURL))
	}
	if cfg.Redis.URL != "" {
		copts = append(copts, session.WithRedis(cfg.Redis.URL, cfg.Redis.Prefix))
	}
	if cfg.Dispatch.RateLimit > 0 {
		copts = append(copts, session.WithRateLimit(cfg.Dispatch.RateLimit, cfg.Dispatch.Burst))
	}
	if cfg.TLSCAFile != "" {
		tc, err := sessionservice.TLSConfig(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		copts = append(copts, session.WithTLSConfig(tc))
	}
	return copts, nil
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
}
