package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/host"
	"github.com/stealthrocket/peerwasm/router"
	"github.com/stealthrocket/peerwasm/signaling"
	"github.com/stealthrocket/peerwasm/transfer"
	"github.com/stealthrocket/peerwasm/tunnel"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCommand(cfg Config) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signalContext()
	defer stop()
	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hostConfig := host.Config{
		Logger:     log,
		Args:       []string{"peerwasm"},
		Registerer: reg,
	}
	if cfg.Trace {
		hostConfig.Trace = os.Stderr
	}
	h := host.New(hostConfig)

	r := router.New(router.Config{
		Host:          h,
		Logger:        log,
		MaxModuleSize: cfg.MaxModuleSize,
		Registerer:    reg,
	})

	s, err := signaling.New(signaling.Config{
		Router:        r,
		NeedsModule:   func() bool { return h.Residency() == peerwasm.Empty },
		Logger:        log,
		ICEServers:    cfg.ICEServers,
		PublicIP:      cfg.PublicIP,
		GatherTimeout: cfg.NegotiationTimeout,
	})
	if err != nil {
		return err
	}

	if cfg.Preload != "" {
		b, err := os.ReadFile(cfg.Preload)
		if err != nil {
			return fmt.Errorf("could not read WASM file '%s': %w", cfg.Preload, err)
		}
		if cfg.MaxModuleSize > 0 && len(b) > cfg.MaxModuleSize {
			return fmt.Errorf("WASM file '%s' exceeds max_module_size", cfg.Preload)
		}
		h.Load("preload", transfer.Module{Bytes: b, Hash: transfer.Hash(b)})
	}

	mux := http.NewServeMux()
	mux.Handle("/", s)
	mux.Handle("/status", r.StatusHandler())
	if cfg.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(ctx) })
	g.Go(func() error { return r.Run(ctx) })
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return multierr.Combine(server.Shutdown(shutdownCtx), s.Close())
	})
	if cfg.TunnelURL != "" {
		g.Go(func() error {
			backend := &tunnel.Backend{
				URL:     cfg.TunnelURL,
				Handler: mux,
				Logger:  log,
				OnEnv: func(env map[string]string) {
					if ip := env["PUBLIC_IP"]; ip != "" && cfg.PublicIP == "" {
						s.SetPublicIP(ip)
					}
				},
			}
			return backend.Run(ctx)
		})
	}
	return g.Wait()
}
