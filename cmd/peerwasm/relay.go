package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"

	"github.com/stealthrocket/peerwasm/tunnel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func relayCommand(args []string) error {
	var env strs
	cfg := DefaultConfig()

	flags := flag.NewFlagSet("relay", flag.ExitOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to accept requests and the backend on.")
	flags.DurationVar(&cfg.RelayTimeout, "timeout", cfg.RelayTimeout, "Time to wait for the backend to respond.")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error).")
	flags.Var(&env, "env", "Entry of the environment sent to the backend (may be repeated).")
	if err := flags.Parse(args); err != nil {
		return err
	}

	entries, err := parseEnv(env)
	if err != nil {
		return err
	}
	if ip, ok := os.LookupEnv("PUBLIC_IP"); ok {
		if _, set := entries["PUBLIC_IP"]; !set {
			entries["PUBLIC_IP"] = ip
		}
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	relay := &tunnel.Relay{Timeout: cfg.RelayTimeout, Env: entries, Logger: log}
	server := &http.Server{Addr: cfg.Addr, Handler: relay}

	ctx, stop := signalContext()
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relay listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
