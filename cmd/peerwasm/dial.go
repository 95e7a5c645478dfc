package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/client"
)

// dialCommand connects to a server, uploads a module if the server asks for
// one, then sends every line read from stdin to the module and prints what
// the module sends back.
func dialCommand(args []string) error {
	cfg := DefaultConfig()
	url := "http://localhost:5794/"

	flags := flag.NewFlagSet("dial", flag.ExitOnError)
	flags.StringVar(&url, "url", url, "Signaling endpoint of the server.")
	flags.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Size of the module upload chunks.")
	flags.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level (debug, info, warn, error).")
	if err := flags.Parse(args); err != nil {
		return err
	}

	var module []byte
	if flags.NArg() > 0 {
		b, err := os.ReadFile(flags.Arg(0))
		if err != nil {
			return fmt.Errorf("could not read WASM file '%s': %w", flags.Arg(0), err)
		}
		module = b
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signalContext()
	defer stop()

	conn, err := client.Dial(ctx, client.Config{
		URL:       url,
		Module:    module,
		ChunkSize: cfg.ChunkSize,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		status, err := conn.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "status: %s\n", status)
		if status == peerwasm.StatusReady {
			break
		}
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := conn.Send(append([]byte(nil), scanner.Bytes()...)); err != nil {
				break
			}
		}
		stop()
	}()

	for {
		b, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, client.ErrClosed) {
				return nil
			}
			return err
		}
		fmt.Printf("%s\n", b)
	}
}
