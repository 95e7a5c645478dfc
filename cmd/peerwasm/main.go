package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const Version = "devel"

var (
	configPath string
	addr       string
	publicIP   string
	iceServers strs
	preload    string
	tunnelURL  string
	logLevel   string
	trace      bool
	version    bool
	help       bool
	h          bool
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "relay":
			exit(relayCommand(os.Args[2:]))
		case "dial":
			exit(dialCommand(os.Args[2:]))
		}
	}

	flag.StringVar(&configPath, "config", "", "Path of a TOML configuration file.")
	flag.StringVar(&addr, "addr", "", "Address to serve signaling, status and metrics on.")
	flag.StringVar(&publicIP, "public-ip", "", "Public address advertised in host candidates.")
	flag.Var(&iceServers, "ice-server", "STUN or TURN server url (may be repeated).")
	flag.StringVar(&preload, "preload", "", "Path of a WebAssembly module to load at startup.")
	flag.StringVar(&tunnelURL, "tunnel", "", "Websocket url of a relay to serve through.")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error).")
	flag.BoolVar(&trace, "trace", false, "Log every system call made by the module.")
	flag.BoolVar(&version, "version", false, "Print the version and exit.")
	flag.BoolVar(&help, "help", false, "Print usage information.")
	flag.BoolVar(&h, "h", false, "Print usage information.")
	flag.Parse()

	if version {
		fmt.Println("peerwasm", Version)
		os.Exit(0)
	} else if h || help {
		showUsage()
		os.Exit(0)
	}

	cfg, err := configure(flag.CommandLine, configPath)
	if err != nil {
		exit(err)
	}
	exit(serveCommand(cfg))
}

func exit(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func showUsage() {
	fmt.Printf(`peerwasm - Serve a WebAssembly module to WebRTC peers

USAGE:
   peerwasm [OPTIONS]...
   peerwasm relay [--addr <ADDR>] [--timeout <DURATION>] [--env <NAME=VAL>]...
   peerwasm dial [--url <URL>] [--chunk-size <N>] [<MODULE>]

OPTIONS:
   --config <PATH>
      Read settings from a TOML file, flags take precedence

   --addr <ADDR>
      Address to serve signaling, status and metrics on (default :5794)

   --public-ip <IP>
      Public address advertised in host candidates

   --ice-server <URL>
      STUN or TURN server url, may be repeated

   --preload <MODULE>
      Load the module at startup instead of waiting for an upload

   --tunnel <URL>
      Serve through the relay at this websocket url

   --log-level <LEVEL>
      Log level (debug, info, warn, error)

   --trace
      Log every system call made by the module

   --version
      Print the version and exit

   -h, --help
      Show this usage information
`)
}

// configure builds the configuration from the defaults, the file at path,
// then the flags set on the command line.
func configure(flags *flag.FlagSet, path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = loadConfig(path, cfg); err != nil {
			return Config{}, err
		}
	}
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = addr
		case "public-ip":
			cfg.PublicIP = publicIP
		case "ice-server":
			cfg.ICEServers = iceServers
		case "preload":
			cfg.Preload = preload
		case "tunnel":
			cfg.TunnelURL = tunnelURL
		case "log-level":
			cfg.LogLevel = logLevel
		case "trace":
			cfg.Trace = trace
		}
	})
	return cfg, cfg.validate()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	config := zap.NewProductionConfig()
	config.Level = lvl
	config.Encoding = "console"
	config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	return config.Build()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

const shutdownTimeout = 5 * time.Second

type strs []string

func (s strs) String() string {
	return fmt.Sprintf("%v", []string(s))
}

func (s *strs) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func parseEnv(entries []string) (map[string]string, error) {
	env := make(map[string]string, len(entries))
	for _, entry := range entries {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("environment entry %q is not NAME=VAL", entry)
		}
		env[k] = v
	}
	return env, nil
}
