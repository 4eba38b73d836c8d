// proctord - student-side exam proctoring daemon
//
//	proctord run            Connect to the relay and serve the kiosk bridge
//	proctord config init    Write a default configuration file
//	proctord config show    Print the effective configuration
//	proctord config import  Convert a legacy JSON settings file
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"proctord/internal/agent"
	"proctord/internal/bridge"
	"proctord/internal/config"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/notify"
	"proctord/internal/session"
	"proctord/internal/store"
	"proctord/internal/transport"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "config":
		err = cmdConfig(os.Args[2:])
	case "version":
		fmt.Println("proctord", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`proctord - exam proctoring agent

USAGE:
    proctord <command> [options]

COMMANDS:
    run                 Connect to the relay and serve the kiosk bridge
    config init         Write a default configuration file
    config show         Print the effective configuration
    config import <f>   Convert a legacy exam-monitor JSON settings file
    version             Print the version
    help                Show this help message`)
}

func configFlag(fs *flag.FlagSet) *string {
	def := config.FindConfigFile()
	if def == "" {
		def = config.ConfigPath()
	}
	return fs.String("config", def, "Configuration file")
}

// clientConfig converts the agent settings into a relay client config.
func clientConfig(c *config.Config) transport.ClientConfig {
	cc := transport.DefaultClientConfig(c.Agent.RelayAddress)
	if c.Agent.RelayNetwork != "" {
		cc.Network = c.Agent.RelayNetwork
	}
	if c.Agent.ReconnectAttempts > 0 {
		cc.MaxReconnectAttempts = c.Agent.ReconnectAttempts
	}
	return cc
}

// sessionStore opens the key-value store the identity is persisted in.
// The returned closer is nil for the file store.
func sessionStore(c *config.Config) (session.KVStore, func() error, error) {
	switch c.Session.Store {
	case "sqlite":
		st, err := store.Open(c.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "", "file":
		fs, err := session.NewFileStore(c.Session.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	case "memory":
		return session.NewMemoryStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown session store %q", c.Session.Store)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := configFlag(fs)
	relayAddr := fs.String("relay", "", "Override the relay address")
	debounce := fs.Duration("reload-debounce", config.DefaultDebounce, "Quiet period before a changed config file is reloaded")
	fs.Parse(args)

	loader := config.NewLoader(*cfgPath, config.WithDebounce(*debounce))
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *relayAddr != "" {
		cfg.Agent.RelayAddress = *relayAddr
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lc, err := cfg.LoggerConfig("proctord")
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	log, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(log)
	defer log.Close()
	logger := log.Logger

	kv, closeKV, err := sessionStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	if closeKV != nil {
		defer closeKV()
	}

	notifier := notify.New(cfg.Agent.Notifications, "proctord", logger)
	defer notifier.Close()

	client := transport.NewClient(clientConfig(cfg), logger)
	defer client.Close()

	// The bridge forwards to the agent, and the agent pushes through the
	// bridge, so the handler resolves the agent lazily.
	var a *agent.Agent
	br := bridge.New(cfg.Agent.BridgeSocket,
		bridge.HandlerFunc(func(ctx context.Context, req bridge.Request) (any, error) {
			return a.HandleBridge(ctx, req)
		}),
		bridge.WithLogger(logger),
	)
	a = agent.New(client, kv, agent.ConfigFrom(cfg),
		agent.WithLogger(logger),
		agent.WithNotifier(notifier),
		agent.WithPusher(br),
		agent.WithMetrics(metrics.NewRegistry("proctord")),
	)
	defer a.Close()

	if err := br.Start(); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	defer br.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// An unreachable relay is retried by the client; the bridge keeps
	// serving the kiosk meanwhile.
	if err := a.Start(ctx); err != nil {
		if errors.Is(err, agent.ErrClosed) {
			return err
		}
		logger.Warn("relay not reachable yet", "address", cfg.Agent.RelayAddress, "error", err)
	}

	loader.OnChange(a.Reload)
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	defer loader.Close()
	go func() {
		for err := range loader.Errors() {
			logger.Warn("config reload failed", "error", err)
		}
	}()

	logger.Info("agent running",
		"version", version,
		"relay", cfg.Agent.RelayAddress,
		"bridge", br.Path(),
	)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func cmdConfig(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: proctord config init|show|import <file> [-config path]")
	}
	fs := flag.NewFlagSet("config "+args[0], flag.ExitOnError)
	cfgPath := configFlag(fs)
	force := fs.Bool("force", false, "Overwrite an existing file (init, import)")
	fs.Parse(args[1:])

	switch args[0] {
	case "init":
		if _, err := os.Stat(*cfgPath); err == nil && !*force {
			return fmt.Errorf("%s already exists (use -force to overwrite)", *cfgPath)
		}
		if err := config.SaveConfig(config.DefaultConfig(), *cfgPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", *cfgPath)
		return nil
	case "show":
		cfg, created, err := config.LoadOrCreate(*cfgPath)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(os.Stderr, "created %s\n", *cfgPath)
		}
		fmt.Printf("relay:        %s://%s\n", cfg.Agent.RelayNetwork, cfg.Agent.RelayAddress)
		fmt.Printf("bridge:       %s\n", cfg.Agent.BridgeSocket)
		fmt.Printf("session:      %s (%s)\n", cfg.Session.Path, cfg.Session.Store)
		fmt.Printf("exam:         %d min, warnings %v\n", cfg.Exam.DurationMin, cfg.Exam.WarningMinutes)
		fmt.Printf("heartbeat:    %ds\n", cfg.Reporting.HeartbeatSec)
		fmt.Printf("log level:    %s\n", cfg.Logging.Level)
		return nil
	case "import":
		if fs.NArg() != 1 {
			return errors.New("usage: proctord config import [-config path] [-force] <legacy.json>")
		}
		cfg, err := importLegacy(fs.Arg(0), *cfgPath, *force)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s (exam %d min, heartbeat %ds)\n", *cfgPath, cfg.Exam.DurationMin, cfg.Reporting.HeartbeatSec)
		return nil
	}
	return fmt.Errorf("unknown config action: %s", args[0])
}

// importLegacy converts the JSON settings of the browser-only monitor at
// src and saves the result to dst.
func importLegacy(src, dst string, force bool) (*config.Config, error) {
	if _, err := os.Stat(dst); err == nil && !force {
		return nil, fmt.Errorf("%s already exists (use -force to overwrite)", dst)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, err
	}
	var legacy map[string]any
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse %s: %w", src, err)
	}
	cfg, err := config.MigrateLegacyConfig(legacy)
	if err != nil {
		return nil, err
	}
	if err := config.SaveConfig(cfg, dst); err != nil {
		return nil, err
	}
	return cfg, nil
}
