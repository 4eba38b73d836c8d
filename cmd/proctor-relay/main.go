// proctor-relay - exam proctoring relay
//
//	proctor-relay serve               Accept students and teacher dashboards
//	proctor-relay hash-password       Print a bcrypt hash for a teacher account
//	proctor-relay roster <action>     Inspect or edit the class roster
//	proctor-relay check-config        Validate the configuration file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"proctord/internal/clock"
	"proctord/internal/config"
	"proctord/internal/health"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/relay"
	"proctord/internal/store"
	"proctord/internal/teacherauth"
	"proctord/internal/validate"
)

var version = "dev"

// minFreeDisk degrades health when the database volume runs low.
const minFreeDisk = 100 << 20

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "hash-password":
		err = cmdHashPassword(os.Args[2:])
	case "roster":
		err = cmdRoster(os.Args[2:])
	case "check-config":
		err = cmdCheckConfig(os.Args[2:])
	case "version":
		fmt.Println("proctor-relay", version)
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
	fmt.Println(`proctor-relay - exam proctoring relay

USAGE:
    proctor-relay <command> [options]

COMMANDS:
    serve               Run the relay
    hash-password       Hash a teacher password for the config file
    roster <action>     list | add-class <class> | add-student <class> <name> | import <file>
    check-config        Validate the configuration
    version             Print the version
    help                Show this help message

Every command accepts -config <path>. Without it the first config.toml,
config.json, or config.yaml found in the working directory, the config
directory, or the data directory is used.`)
}

func configFlag(fs *flag.FlagSet) *string {
	def := config.FindConfigFile()
	if def == "" {
		def = config.ConfigPath()
	}
	return fs.String("config", def, "Configuration file")
}

// relayConfig converts the file settings.
func relayConfig(c *config.Config) relay.Config {
	r := c.Relay
	cfg := relay.DefaultConfig()
	cfg.Network = r.Network
	cfg.Address = r.Address
	cfg.MaxConnections = r.MaxConnections
	cfg.MaxPerIP = r.MaxPerIP
	cfg.RatePerSec = r.RatePerSec
	cfg.Burst = r.Burst
	if r.HeartbeatSec > 0 {
		cfg.HeartbeatInterval = time.Duration(r.HeartbeatSec) * time.Second
	}
	if r.MissedHeartbeats > 0 {
		cfg.MissedHeartbeats = r.MissedHeartbeats
	}
	if r.ExamDurationMin > 0 {
		cfg.ExamDuration = time.Duration(r.ExamDurationMin) * time.Minute
	}
	if r.TimeWarningMinutes != nil {
		cfg.TimeWarnings = append([]int(nil), r.TimeWarningMinutes...)
	}
	cfg.Monitor = monitorConfig(r.Monitor)
	return cfg
}

func monitorConfig(m config.MonitorConfig) relay.MonitorConfig {
	mc := relay.DefaultMonitorConfig()
	if m.WarningThreshold > 0 {
		mc.WarningThreshold = m.WarningThreshold
	}
	if m.CriticalThreshold > 0 {
		mc.CriticalThreshold = m.CriticalThreshold
	}
	if m.DisconnectThreshold > 0 {
		mc.DisconnectThreshold = m.DisconnectThreshold
	}
	if m.MaxScore > 0 {
		mc.MaxScore = m.MaxScore
	}
	if m.DecayIntervalMin > 0 {
		mc.DecayInterval = time.Duration(m.DecayIntervalMin) * time.Minute
	}
	if m.DecayAmount > 0 {
		mc.DecayAmount = m.DecayAmount
	}
	mc.AutoDisconnect = m.AutoDisconnect
	return mc
}

func credentials(c *config.Config) []teacherauth.Credential {
	creds := make([]teacherauth.Credential, 0, len(c.Relay.Teachers))
	for _, t := range c.Relay.Teachers {
		creds = append(creds, teacherauth.Credential{Username: t.Username, PasswordHash: t.PasswordHash})
	}
	return creds
}

// openRoster loads the roster file and merges the configured classes.
func openRoster(c *config.Config) (*validate.Validator, error) {
	v, err := validate.Open(c.Relay.RosterPath)
	if err != nil {
		return nil, err
	}
	for _, class := range c.Relay.Classes {
		if err := v.AddClass(class); err != nil && !errors.Is(err, validate.ErrDuplicate) {
			return nil, fmt.Errorf("roster class %q: %w", class, err)
		}
	}
	return v, nil
}

func setupLogger(c *config.Config) (*logging.Logger, error) {
	lc, err := c.LoggerConfig("proctor-relay")
	if err != nil {
		return nil, err
	}
	l, err := logging.New(lc)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(l)
	return l, nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := configFlag(fs)
	addr := fs.String("addr", "", "Override the listen address")
	debounce := fs.Duration("reload-debounce", config.DefaultDebounce, "Quiet period before a changed config file is reloaded")
	fs.Parse(args)

	loader := config.NewLoader(*cfgPath, config.WithDebounce(*debounce))
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.Relay.Address = *addr
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log, err := setupLogger(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer log.Close()
	logger := log.Logger

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	roster, err := openRoster(cfg)
	if err != nil {
		return err
	}

	audit, err := logging.NewAuditLogger(cfg.Relay.AuditPath, "proctor-relay")
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	auth := teacherauth.New(credentials(cfg),
		teacherauth.WithLogger(logger),
		teacherauth.WithLockout(
			cfg.Relay.LockoutFailures,
			time.Duration(cfg.Relay.LockoutWindowMin)*time.Minute,
			time.Duration(cfg.Relay.LockoutMin)*time.Minute,
		),
	)
	if len(cfg.Relay.Teachers) == 0 {
		logger.Warn("no teacher accounts configured, dashboards cannot log in")
	}

	reg := metrics.NewRegistry("proctord")
	srv, err := relay.New(relayConfig(cfg), st,
		relay.WithLogger(logger),
		relay.WithMetrics(metrics.NewRelayMetrics(reg)),
		relay.WithAudit(audit),
		relay.WithAuthenticator(auth),
		relay.WithValidator(roster),
	)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	logger.Info("relay listening", "address", srv.Addr().String(), "classes", roster.Classes())

	hc := health.NewChecker(clock.Real())
	srv.RegisterHealth(hc)
	hc.Register(&health.Component{
		Name:  "disk",
		Check: health.DiskSpaceCheck(filepath.Dir(cfg.Storage.Path), minFreeDisk),
	})
	hc.SetReady(true)

	var httpSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET "+cfg.Metrics.Path, reg.HTTPHandler())
		mux.Handle("/", srv.HTTPHandler(reg, hc))
		httpSrv = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := relay.ServeHTTP(httpSrv); err != nil {
				logger.Error("operator endpoint failed", "error", err)
			}
		}()
		logger.Info("operator endpoint listening", "address", cfg.Metrics.Address)
	}

	loader.OnChange(func(old, cur *config.Config) {
		for _, field := range config.Diff(old, cur) {
			audit.ConfigChange(field, nil, nil)
		}
		srv.Monitor().UpdateConfig(monitorConfig(cur.Relay.Monitor))
		auth.SetCredentials(credentials(cur))
		logger.Info("relay configuration reloaded")
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	defer loader.Close()
	go logReloadErrors(logger, loader)

	audit.Startup(version, map[string]any{
		"address": srv.Addr().String(),
		"config":  *cfgPath,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	hc.SetReady(false)
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpSrv.Shutdown(ctx)
		cancel()
	}
	if err := srv.Stop(); err != nil {
		logger.Warn("relay stop", "error", err)
	}
	audit.Shutdown(s.String())
	return nil
}

func logReloadErrors(logger *slog.Logger, loader *config.Loader) {
	for err := range loader.Errors() {
		logger.Warn("config reload failed", "error", err)
	}
}

func cmdHashPassword(args []string) error {
	fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
	password := fs.String("p", "", "Password (read from PROCTORD_TEACHER_PASSWORD when empty)")
	fs.Parse(args)

	pw := *password
	if pw == "" {
		pw = os.Getenv("PROCTORD_TEACHER_PASSWORD")
	}
	if pw == "" {
		return errors.New("usage: proctor-relay hash-password -p <password>")
	}
	hash, err := teacherauth.HashPassword(pw)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func cmdCheckConfig(args []string) error {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	cfgPath := configFlag(fs)
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	issues := config.Lint(cfg)
	for _, w := range issues.Warnings() {
		fmt.Printf("warning: %s\n", w.Error())
	}
	if issues.HasErrors() {
		return issues.Errors()
	}
	fmt.Printf("%s: ok\n", *cfgPath)
	return nil
}
