// phoneguardd - phone usage violation detection daemon
//
//	phoneguardd [-config path] [-env file]
//
// The daemon receives phone signals (WebSocket clients, IBus), classifies
// them into violations while a session is active, reports each violation to
// the configured collector, and exposes a local control socket for
// phoneguardctl.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"phoneguard/internal/config"
	"phoneguard/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: "+config.ConfigPath()+")")
		envFile     = flag.String("env", ".env", "dotenv file loaded before the environment is read")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("phoneguardd", Version)
		return
	}

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "phoneguardd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if configPath == "" {
		configPath = config.ConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}

	logCfg, err := loggingConfig(cfg.Logging)
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	d, err := New(cfg, Options{Logger: logger, Version: Version, ConfigPath: configPath})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting phoneguardd", "version", Version, "config", configPath)
	return d.Run(ctx)
}

// loggingConfig maps the config file section onto the logger settings.
func loggingConfig(lc config.LoggingConfig) (*logging.Config, error) {
	cfg := logging.DefaultConfig()

	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	cfg.Level = level

	if lc.Format != "" {
		if cfg.Format, err = logging.ParseFormat(lc.Format); err != nil {
			return nil, fmt.Errorf("logging.format: %w", err)
		}
	}
	if lc.Output != "" {
		cfg.Output = lc.Output
	}
	if lc.FilePath != "" {
		cfg.FilePath = lc.FilePath
	}
	if lc.MaxSizeMB > 0 {
		cfg.MaxSize = lc.MaxSizeMB
	}
	if lc.MaxBackups > 0 {
		cfg.MaxBackups = lc.MaxBackups
	}
	if lc.MaxAgeDays > 0 {
		cfg.MaxAge = lc.MaxAgeDays
	}
	return cfg, nil
}
