package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/openobserve"
	util_log "github.com/jplandry908/openobserve/pkg/util/log"
)

// Exit codes: 0 success, 2 configuration error, 3 storage unavailable,
// 4 migration required.
const (
	exitOK        = 0
	exitConfig    = 2
	exitStorage   = 3
	exitMigration = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	command := "start"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "init-dir":
		return runInitDir(args)
	case "start":
		return runStart(args, false)
	case "migrate":
		return runStart(args, true)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected init-dir, start or migrate)\n", command)
		return exitConfig
	}
}

func runInitDir(args []string) int {
	fs := flag.NewFlagSet("init-dir", flag.ContinueOnError)
	path := fs.String("p", "./data", "Data directory to create.")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if err := openobserve.InitDataDir(*path); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data layout: %v\n", err)
		return exitStorage
	}
	fmt.Printf("initialized data directory %s\n", *path)
	return exitOK
}

func runStart(args []string, migrateOnly bool) int {
	fs := flag.NewFlagSet("openobserve", flag.ContinueOnError)
	configFile := fs.String("config.file", "", "YAML configuration file.")

	var cfg openobserve.Config
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			return exitConfig
		}
		// Flags win over the file; re-parse them on top.
		if err := fs.Parse(args); err != nil {
			return exitConfig
		}
	}
	cfg.ApplyDataDir()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return exitConfig
	}

	logger, err := util_log.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitConfig
	}

	if migrateOnly {
		if err := openobserve.Migrate(cfg, logger); err != nil {
			level.Error(logger).Log("msg", "migration failed", "err", err)
			return exitStorage
		}
		return exitOK
	}

	app, err := openobserve.New(cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to start", "err", err)
		switch {
		case errors.Is(err, openobserve.ErrMigrationRequired):
			return exitMigration
		case apierror.IsKind(err, apierror.KindStorageUnavailable):
			return exitStorage
		default:
			return exitStorage
		}
	}
	if err := app.Run(); err != nil {
		level.Error(logger).Log("msg", "node exited with error", "err", err)
		return 1
	}
	return exitOK
}
