package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/planfile"
	"github.com/rendis/orchestra/internal/restraint"
	"github.com/rendis/orchestra/internal/validation"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "validate":
		os.Exit(runValidate(args))
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: orchestra [serve|validate|version] [flags]\n", cmd)
		os.Exit(2)
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (default: ~/.orchestra/config.yaml)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, v, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		return 1
	}
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveledLogger(os.Stderr, level, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()

	if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
		current := cfg
		v.OnConfigChange(func(fsnotify.Event) {
			next, err := decodeConfig(v)
			if err != nil {
				logger.Warn("config reload failed", slog.String("error", err.Error()))
				return
			}
			d := diffConfigs(current, next)
			if d.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
				logger.Info("log level changed", slog.String("level", next.LogLevel))
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("config change requires restart", slog.Any("fields", d.RestartNeeded))
			}
			current = next
		})
		v.WatchConfig()
	}

	if err := a.run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// runValidate checks plan documents against the registered steps and
// advisers without opening a store.
func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: orchestra validate <plan-file>...")
		return 2
	}

	reg, advisers, engines, err := newRegistries()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := restraint.RegisterSteps(reg, restraint.NewService(nil, nil, nil, nil)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	pv, err := validation.NewPlanValidator(validation.Lookups{Steps: reg, Advisers: advisers, Guards: engines.CEL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	code := 0
	for _, path := range fs.Args() {
		doc, err := planfile.LoadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			code = 1
			continue
		}
		res := pv.Validate(&doc.Plan)
		for _, w := range res.Warnings {
			fmt.Fprintf(os.Stderr, "%s: warning: %s\n", path, w)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "%s: error: %s\n", path, e)
		}
		if !res.Valid() {
			code = 1
			continue
		}
		fmt.Printf("%s: ok\n", path)
	}
	return code
}
