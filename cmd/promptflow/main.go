package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rendis/promptflow/internal/connection"
	"github.com/rendis/promptflow/internal/dryrun"
	"github.com/rendis/promptflow/internal/graph"
	"github.com/rendis/promptflow/internal/logging"
	"github.com/rendis/promptflow/internal/scheduler"
	"github.com/rendis/promptflow/internal/store"
	"github.com/rendis/promptflow/internal/streaming"
	"github.com/rendis/promptflow/internal/validation"
	"github.com/rendis/promptflow/pkg/mcp"
	"github.com/rendis/promptflow/pkg/schema"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "validate":
		var ok bool
		ok, err = runValidate(args, os.Stdout)
		if err == nil && !ok {
			os.Exit(1)
		}
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: promptflow [serve|validate <file>...|version]\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "promptflow: %v\n", err)
		os.Exit(1)
	}
}

// runServe wires the store, hub, executor and janitor behind the MCP stdio
// server. Logs go to stderr since stdout carries the protocol.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path (overrides config)")
	logLevel := fs.String("log-level", "", "log level (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, level, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ids, err := graph.NewIDProvider(cfg.IDScheme)
	if err != nil {
		return err
	}
	checker, err := loadChecker(cfg.RulesPath, logger)
	if err != nil {
		return err
	}
	validator, err := validation.NewFlowValidator(nil, nil)
	if err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	defer hub.Close()

	executor := dryrun.New(st,
		dryrun.WithAppender(st),
		dryrun.WithHub(hub),
		dryrun.WithLogger(logger),
	)

	retention, err := cfg.retention()
	if err != nil {
		return err
	}
	janitor, err := scheduler.NewJanitor(st, retention, cfg.PruneSchedule,
		scheduler.WithLogger(logger),
		scheduler.WithHub(hub),
	)
	if err != nil {
		return err
	}
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	srv, err := mcp.NewFlowServer(mcp.FlowServerDeps{
		Store:     st,
		Executor:  executor,
		Validator: validator,
		Checker:   checker,
		IDs:       ids,
		Hub:       hub,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "promptflow serving on stdio", slog.String("db", cfg.DBPath), slog.String("version", version))
	return srv.Serve(ctx)
}

// loadChecker builds a connection checker from a YAML rule file. An empty
// path returns nil so callers fall back to the default rules.
func loadChecker(path string, logger *slog.Logger) (graph.ConnectionChecker, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules: %w", err)
	}
	defer f.Close()
	rules, err := connection.LoadRuleSet(f)
	if err != nil {
		return nil, fmt.Errorf("load rules %s: %w", path, err)
	}
	return connection.NewValidator(rules, connection.DefaultCompatibility(), connection.WithLogger(logger)), nil
}

// runValidate validates each flow file and prints one JSON report per file.
// It reports false when any file has errors.
func runValidate(paths []string, w io.Writer) (bool, error) {
	if len(paths) == 0 {
		return false, fmt.Errorf("validate needs at least one flow file")
	}
	fv, err := validation.NewFlowValidator(nil, nil)
	if err != nil {
		return false, err
	}

	allValid := true
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return false, err
		}
		report := map[string]any{"file": p}
		flow, err := schema.DecodeFlow(data)
		if err != nil {
			report["valid"] = false
			report["errors"] = []string{err.Error()}
			allValid = false
		} else {
			res := fv.Validate(flow)
			report["valid"] = res.Valid()
			report["errors"] = res.Errors
			report["warnings"] = res.Warnings
			allValid = allValid && res.Valid()
		}
		if err := enc.Encode(report); err != nil {
			return false, err
		}
	}
	return allValid, nil
}
