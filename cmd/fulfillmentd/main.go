package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/api"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/auth"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/config"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/order"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) >= 2 {
		cmd = args[1]
	}
	var rest []string
	if len(args) > 2 {
		rest = args[2:]
	}

	switch cmd {
	case "serve", "server":
		return runServe(stderr)
	case "migrate":
		return runMigrate(stderr)
	case "run-job":
		return runJob(rest, stdout, stderr)
	case "issue-token":
		return runIssueToken(rest, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: fulfillmentd <command> [arguments]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve                     run the HTTP API and the job scheduler (default)")
	_, _ = fmt.Fprintln(w, "  migrate                   apply the database schema")
	_, _ = fmt.Fprintf(w, "  run-job <name>            run one job once: %s, %s\n", strings.Join(api.JobNames, ", "), api.JobAll)
	_, _ = fmt.Fprintln(w, "  issue-token -sub <id>     sign an operator token (-role admin|system|customer, -ttl 1h)")
	_, _ = fmt.Fprintln(w, "  help                      show this message")
}

// newLogger returns a JSON logger in production and a text logger otherwise.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Production() {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	if cfg.SchedulerEnabled {
		a.scheduler.Start(ctx)
	}
	a.startBackground(ctx)

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "env", cfg.Env)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
			a.scheduler.Wait()
			return 1
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	a.scheduler.Wait()
	return 0
}

func runMigrate(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg, stderr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.Open(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		logger.Error("connect", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := database.Migrate(ctx, db); err != nil {
		logger.Error("migrate", "error", err)
		return 1
	}
	logger.Info("schema applied")
	return 0
}

func runJob(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: fulfillmentd run-job <name>")
		return 2
	}
	name := args[0]
	if name != api.JobAll && !contains(api.JobNames, name) {
		_, _ = fmt.Fprintf(stderr, "Unknown job: %s\n", name)
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	res, runErr := a.server.RunJob(ctx, name, uuid.NewString())
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if runErr != nil {
		logger.Error("job failed", "job", name, "error", runErr)
		return 1
	}
	return 0
}

func runIssueToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sub := fs.String("sub", "", "actor id")
	role := fs.String("role", string(order.RoleAdmin), "actor role")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sub == "" {
		_, _ = fmt.Fprintln(stderr, "issue-token: -sub is required")
		return 2
	}

	cfg := config.Load()
	v := auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer)
	if v == nil {
		_, _ = fmt.Fprintln(stderr, "issue-token: JWT_SECRET is not set")
		return 1
	}
	tok, err := v.Sign(order.Actor{ID: *sub, Role: order.Role(*role)}, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "issue-token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
