package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can replace it.
var startServer = runServer

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: selfheal <command> [arguments]")
	_, _ = fmt.Fprintln(w, "\nCommands:")
	_, _ = fmt.Fprintln(w, "  serve    Run the orchestrator (default)")
	_, _ = fmt.Fprintln(w, "  verify   Verify the audit ledger hash chain")
	_, _ = fmt.Fprintln(w, "  export   Export a ledger range as a verifiable bundle")
	_, _ = fmt.Fprintln(w, "  replay   Print the recorded trail of one run")
	_, _ = fmt.Fprintln(w, "  health   Check health of a running orchestrator")
	_, _ = fmt.Fprintln(w, "\nConfiguration is read from SELFHEAL_* environment variables.")
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.SlogLevel()
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := newLogger(cfg, stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := NewServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Close(shutdownCtx)
	}()

	if n, err := svc.Gate.Recover(ctx); err != nil {
		logger.Error("recover undecided proposals", "error", err)
		return 1
	} else if n > 0 {
		logger.Warn("undecided proposals marked failed", "count", n)
	}
	if n, err := svc.Runner.Recover(ctx); err != nil {
		logger.Error("recover interrupted runs", "error", err)
		return 1
	} else if n > 0 {
		logger.Warn("interrupted runs marked failed", "count", n)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           svc.API,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(name string, err error) {
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			return
		}
		errOnce.Do(func() {
			runErr = fmt.Errorf("%s: %w", name, err)
			stop()
		})
	}
	loops := map[string]func() error{
		"scheduler": func() error { return svc.Scheduler.Run(ctx) },
		"runner":    func() error { return svc.Runner.Run(ctx) },
		"approvals": func() error { return svc.Gate.Run(ctx, cfg.ExpiryInterval) },
		"http":      srv.ListenAndServe,
	}
	for name, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(name, loop())
		}()
	}
	logger.Info("selfheal started",
		"addr", cfg.ListenAddr,
		"version", cfg.Version,
		"playbooks", svc.Catalog.Len(),
		"shadow", cfg.ShadowMode,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	wg.Wait()

	if runErr != nil {
		logger.Error("stopped with error", "error", runErr)
		return 1
	}
	return 0
}

func runHealthCmd(stdout io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "Health check failed: %v\n", err)
		return 1
	}
	host, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "Health check failed: %v\n", err)
		return 1
	}
	if host == "" {
		host = "127.0.0.1"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stdout, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
