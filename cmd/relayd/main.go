// Command relayd runs the task orchestration daemon: it opens the store and
// secrets vault, starts the aggregator promoter, and serves the HTTP control
// surface that triggers dispatches and tool discovery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accord-labs/relay/internal/config"
	"github.com/accord-labs/relay/internal/dispatch"
	"github.com/accord-labs/relay/internal/httpapi"
	"github.com/accord-labs/relay/internal/mcp"
	"github.com/accord-labs/relay/internal/persistence"
	"github.com/accord-labs/relay/internal/promoter"
	"github.com/accord-labs/relay/internal/review"
	"github.com/accord-labs/relay/internal/secrets"
	"github.com/accord-labs/relay/internal/shared"
	"github.com/accord-labs/relay/internal/skills"
	"github.com/accord-labs/relay/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Parse()

	if *showVersion {
		fmt.Println("relayd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 && args[0] == "doctor" {
		os.Exit(runDoctorCommand(ctx, args[1:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *quiet {
		cfg.Quiet = true
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	// Tasks left running by a crashed daemon can never finish; park them for
	// a human to retry or cancel.
	recovered, err := store.RecoverOrphanedTasks(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "recovered", recovered)

	vault, err := secrets.Open(cfg.SecretsFile, logger)
	if err != nil {
		fatalStartup(logger, "E_SECRETS_OPEN", err)
	}
	if err := vault.Watch(ctx); err != nil {
		logger.Warn("secrets hot-reload unavailable", "error", err.Error())
	}

	mcpClient := mcp.NewClient(&http.Client{Timeout: cfg.CallTimeout()}, logger)
	dispatcher := dispatch.New(dispatch.Options{
		Store:            store,
		Vault:            vault,
		MCPClient:        mcpClient,
		SkillLoader:      skills.NewLoader(store, logger),
		Escalator:        review.NewEscalator(store, logger),
		Logger:           logger,
		HTTPClient:       &http.Client{Timeout: cfg.RequestTimeout()},
		CallTimeout:      cfg.CallTimeout(),
		BaseURLOverrides: cfg.Gateway.BaseURLs,
	})

	var sweep *promoter.Promoter
	if cfg.Promoter.Disabled {
		logger.Info("promoter disabled by config")
	} else {
		sweep = promoter.New(promoter.Options{
			Store:    store,
			Logger:   logger,
			Schedule: cfg.Promoter.Schedule,
			Dispatch: func(taskID string) {
				go func() {
					dctx := shared.WithTraceID(context.Background(), shared.NewTraceID())
					result := dispatcher.Dispatch(dctx, taskID)
					if result.Status == "error" || result.Status == "failed" {
						logger.Warn("promoted dispatch did not complete",
							"task_id", taskID, "status", result.Status, "message", result.Message)
					}
				}()
			},
		})
		if err := sweep.Start(ctx); err != nil {
			fatalStartup(logger, "E_PROMOTER_START", err)
		}
		defer sweep.Stop()
	}

	api := httpapi.New(httpapi.Config{
		Store:            store,
		Dispatcher:       dispatcher,
		Prober:           mcp.NewProber(mcpClient, store, logger),
		Promoter:         sweep,
		Vault:            vault,
		Logger:           logger,
		AuthToken:        os.Getenv("RELAY_AUTH_TOKEN"),
		DiscoveryTimeout: cfg.DiscoveryTimeout(),
	})
	server := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("daemon listening", "addr", cfg.ListenAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server failed", "error", err.Error())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err.Error())
	}
	logger.Info("daemon stopped")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
