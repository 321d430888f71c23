package app

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nuetzliches/pantrysync/internal/entity"
	"github.com/nuetzliches/pantrysync/internal/transport"
	"github.com/nuetzliches/pantrysync/internal/worker"
)

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	serverURL := fs.String("server", "", "sync server base URL")
	token := fs.String("token", "", "bearer token (or PANTRYSYNC_TOKEN)")
	dbPath := fs.String("db", defaultDBPath, "path to queue db file")
	dbDriver := fs.String("db-driver", "sqlite", "queue backend (sqlite|bolt|memory)")
	userID := fs.String("user", "", "user id stamped into checkpoints")
	householdID := fs.String("household", "", "household id stamped into checkpoints")
	pollInterval := fs.Duration("poll-interval", worker.DefaultPollInterval, "delivery loop poll interval")
	checkpointTTL := fs.Duration("checkpoint-ttl", worker.DefaultCheckpointTTL, "crash recovery checkpoint lifetime")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	logOutput := fs.String("log-output", "stderr", "log sink (stdout|stderr|file)")
	logFile := fs.String("log-file", "", "log file path when --log-output=file")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	traceCollector := fs.String("trace-collector", "", "OTLP trace collector endpoint URL")
	traceInsecure := fs.Bool("trace-insecure", false, "send traces over plain HTTP")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger, logCloser, err := newLoggerToSink(*logLevel, *logOutput, *logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)

	releasePIDFile, err := claimPIDFile(strings.TrimSpace(*pidFile))
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if strings.TrimSpace(*dotenvPath) != "" {
		if err := loadDotenv(strings.TrimSpace(*dotenvPath)); err != nil {
			logger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	server := firstNonEmpty(*serverURL, os.Getenv("PANTRYSYNC_SERVER"))
	bearer := firstNonEmpty(*token, os.Getenv("PANTRYSYNC_TOKEN"))
	if server == "" {
		fmt.Fprintln(os.Stderr, "run: --server (or PANTRYSYNC_SERVER) is required")
		return 2
	}
	if bearer == "" {
		fmt.Fprintln(os.Stderr, "run: --token (or PANTRYSYNC_TOKEN) is required")
		return 2
	}

	tracingEnabled := strings.TrimSpace(*traceCollector) != ""
	if tracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), *traceCollector, *traceInsecure, func(err error) {
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	store, storeCloser, err := openStore(*dbDriver, *dbPath, logger)
	if err != nil {
		logger.Error("queue_open_failed", slog.Any("err", err))
		return 1
	}
	if storeCloser != nil {
		defer func() { _ = storeCloser.Close() }()
	}

	clientOpts := []transport.ClientOption{
		transport.WithClientLogger(logger),
	}
	if hc := tracingHTTPClient(tracingEnabled); hc != nil {
		clientOpts = append(clientOpts, transport.WithHTTPClient(hc))
	}
	client, err := transport.NewClient(server, bearer, clientOpts...)
	if err != nil {
		logger.Error("client_init_failed", slog.Any("err", err))
		return 1
	}

	proc := worker.NewProcessor(store, client,
		worker.WithLogger(logger),
		worker.WithPollInterval(*pollInterval),
		worker.WithCheckpointTTL(*checkpointTTL),
		worker.WithIdentity(strings.TrimSpace(*userID), strings.TrimSpace(*householdID)),
		worker.WithEvents(worker.Events{
			OnInvalidate: func(t entity.Type) {
				logger.Debug("cache_invalidated", slog.String("entity_type", string(t)))
			},
			OnServerID: func(t entity.Type, localID, serverID string) {
				logger.Info("server_id_assigned",
					slog.String("entity_type", string(t)),
					slog.String("local_id", localID),
					slog.String("server_id", serverID),
				)
			},
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("pantrysync_started",
		slog.String("version", version),
		slog.String("server", server),
		slog.String("db_driver", *dbDriver),
	)

	// The delivery loop exits on its own once the queue drains; new writes
	// signal the wake channel and the loop is re-armed here.
	proc.Start()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown_signal_received")
			proc.Stop()
			logger.Info("pantrysync_stopped")
			return 0
		case <-store.Wake():
			proc.Start()
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
