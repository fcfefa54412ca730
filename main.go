// Command canonical-ingester runs chunked backfill jobs that pull raw
// service data from the object store, map it to canonical tables, and
// merge it into the warehouse with SCD change tracking.
//
// It reads one invocation payload (JSON) from a file or stdin, runs
// the requested job to completion, prints the result as JSON, and
// exits. Exit status follows the job outcome: 0 for completed or
// completed_with_errors, 1 for failed or invalid input.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridianlake/canonical-ingester/backfill"
	"github.com/meridianlake/canonical-ingester/ingest"
	"github.com/meridianlake/canonical-ingester/jobstore"
	"github.com/meridianlake/canonical-ingester/mapping"
	"github.com/meridianlake/canonical-ingester/metrics"
	"github.com/meridianlake/canonical-ingester/sizing"
	"github.com/meridianlake/canonical-ingester/storage"
	"github.com/meridianlake/canonical-ingester/warehouse"
)

const orphanAge = 24 * time.Hour

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to config file")
	payloadPath := flag.String("payload", "-", "Path to invocation payload JSON, or - for stdin")
	flag.Parse()

	if err := run(*configPath, *payloadPath); err != nil {
		fmt.Fprintf(os.Stderr, "canonical-ingester: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, payloadPath string) error {
	cfg, err := LoadAppConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	req, err := readPayload(payloadPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resolver, err := mapping.Load(ctx, mapping.NewDirSource(cfg.Mappings.Dir), log)
	if err != nil {
		return fmt.Errorf("failed to load mappings: %w", err)
	}

	wh, err := warehouse.Open(cfg.Warehouse.Path, cfg.Warehouse.Schema, log)
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer wh.Close()

	objects, err := storage.NewLocalStore(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	store, cleanup, err := openJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	m := metrics.New(cfg.Metrics)
	if cfg.Metrics.Enabled {
		go func() {
			log.Info("starting metrics server", zap.String("address", cfg.Metrics.Address))
			if err := m.StartServer(cfg.Metrics.Address); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	proc := ingest.NewProcessor(resolver, wh, objects, sizing.NewProcessor(), m, log)
	orch := backfill.New(cfg.Backfill, store, proc, resolver, wh, m, log)

	if swept, err := orch.SweepOrphans(ctx, orphanAge); err != nil {
		log.Warn("orphan sweep failed", zap.Error(err))
	} else if swept > 0 {
		log.Info("swept orphaned jobs", zap.Int("count", swept))
	}

	result, execErr := orch.Execute(ctx, req)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(out))

	if result.StatusCode >= http.StatusInternalServerError || result.StatusCode == http.StatusBadRequest {
		return execErr
	}
	return nil
}

// readPayload decodes the invocation payload from a file or stdin.
func readPayload(path string) (backfill.Request, error) {
	var req backfill.Request

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return req, fmt.Errorf("failed to read payload: %w", err)
	}

	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse payload: %w", err)
	}
	return req, nil
}

func openJobStore(ctx context.Context, cfg *AppConfig) (jobstore.Store, func(), error) {
	switch cfg.JobStore.Backend {
	case "postgres":
		store, err := jobstore.NewPostgresStore(ctx, cfg.JobStore.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open job store: %w", err)
		}
		return store, store.Close, nil
	default:
		return jobstore.NewMemoryStore(), func() {}, nil
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
