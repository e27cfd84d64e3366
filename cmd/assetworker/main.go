// Command assetworker runs the asset execution engine's planner/runner
// loop: on an interval, it resolves every enabled root and fanout root,
// satisfying ingest prerequisites and materializing segments/post corpora
// as needed, while a housekeeping job prunes the decision log and reports
// abandoned in_progress rows alongside it.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/engine"
	"github.com/graphassets/engine/domain/assets/ingest"
	"github.com/graphassets/engine/domain/assets/registry"
	"github.com/graphassets/engine/infrastructure/assetstore"
	assetmigrations "github.com/graphassets/engine/infrastructure/assetstore/migrations"
	"github.com/graphassets/engine/infrastructure/cache"
	"github.com/graphassets/engine/infrastructure/decisionlog"
	"github.com/graphassets/engine/infrastructure/housekeeping"
	"github.com/graphassets/engine/infrastructure/lease"
	"github.com/graphassets/engine/infrastructure/metrics"
	"github.com/graphassets/engine/infrastructure/ratelimit"
	"github.com/graphassets/engine/infrastructure/resilience"
	"github.com/graphassets/engine/infrastructure/socialgraph"
	graphmigrations "github.com/graphassets/engine/infrastructure/socialgraph/migrations"
	"github.com/graphassets/engine/internal/platform/database"
	"github.com/graphassets/engine/pkg/config"
	"github.com/graphassets/engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	singleTick := flag.Bool("single-tick", false, "run exactly one engine tick then exit")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for the Prometheus /metrics endpoint")
	materializeInstanceID := flag.Int64("materialize-instance-id", 0, "materialize a single instance on demand, print its outcome as JSON, and exit")
	triggerReason := flag.String("trigger-reason", "", "trigger_reason recorded on the on-demand materialization; defaults to on_demand")
	flag.Parse()

	var cfg *config.Config
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		loaded, err := config.LoadFile(trimmed)
		if err != nil {
			log.Fatalf("load config %s: %v", trimmed, err)
		}
		cfg = loaded
	} else {
		loaded, err := config.Load()
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	log0 := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	rootCtx := context.Background()
	db, err := database.Open(rootCtx, cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	configurePool(db, cfg.Database)

	if cfg.Database.MigrateOnStart {
		if err := runStartupMigrations(rootCtx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	store := assetstore.New(db)
	graphStore := socialgraph.New(db)

	zlog := newZerolog(cfg.DecisionLog)
	repo := decisionlog.New(store, zlog, cfg.DecisionLog.TraceEnabled, cfg.DecisionLog.RetentionDays)

	leaseManager := lease.New(db)

	limiter := ratelimit.New(ratelimit.RateLimitConfig{
		RequestsPerSecond: cfg.Ingest.RequestsPerSecond,
		Burst:             cfg.Ingest.Burst,
	})

	upstream := socialgraph.NewUpstreamClient(
		cfg.Ingest.UpstreamBaseURL,
		time.Duration(cfg.Ingest.UpstreamTimeoutMs)*time.Millisecond,
		graphStore,
		store,
	)

	ingestPlanner := &ingest.Planner{
		Reader:  store,
		Client:  upstream,
		Lease:   leaseManager,
		Limiter: limiter,
	}

	reg := registry.New()
	if err := reg.Validate(); err != nil {
		log.Fatalf("registry is not acyclic: %v", err)
	}

	outcomeCache := cache.New(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, time.Duration(cfg.Cache.TTLMs)*time.Millisecond)

	engineMetrics := metrics.NewEngineMetrics()

	eng := engine.New(repo, reg, leaseManager, ingestPlanner, graphStore, log0, engineMetrics, engine.Config{
		LockTimeoutMs:        cfg.Engine.LockTimeoutMs,
		PostsMaxQueryLength:  cfg.Engine.PostsMaxQueryLength,
		HTTPSnapshotMaxBytes: cfg.Engine.HTTPSnapshotMaxBytes,
	})

	if *materializeInstanceID > 0 {
		runOnDemandMaterialize(rootCtx, eng, store, outcomeCache, assets.InstanceID(*materializeInstanceID), *triggerReason, log0)
		return
	}

	hk := housekeeping.New(store, log0, cfg.DecisionLog.RetentionDays, time.Duration(cfg.Housekeeping.StaleInProgressAfterMs)*time.Millisecond)
	if err := hk.Start(cfg.Housekeeping.Schedule); err != nil {
		log.Fatalf("start housekeeping: %v", err)
	}
	defer hk.Stop()

	go serveMetrics(*metricsAddr, log0)

	ctx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log0.Infof("assetworker starting (interval=%dms single_tick=%v)", cfg.Engine.IntervalMs, *singleTick || cfg.Engine.SingleTick)

	if err := eng.RunLoop(ctx, engine.LoopOptions{
		Interval:   time.Duration(cfg.Engine.IntervalMs) * time.Millisecond,
		SingleTick: *singleTick || cfg.Engine.SingleTick,
	}); err != nil && err != context.Canceled {
		log0.Errorf("engine loop exited: %v", err)
	}
}

// runOnDemandMaterialize is the CLI-only materialize path: it checks the
// outcome cache first (in case another assetworker process just resolved
// the same instance at the same params hash), falls through to the engine
// on a miss, then populates the cache for the next caller. There is
// deliberately no HTTP server surface alongside it.
func runOnDemandMaterialize(ctx context.Context, eng *engine.Engine, store *assetstore.Store, outcomeCache *cache.OutcomeCache, instanceID assets.InstanceID, triggerReason string, log0 *logger.Logger) {
	instance, err := store.GetAssetInstanceByID(ctx, instanceID)
	if err != nil || instance == nil {
		log.Fatalf("materialize-instance-id %d: lookup instance: %v", instanceID, err)
	}

	if cached, ok, err := outcomeCache.Get(ctx, instanceID, instance.ParamsHash); err != nil {
		log0.Warnf("on-demand materialize: cache get failed, falling through to engine: %v", err)
	} else if ok {
		printOutcomeJSON(cached)
		return
	}

	outcome, err := eng.MaterializeInstanceByID(ctx, instanceID, triggerReason)
	if err != nil {
		log.Fatalf("materialize-instance-id %d: %v", instanceID, err)
	}
	if err := outcomeCache.Set(ctx, instanceID, instance.ParamsHash, outcome); err != nil {
		log0.Warnf("on-demand materialize: cache set failed: %v", err)
	}
	printOutcomeJSON(outcome)
}

func printOutcomeJSON(o engine.Outcome) {
	payload, err := json.Marshal(cache.CachedOutcome{
		InstanceID:        int64(o.InstanceID),
		MaterializationID: materializationIDPtr(o.MaterializationID),
		OutputRevision:    o.OutputRevision,
		Status:            string(o.Status),
		ErrorMessage:      o.ErrorMessage,
	})
	if err != nil {
		log.Fatalf("marshal outcome: %v", err)
	}
	fmt.Println(string(payload))
}

func materializationIDPtr(id *assets.MaterializationID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

// runStartupMigrations applies both schema sets with retry, since a
// freshly-started Postgres container (common in compose-based local
// deployments) may still be accepting connections but not yet ready for
// DDL under load.
func runStartupMigrations(ctx context.Context, db *sql.DB) error {
	retryCfg := resilience.DefaultRetryConfig()
	if err := resilience.Retry(ctx, retryCfg, func() error { return assetmigrations.Apply(ctx, db) }); err != nil {
		return err
	}
	return resilience.Retry(ctx, retryCfg, func() error { return graphmigrations.Apply(ctx, db) })
}

func configurePool(db *sql.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}
}

func newZerolog(cfg config.DecisionLogConfig) zerolog.Logger {
	out := os.Stdout
	if strings.EqualFold(cfg.TraceOutput, "stderr") {
		out = os.Stderr
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func serveMetrics(addr string, log0 *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log0.Warnf("metrics server exited: %v", err)
	}
}

