// Command autotuned runs the control-plane API (C9) over the process-wide
// singleton (C8): it resolves ambient configuration from the environment
// (spec §6), optionally hot-reloads a YAML range-override bootstrap file,
// and serves HTTP until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vectune/autotune"
	"github.com/vectune/autotune/httpapi"
	"github.com/vectune/autotune/internal/brainengine"
	"github.com/vectune/autotune/internal/config"
	"github.com/vectune/autotune/internal/ratelimit"
	"github.com/vectune/autotune/internal/store"
	"github.com/vectune/autotune/params"
	"github.com/vectune/autotune/policy"
	"github.com/vectune/autotune/telemetry/logging"
	"github.com/vectune/autotune/telemetry/metrics"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	flag.Parse()

	logger := logging.New(slog.Default())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsProvider := buildMetricsProvider()
	cfg := buildStoreConfig(metricsProvider, logger)

	st := store.Global(cfg)

	if configPath := os.Getenv("TUNER_CONFIG_FILE"); configPath != "" {
		watchBootstrap(ctx, configPath, st, logger)
	}

	brainEngine := brainengine.New(brainengine.Config{Metrics: metricsProvider})

	mux := httpapi.NewMux(httpapi.Options{
		Store:   st,
		Brain:   brainEngine,
		Limiter: ratelimit.New(ratelimit.Config{Limit: envInt("AUTOTUNER_RPS", ratelimit.DefaultRPS)}),
		Tokens:  httpapi.ParseTokens(os.Getenv("AUTOTUNER_TOKENS")),
		Metrics: metricsProvider,
		Logger:  logger,
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.InfoCtx(ctx, "autotuned listening", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.ErrorCtx(ctx, "server exited", "error", err.Error())
		os.Exit(1)
	}
}

func buildMetricsProvider() metrics.Provider {
	if os.Getenv("AUTOTUNER_OTEL") == "true" {
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	}
	return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
}

func buildStoreConfig(provider metrics.Provider, logger logging.Logger) store.Config {
	ranges := params.DefaultRanges()
	if bootPath := os.Getenv("TUNER_CONFIG_FILE"); bootPath != "" {
		if boot, err := config.Load(bootPath); err == nil {
			ranges = config.RangesFromBootstrap(ranges, boot)
		} else {
			logger.WarnCtx(context.Background(), "failed to parse bootstrap config, using defaults", "error", err.Error(), "path", bootPath)
		}
	}

	return store.Config{
		StatePath:   os.Getenv("TUNER_STATE_PATH"),
		AutosaveSec: envInt("AUTOTUNER_AUTOSAVE_SEC", store.DefaultAutosaveSec),
		PolicyName:  resolveInitialPolicyName(),
		Logger:      logger,
		ControllerConfig: autotune.Config{
			EfSearchRange:    ranges[params.EfSearch],
			RerankKRange:     ranges[params.RerankK],
			MaxHistory:       envInt("MAX_HISTORY", 2000),
			CompactEvery:     envInt("COMPACT_EVERY", 100),
			CompactKeepEvery: envInt("COMPACT_KEEP_EVERY", 5),
			Logger:           logger,
		},
	}
}

// resolveInitialPolicyName implements the "explicit arg, then env" half of
// spec §4.8's policy resolution order; internal/store.New handles the rest
// (saved snapshot, then RecallFirst) once this value is threaded through as
// Config.PolicyName.
func resolveInitialPolicyName() string {
	name := os.Getenv("TUNER_POLICY")
	if name == "" || !policy.Valid(name) {
		return ""
	}
	return name
}

// watchBootstrap hot-swaps the live Store's clip ranges whenever path
// changes, so TUNER_CONFIG_FILE edits take effect without a restart
// (SPEC_FULL.md §10.5).
func watchBootstrap(ctx context.Context, path string, st *store.Store, logger logging.Logger) {
	w, err := config.NewWatcher(path)
	if err != nil {
		logger.WarnCtx(ctx, "failed to start config watcher", "error", err.Error(), "path", path)
		return
	}
	err = w.Watch(ctx,
		func(b config.Bootstrap) {
			ranges := config.RangesFromBootstrap(params.DefaultRanges(), b)
			st.ApplyRanges(ranges)
			logger.InfoCtx(ctx, "bootstrap config reloaded, ranges hot-swapped", "path", path, "ranges", len(b.Ranges))
		},
		func(e error) {
			logger.WarnCtx(ctx, "bootstrap config reload failed", "error", e.Error(), "path", path)
		},
	)
	if err != nil {
		logger.WarnCtx(ctx, "failed to watch config file", "error", err.Error(), "path", path)
	}
	go func() {
		<-ctx.Done()
		_ = w.Stop()
	}()
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
