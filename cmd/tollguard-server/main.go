package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/tollguard/internal/admin"
	"github.com/ocx/tollguard/internal/anchor"
	"github.com/ocx/tollguard/internal/api"
	"github.com/ocx/tollguard/internal/card"
	"github.com/ocx/tollguard/internal/clockservice"
	"github.com/ocx/tollguard/internal/decisionlog"
	"github.com/ocx/tollguard/internal/events"
	"github.com/ocx/tollguard/internal/fraud"
	"github.com/ocx/tollguard/internal/ingest"
	"github.com/ocx/tollguard/internal/ledgerclient"
	"github.com/ocx/tollguard/internal/metrics"
	"github.com/ocx/tollguard/internal/nonceledger"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/ratelimit"
	"github.com/ocx/tollguard/internal/registry"
	"github.com/ocx/tollguard/internal/trust"
	"github.com/ocx/tollguard/internal/vdf"
)

// nonceRetention bounds how long a seen nonce is remembered — comfortably
// past any crypto.max_timestamp_drift_sec window a stale-but-not-yet-expired
// replay could arrive in.
const nonceRetention = 1 * time.Hour

func main() {
	store, err := policy.NewStore(getEnvOrDefault("TOLLGUARD_POLICY_FILE", ""))
	if err != nil {
		log.Fatalf("failed to load policy: %v", err)
	}
	pol := store.Get()

	bus := events.NewEventBus()
	reg := registry.New()
	clock := clockservice.System{}
	m := metrics.New()

	var nonces nonceledger.Store
	if pol.Redis.Enabled {
		slog.Info("nonce ledger backed by redis for cross-replica dedup", "addr", pol.Redis.Addr)
		nonces = nonceledger.NewRedis(pol.Redis.Addr, pol.Redis.Password, pol.Redis.DB, nonceRetention)
	} else {
		nonces = nonceledger.New(nonceRetention)
	}
	defer nonces.Stop()

	limiter := ratelimit.New(pol.RateLimit.RatePerSecond, float64(pol.RateLimit.Burst))
	verifier := ingest.New(reg, nonces, limiter, store)
	engine := trust.New(reg, store, bus)

	// No live ML scorer endpoint is wired in this deployment, so fusion
	// degrades to the rule layer only: both ML scores are nil and the
	// isolation flag stays 0 (spec §4.3's documented
	// "treat unavailability as neutral" behavior).
	detector := fraud.New(store, fraud.NullScorer{}, fraud.NullScorer{}, fraud.NullScorer{})

	cards := card.New()
	decisions := decisionlog.New(bus)
	chain := vdf.New(pol.VDF.Difficulty, pol.VDF.CheckpointGranularity)

	ledger := ledgerclient.NewMock()
	anchors := anchor.New(store, ledger, bus)

	adminSurface := admin.New(store, reg, engine, nonces, chain, anchors, decisions, limiter, []byte(pol.Admin.APIKey))

	server := api.New(store, reg, verifier, engine, detector, cards, decisions, chain, anchors, adminSurface, bus, clock, m)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	go anchors.Run(shutdownCtx, 1*time.Second)
	go server.RunCrossStatsRefresher(shutdownCtx)
	go trustDecaySweep(shutdownCtx, reg, engine, clock)
	server.StartVDFWorkers(shutdownCtx)

	httpServer := &http.Server{
		Addr:         ":" + getEnvOrDefault("TOLLGUARD_PORT", "8080"),
		Handler:      server.Router(),
		ReadTimeout:  pol.Timeouts.IngestDeadline + 2*time.Second,
		WriteTimeout: pol.Timeouts.IngestDeadline + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")
		shutdownCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("tollguard starting", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	slog.Info("server stopped")
}

// trustDecaySweep ticks every reader once a minute so idle readers recover
// trust even without new ingest traffic (spec §4.2's recovery formula).
func trustDecaySweep(ctx context.Context, reg *registry.Registry, engine *trust.Engine, clock clockservice.Clock) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clock.Now()
			for _, r := range reg.All() {
				_ = engine.Tick(r.ReaderID, now)
			}
		}
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
