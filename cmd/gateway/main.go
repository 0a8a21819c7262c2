// Command gateway runs the cloak gateway's catch-all HTTP route (C5),
// offer resolver (C8), decision engine (C4), IP intelligence (C1), and log
// pipeline producer (C6), plus the read-only admin/observability API.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cloakgate/gateway/internal/api"
	"github.com/cloakgate/gateway/internal/blacklist"
	"github.com/cloakgate/gateway/internal/buildinfo"
	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/config"
	"github.com/cloakgate/gateway/internal/decision"
	"github.com/cloakgate/gateway/internal/gateway"
	"github.com/cloakgate/gateway/internal/geoip"
	"github.com/cloakgate/gateway/internal/logpipeline"
	"github.com/cloakgate/gateway/internal/metrics"
	"github.com/cloakgate/gateway/internal/netutil"
	"github.com/cloakgate/gateway/internal/offer"
	"github.com/cloakgate/gateway/internal/state"
)

const (
	geoipRetryMax      = 3
	geoipRetryBaseWait = time.Second
	geoipRetryMaxWait  = 30 * time.Second
)

func main() {
	log.Printf("cloak gateway %s (commit %s, built %s) starting", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fatalf("config: %v", err)
	}

	ctx := context.Background()

	primary, err := state.Bootstrap(envCfg.StoreDir)
	if err != nil {
		fatalf("state bootstrap: %v", err)
	}

	shared, err := cache.New(ctx, envCfg.RedisURL)
	if err != nil {
		fatalf("cache: %v", err)
	}

	runtimeCfg, err := loadOrInitRuntimeConfig(primary)
	if err != nil {
		fatalf("runtime config: %v", err)
	}

	direct := netutil.NewDirectDownloader(
		func() time.Duration { return envCfg.GeoIPDownloadTimeout },
		func() string { return "cloakgate-geoip/" + buildinfo.Version },
	)
	downloader := &netutil.RetryDownloader{
		Direct:     direct,
		MaxRetries: geoipRetryMax,
		BaseDelay:  geoipRetryBaseWait,
		MaxDelay:   geoipRetryMaxWait,
	}

	// An empty anonymous-IP path leaves DBFilename empty, which disables that
	// tier (filepath.Base("") would be ".").
	anonymousDBFile := ""
	if envCfg.GeoIPAnonymousDBPath != "" {
		anonymousDBFile = filepath.Base(envCfg.GeoIPAnonymousDBPath)
	}

	geoIntel := geoip.NewIntelligence(geoip.IntelligenceConfig{
		City: geoip.ServiceConfig[geoip.CityRecord]{
			CacheDir:       filepath.Dir(envCfg.GeoIPCityDBPath),
			DBFilename:     filepath.Base(envCfg.GeoIPCityDBPath),
			UpdateSchedule: envCfg.GeoIPUpdateSchedule,
			OpenDB:         geoip.MMDBOpen[geoip.CityRecord],
			Downloader:     downloader,
		},
		ASN: geoip.ServiceConfig[geoip.ASNRecord]{
			CacheDir:       filepath.Dir(envCfg.GeoIPASNDBPath),
			DBFilename:     filepath.Base(envCfg.GeoIPASNDBPath),
			UpdateSchedule: envCfg.GeoIPUpdateSchedule,
			OpenDB:         geoip.MMDBOpen[geoip.ASNRecord],
			Downloader:     downloader,
		},
		Anonymous: geoip.ServiceConfig[geoip.AnonymousRecord]{
			CacheDir:       filepath.Dir(envCfg.GeoIPAnonymousDBPath),
			DBFilename:     anonymousDBFile,
			UpdateSchedule: envCfg.GeoIPUpdateSchedule,
			OpenDB:         geoip.MMDBOpen[geoip.AnonymousRecord],
			Downloader:     downloader,
		},
		Cache: shared,
	})
	if err := geoIntel.Start(); err != nil {
		fatalf("geoip start: %v", err)
	}

	bl := blacklist.NewStore(shared, primary)
	if err := bl.RebuildCache(ctx); err != nil {
		log.Printf("[gateway] initial blacklist cache rebuild failed (continuing; CIDR/UA/geo checks match nothing until a rebuild succeeds): %v", err)
	}

	decisionEngine := decision.New(bl, runtimeCfg, envCfg.DecisionTimeout, geoIntel)
	offers := offer.New(primary, shared)
	defer offers.Close()

	handler := &gateway.Handler{
		Offers:   offers,
		Decision: decisionEngine,
		LogCache: shared,
	}

	logWriter := logpipeline.NewWriter(logpipeline.WriterConfig{
		Cache:           shared,
		Store:           primary,
		BatchSize:       envCfg.LogQueueBatchSize,
		FlushInterval:   envCfg.LogQueueFlushInterval,
		MetricsInterval: envCfg.LogMetricsInterval,
		OnFlush: func(n int) {
			metrics.LogPipelineFlushedTotal.Add(float64(n))
		},
		OnRequeue: func(n int) {
			metrics.LogPipelineRequeuedTotal.Add(float64(n))
		},
		OnQueueDepth: func(pending int64) {
			metrics.LogPipelineQueueDepth.Set(float64(pending))
		},
	})
	logCtx, logCancel := context.WithCancel(ctx)
	logWriter.Start(logCtx)

	registry := metrics.NewRegistry()

	gatewaySrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", envCfg.ListenAddress, envCfg.GatewayPort),
		Handler: handler,
	}
	go func() {
		log.Printf("gateway listening on %s", gatewaySrv.Addr)
		if err := gatewaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("gateway server error: %v", err)
		}
	}()

	adminSrv := api.NewServer(envCfg.AdminPort, api.Deps{
		AdminToken:      envCfg.AdminToken,
		APIMaxBodyBytes: int64(envCfg.APIMaxBodyBytes),
		GeoIP:           geoIntel,
		Registry:        registry,
	})
	go func() {
		log.Printf("admin API listening on :%d", envCfg.AdminPort)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin API server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, shutting down...", sig)
	signal.Stop(quit)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gatewaySrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("gateway shutdown error: %v", err)
	}
	log.Println("gateway stopped")

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin API shutdown error: %v", err)
	}
	log.Println("admin API stopped")

	logCancel()
	logWriter.Stop()
	log.Println("log pipeline writer stopped")

	geoIntel.Stop()
	log.Println("geoip service stopped")

	if err := shared.Close(); err != nil {
		log.Printf("cache close error: %v", err)
	}
	if err := primary.Close(); err != nil {
		log.Printf("state store close error: %v", err)
	}
	log.Println("gateway shut down cleanly")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}

// loadOrInitRuntimeConfig loads the persisted hot-updatable config, seeding
// it with spec defaults (version 1) if no process has ever saved one.
func loadOrInitRuntimeConfig(primary *state.Store) (*config.RuntimeConfig, error) {
	runtimeCfg, _, err := primary.GetSystemConfig()
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if runtimeCfg != nil {
		return runtimeCfg, nil
	}
	runtimeCfg = config.NewDefaultRuntimeConfig()
	if err := primary.SaveSystemConfig(runtimeCfg, 1, time.Now().UnixNano()); err != nil {
		return nil, fmt.Errorf("save default: %w", err)
	}
	return runtimeCfg, nil
}
