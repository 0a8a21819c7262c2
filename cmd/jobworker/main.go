// Command jobworker runs the page-generation job runner (C7): polls the
// pending queue, dispatches to the scraper/safe-page generator, retries
// with backoff, dead-letters exhausted jobs, and runs the delayed mover
// and metrics refresher loops alongside it. Multiple instances MAY run
// against the same queues (spec §4.7).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloakgate/gateway/internal/api"
	"github.com/cloakgate/gateway/internal/buildinfo"
	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/config"
	"github.com/cloakgate/gateway/internal/jobqueue"
	"github.com/cloakgate/gateway/internal/metrics"
	"github.com/cloakgate/gateway/internal/netutil"
	"github.com/cloakgate/gateway/internal/pagegen"
	"github.com/cloakgate/gateway/internal/state"
)

func main() {
	log.Printf("cloak jobworker %s (commit %s, built %s) starting", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

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

	direct := netutil.NewDirectDownloader(
		func() time.Duration { return envCfg.GeoIPDownloadTimeout },
		func() string { return "cloakgate-jobworker/" + buildinfo.Version },
	)

	executor := &pagegen.Executor{
		PageRoot: envCfg.PageRoot,
		Scraper:  pagegen.HTTPScraper{Downloader: direct},
		SafePage: pagegen.NewTemplateSafePageGenerator(),
	}

	worker := jobqueue.NewWorker(jobqueue.WorkerConfig{
		Cache:                shared,
		Store:                primary,
		Executor:             executor,
		MaxConcurrent:        envCfg.JobMaxConcurrent,
		MaxAttempts:          envCfg.JobMaxAttempts,
		RetryBaseDelay:       envCfg.JobRetryBaseDelay,
		RetryMaxDelay:        envCfg.JobRetryMaxDelay,
		RetryJitterRatio:     envCfg.JobRetryJitterRatio,
		PollTimeout:          envCfg.JobWorkerPollTimeout,
		DelayedMoverInterval: envCfg.JobDelayedMoverInterval,
		MetricsInterval:      envCfg.JobMetricsInterval,
		ShutdownDrain:        envCfg.JobShutdownDrain,
		OnMetrics: func(m jobqueue.Metrics) {
			metrics.JobQueuePending.Set(float64(m.Pending))
			metrics.JobQueueProcessing.Set(float64(m.Processing))
			metrics.JobQueueDelayed.Set(float64(m.Delayed))
			metrics.JobQueueDead.Set(float64(m.Dead))
		},
		OnOutcome: func(outcome string) {
			metrics.JobAttemptsTotal.WithLabelValues(outcome).Inc()
		},
	})

	workerCtx, workerCancel := context.WithCancel(ctx)
	worker.Start(workerCtx)

	registry := metrics.NewRegistry()
	adminSrv := api.NewServer(envCfg.AdminPort, api.Deps{
		AdminToken:      envCfg.AdminToken,
		APIMaxBodyBytes: int64(envCfg.APIMaxBodyBytes),
		JobQueue:        worker,
		Registry:        registry,
	})
	go func() {
		log.Printf("jobworker admin API listening on :%d", envCfg.AdminPort)
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

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin API shutdown error: %v", err)
	}
	log.Println("admin API stopped")

	workerCancel()
	worker.Stop()
	log.Println("job worker stopped")

	if err := shared.Close(); err != nil {
		log.Printf("cache close error: %v", err)
	}
	if err := primary.Close(); err != nil {
		log.Printf("state store close error: %v", err)
	}
	log.Println("jobworker shut down cleanly")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
