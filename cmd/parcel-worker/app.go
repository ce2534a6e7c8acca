package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ParcelBox/config"
	"github.com/BearBump/ParcelBox/internal/broker/kafka"
	"github.com/BearBump/ParcelBox/internal/cache/rediscache"
	"github.com/BearBump/ParcelBox/internal/carriers"
	"github.com/BearBump/ParcelBox/internal/services/tracker"
)

type refresher interface {
	RefreshAllActive(ctx context.Context) (map[uint64]carriers.TrackingResult, error)
}

// refreshLoop гоняет обновление всех активных посылок по таймеру и по
// внешнему пинку через Trigger.
type refreshLoop struct {
	svc      refresher
	interval time.Duration

	trigger chan struct{}

	cycles    atomic.Int64
	refreshed atomic.Int64
	failed    atomic.Int64

	mu        sync.Mutex
	lastRunAt time.Time
}

func newRefreshLoop(svc refresher, interval time.Duration) *refreshLoop {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &refreshLoop{
		svc:      svc,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger запускает внеочередной цикл; если цикл уже запрошен — no-op.
func (l *refreshLoop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

func (l *refreshLoop) Stats() map[string]any {
	l.mu.Lock()
	lastRun := l.lastRunAt
	l.mu.Unlock()

	out := map[string]any{
		"cycles":          l.cycles.Load(),
		"refreshed":       l.refreshed.Load(),
		"failed":          l.failed.Load(),
		"intervalSeconds": int(l.interval.Seconds()),
	}
	if !lastRun.IsZero() {
		out["lastRunAt"] = lastRun.UTC().Format(time.RFC3339)
	}
	return out
}

func (l *refreshLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	// Первый цикл сразу, не ждём целый интервал после рестарта.
	l.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.runOnce(ctx)
		case <-l.trigger:
			l.runOnce(ctx)
		}
	}
}

func (l *refreshLoop) runOnce(ctx context.Context) {
	start := time.Now()
	results, err := l.svc.RefreshAllActive(ctx)
	if err != nil {
		slog.Error("refresh cycle failed", "error", err.Error())
		return
	}

	ok, failed := 0, 0
	for _, res := range results {
		if res.Success {
			ok++
		} else {
			failed++
		}
	}

	l.cycles.Add(1)
	l.refreshed.Add(int64(ok))
	l.failed.Add(int64(failed))
	l.mu.Lock()
	l.lastRunAt = start
	l.mu.Unlock()

	slog.Info("refresh cycle done",
		"parcels", len(results), "ok", ok, "failed", failed,
		"took", time.Since(start).String())
}

func runParcelWorker(ctx context.Context, cfg *config.Config) error {
	updatedTopic := cfg.Kafka.ParcelUpdatedTopicName
	if updatedTopic == "" {
		updatedTopic = "parcel.updated"
	}
	carriersDir := cfg.ParcelBox.CarriersDir
	if carriersDir == "" {
		carriersDir = "./carriers"
	}

	interval := time.Duration(cfg.ParcelBox.WorkerRefreshIntervalSeconds) * time.Second
	concurrency := cfg.ParcelBox.WorkerConcurrency
	fetchTimeout := time.Duration(cfg.ParcelBox.WorkerFetchTimeoutSeconds) * time.Second
	rlPerMin := int64(cfg.ParcelBox.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 60
	}

	registry := carriers.NewRegistry(carriersDir, carrierConstructors())
	if err := registry.LoadAll(); err != nil {
		return fmt.Errorf("carriers dir: %w", err)
	}

	st := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
	defer st.Close()

	producer := kafka.NewProducer(cfg.Kafka.Brokers())
	defer func() { _ = producer.Close() }()

	rl := rediscache.NewRateLimiter(cfg.Redis.Addr())

	svc := tracker.New(st, registry).
		WithProducer(producer, updatedTopic).
		WithRateLimiter(rl, rlPerMin).
		WithSettings(concurrency, fetchTimeout)

	if err := svc.EnsureCarriers(ctx); err != nil {
		return fmt.Errorf("ensure carriers: %w", err)
	}

	loop := newRefreshLoop(svc, interval)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: cfg.ParcelBox.WorkerHTTPAddr,
			loop:     loop,
			cfg:      cfg,
		})
	}()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-loopErr:
		return err
	case err := <-httpErr:
		return err
	}
}
