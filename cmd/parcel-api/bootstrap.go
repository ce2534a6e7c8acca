package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ParcelBox/config"
	"github.com/BearBump/ParcelBox/internal/broker/kafka"
	"github.com/BearBump/ParcelBox/internal/cache/rediscache"
	"github.com/BearBump/ParcelBox/internal/carriers"
	"github.com/BearBump/ParcelBox/internal/carriers/dpd"
	"github.com/BearBump/ParcelBox/internal/carriers/evri"
	"github.com/BearBump/ParcelBox/internal/carriers/fake"
	"github.com/BearBump/ParcelBox/internal/carriers/royalmail"
	"github.com/BearBump/ParcelBox/internal/services/mailintake"
	"github.com/BearBump/ParcelBox/internal/services/tracker"
	"github.com/BearBump/ParcelBox/internal/storage/pgparcel"
)

type parcelAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     parcelAPIOpts
	svc      *tracker.Service
	intake   *mailintake.Service
	consumer *kafka.Consumer
	closeDB  func()
}

// carrierConstructors — таблица адаптеров. Новый перевозчик: yaml в каталоге
// конфигов плюс строка здесь.
func carrierConstructors() map[string]carriers.Constructor {
	return map[string]carriers.Constructor{
		"royal-mail": royalmail.New,
		"dpd":        dpd.New,
		"evri":       evri.New,
		"fake":       fake.New,
	}
}

func mustBootstrapParcelAPI() *parcelAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.ParcelBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	carriersDir := cfg.ParcelBox.CarriersDir
	if carriersDir == "" {
		carriersDir = "./carriers"
	}
	updatedTopic := cfg.Kafka.ParcelUpdatedTopicName
	if updatedTopic == "" {
		updatedTopic = "parcel.updated"
	}
	emailTopic := cfg.Kafka.InboundEmailTopicName
	if emailTopic == "" {
		emailTopic = "parcel.inbound-email"
	}
	emailGroup := cfg.Kafka.InboundEmailGroup
	if emailGroup == "" {
		emailGroup = "parcel-api"
	}
	cacheTTL := time.Duration(cfg.ParcelBox.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	registry := carriers.NewRegistry(carriersDir, carrierConstructors())
	if err := registry.LoadAll(); err != nil {
		panic(fmt.Sprintf("carriers dir: %v", err))
	}

	st := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
	rc := rediscache.New(cfg.Redis.Addr())
	producer := kafka.NewProducer(cfg.Kafka.Brokers())

	svc := tracker.New(st, registry).
		WithCache(rc, cacheTTL).
		WithProducer(producer, updatedTopic)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := svc.EnsureCarriers(ctx); err != nil {
		cancel()
		st.Close()
		panic(fmt.Sprintf("ensure carriers: %v", err))
	}

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), emailTopic, emailGroup)

	return &parcelAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: parcelAPIOpts{
			httpAddr:      httpAddr,
			topic:         emailTopic,
			consumerGroup: emailGroup,
		},
		svc:      svc,
		intake:   mailintake.New(svc, registry),
		consumer: consumer,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgparcel.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgparcel.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *parcelAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *parcelAPIApp) Run() error {
	return runParcelAPI(a.ctx, a.opts, a.svc, a.intake, a.consumer)
}
