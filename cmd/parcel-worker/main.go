package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ParcelBox/config"
	"github.com/BearBump/ParcelBox/internal/carriers"
	"github.com/BearBump/ParcelBox/internal/carriers/dpd"
	"github.com/BearBump/ParcelBox/internal/carriers/evri"
	"github.com/BearBump/ParcelBox/internal/carriers/fake"
	"github.com/BearBump/ParcelBox/internal/carriers/royalmail"
	"github.com/BearBump/ParcelBox/internal/storage/pgparcel"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runParcelWorker(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

func carrierConstructors() map[string]carriers.Constructor {
	return map[string]carriers.Constructor{
		"royal-mail": royalmail.New,
		"dpd":        dpd.New,
		"evri":       evri.New,
		"fake":       fake.New,
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
