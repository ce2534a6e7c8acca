package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/ParcelBox/internal/api/parcels_api"
	"github.com/BearBump/ParcelBox/internal/services/mailintake"
	"github.com/BearBump/ParcelBox/internal/services/tracker"
	"github.com/go-chi/chi/v5"
)

type parcelAPIOpts struct {
	httpAddr string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runParcelAPI(ctx context.Context, opts parcelAPIOpts, svc *tracker.Service, intake *mailintake.Service, consumer kafkaConsumer) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8080"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	api := parcels_api.New(svc)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Mount("/", api.Router())

	if consumer != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			err := consumer.Consume(ctx, func(key, value []byte) error {
				return intake.Handle(ctx, key, value)
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("kafka consumer stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
