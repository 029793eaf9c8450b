// Worker runs the projection reconciliation sweep: it rebuilds every session from the event
// log and repairs projection rows that are missing or behind. Pass -once to run a single sweep.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"session-control-plane/backend/internal/config"
	"session-control-plane/backend/internal/server"
	"session-control-plane/backend/internal/session/service"
	"session-control-plane/backend/internal/telemetry"
	telemetryotel "session-control-plane/backend/internal/telemetry/otel"
)

func main() {
	once := flag.Bool("once", false, "Run one sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.UseMemoryEventStore() {
		log.Fatal("worker: DATABASE_URL is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName + "-worker",
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			log.Printf("worker: otel shutdown: %v", err)
		}
	}()
	instruments, err := telemetry.NewInstruments(otel.Meter("session-control-plane"))
	if err != nil {
		log.Fatalf("otel metrics: %v", err)
	}

	stores, err := server.OpenStores(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	defer stores.Close()

	rec := service.NewReconciler(stores.Events, stores.Summaries, telemetryotel.NewEventEmitter(providers.LoggerProvider), instruments, cfg.ReconcileBatchSize)
	if *once {
		res, err := rec.SweepOnce(ctx)
		if err != nil {
			log.Fatalf("worker: sweep: %v", err)
		}
		log.Printf("worker: scanned=%d repaired=%d failed=%d", res.Scanned, res.Repaired, res.Failed)
		return
	}

	log.Printf("worker: sweeping every %s", cfg.ReconcileInterval)
	rec.Run(ctx, cfg.ReconcileInterval)
	log.Println("worker: stopped")
}
