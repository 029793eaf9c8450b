package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"session-control-plane/backend/internal/authgate"
	"session-control-plane/backend/internal/config"
	"session-control-plane/backend/internal/health"
	"session-control-plane/backend/internal/policy/engine"
	"session-control-plane/backend/internal/server"
	"session-control-plane/backend/internal/server/middleware"
	"session-control-plane/backend/internal/session/service"
	"session-control-plane/backend/internal/telemetry"
	telemetryotel "session-control-plane/backend/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	instruments, err := telemetry.NewInstruments(otel.Meter("session-control-plane"))
	if err != nil {
		log.Fatalf("otel metrics: %v", err)
	}
	emitter := telemetryotel.NewEventEmitter(providers.LoggerProvider)

	stores, err := server.OpenStores(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	defer stores.Close()

	tokens, err := server.NewTokenProvider(cfg)
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	policy, err := engine.NewOPAEvaluatorFromFile(ctx, cfg.PermissionPolicyFile)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	svc, err := service.New(service.Config{
		DefaultTTL:           cfg.SessionDefaultTTL,
		MaxTTL:               cfg.SessionMaxTTL,
		DefaultPermissions:   cfg.DefaultPermissionsList(),
		GrantablePermissions: cfg.GrantablePermissionsList(),
		OperationTimeout:     cfg.OperationTimeout,
		ConflictRetries:      cfg.ConflictRetries,
		ProjectionRetries:    cfg.ProjectionRetries,
	}, service.Deps{
		Events:      stores.Events,
		Summaries:   stores.Summaries,
		Transactor:  stores.Transactor,
		Tokens:      tokens,
		Emitter:     emitter,
		Instruments: instruments,
	})
	if err != nil {
		log.Fatalf("session service: %v", err)
	}
	gate := authgate.New(tokens, stores.Summaries, policy, instruments)

	checker := health.NewChecker().AddPolicy("policy", policy)
	stores.AddChecks(checker)

	if cfg.ReconcileInServer && cfg.ReconcileInterval > 0 {
		rec := service.NewReconciler(stores.Events, stores.Summaries, emitter, instruments, cfg.ReconcileBatchSize)
		go rec.Run(ctx, cfg.ReconcileInterval)
	}

	grpcServer, hs := server.NewGRPCServer(server.GRPCDeps{Gate: gate})
	go checker.Watch(ctx, hs, 10*time.Second)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	go func() {
		log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("serve grpc: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewHTTPHandler(server.HTTPDeps{
			Sessions:    svc,
			Auth:        middleware.NewAuth(gate),
			Health:      checker,
			CORSOrigins: cfg.CORSOrigins(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	grpcServer.GracefulStop()

	// Let in-flight async emits finish before the exporters close.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel shutdown: %v", err)
	}
	log.Println("servers stopped")
}
