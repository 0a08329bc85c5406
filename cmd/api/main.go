package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"authzcore.org/internal/approval"
	"authzcore.org/internal/audit"
	"authzcore.org/internal/authz"
	"authzcore.org/internal/cache"
	"authzcore.org/internal/engine"
	"authzcore.org/internal/httpapi"
	"authzcore.org/internal/license"
	"authzcore.org/internal/obs"
	"authzcore.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	cfg := engine.DefaultConfig()
	if raw := os.Getenv("AUTHZCORE_MODULES"); raw != "" {
		cfg.Modules = splitList(raw)
	}
	if raw := os.Getenv("AUTHZCORE_ALWAYS_ON_MODULES"); raw != "" {
		cfg.AlwaysOnModules = splitList(raw)
	}
	if raw := os.Getenv("AUTHZCORE_OP_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			logger.Fatalw("invalid AUTHZCORE_OP_TIMEOUT", "value", raw, "error", err)
		}
		cfg.OpTimeout = d
	}

	ctx := context.Background()

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	// The in-memory stores exist for local development and tests only.
	var (
		roleStore     authz.Store
		licenseStore  license.Store
		approvalStore approval.Service
		auditLog      audit.Log
		probe         httpapi.ReadyProbe
		pgStore       *pg.Store
	)
	if dsn := os.Getenv("AUTHZCORE_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			logger.Fatalw("open postgres", "error", err)
		}
		defer pgStore.Close()
		roleStore = pgStore
		licenseStore = pgStore
		auditLog = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
		logger.Infow("postgres store enabled")
	} else {
		mem := audit.NewInMemory()
		auditLog = mem
		roleStore = authz.NewInMemory(mem)
		licenseStore = license.NewInMemory(mem)
		logger.Warnw("no AUTHZCORE_PG_DSN set, using in-memory stores")
	}

	registry, err := license.NewRegistry(licenseStore, cfg.AlwaysOnModules)
	if err != nil {
		logger.Fatalw("license registry", "error", err)
	}
	if pgStore != nil {
		approvalStore = pgStore
	} else {
		approvalStore = approval.NewInMemory(registry, auditLog)
	}

	roles, err := authz.NewService(roleStore)
	if err != nil {
		logger.Fatalw("role service", "error", err)
	}
	if err := roles.EnsureCatalog(ctx); err != nil {
		logger.Fatalw("ensure catalog", "error", err)
	}

	// Decision cache is optional; without Redis every check hits the store.
	var decisions authz.DecisionCache
	if addr := os.Getenv("AUTHZCORE_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		decisions = cache.New(rdb, 0)
		logger.Infow("redis decision cache enabled", "addr", addr)
	}

	resolver, err := authz.NewResolver(roleStore, registry, decisions)
	if err != nil {
		logger.Fatalw("resolver", "error", err)
	}
	eng, err := engine.New(cfg, roles, resolver, registry, approvalStore, auditLog, decisions)
	if err != nil {
		logger.Fatalw("engine", "error", err)
	}

	api := httpapi.New(eng, probe, version)

	addr := os.Getenv("AUTHZCORE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	shutdownCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	// Optional gRPC health surface for orchestrators.
	var grpcSrv interface{ GracefulStop() }
	if grpcAddr := os.Getenv("AUTHZCORE_GRPC_ADDR"); grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			logger.Fatalw("grpc listen", "addr", grpcAddr, "error", err)
		}
		srvGRPC, healthSrv := httpapi.NewGRPCServer()
		grpcSrv = srvGRPC
		go httpapi.WatchReadiness(shutdownCtx, healthSrv, probe, 10*time.Second)
		go func() {
			if err := srvGRPC.Serve(lis); err != nil {
				logger.Errorw("grpc serve", "error", err)
			}
		}()
		logger.Infow("grpc health server started", "addr", grpcAddr)
	}

	logger.Infow("starting authzcore-api", "version", version, "addr", addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("listen", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Infow("shutting down")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(timeoutCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Infow("stopped")
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
