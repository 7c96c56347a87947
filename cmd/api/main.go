package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/punchamoorthee/walletcore/internal/account"
	"github.com/punchamoorthee/walletcore/internal/allocator"
	"github.com/punchamoorthee/walletcore/internal/api"
	"github.com/punchamoorthee/walletcore/internal/audit"
	"github.com/punchamoorthee/walletcore/internal/config"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/logger"
	"github.com/punchamoorthee/walletcore/internal/status"
	"github.com/punchamoorthee/walletcore/internal/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	lg, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.UseMemoryStore() {
		lg.Warn("DB_SOURCE not set, using in-memory store")
		st = store.NewMemoryStore()
	} else {
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			lg.Fatal("unable to connect to database", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			lg.Fatal("schema migration failed", zap.Error(err))
		}
		st = pg
	}

	var publisher audit.Publisher = audit.LogPublisher{Logger: lg.Named("audit")}
	if cfg.AuditToImmudb() {
		imm, err := audit.NewImmudbPublisher(ctx, audit.ImmudbConfig{
			Address:  cfg.Immudb.Address,
			Port:     cfg.Immudb.Port,
			Username: cfg.Immudb.User,
			Password: cfg.Immudb.Password,
			Database: cfg.Immudb.Database,
		})
		if err != nil {
			lg.Fatal("unable to open immudb session", zap.Error(err))
		}
		defer imm.Close(context.Background())
		publisher = imm
	}
	sink := audit.NewAsyncSink(publisher, cfg.AuditBuffer, lg)

	engine := status.NewEngine(st, sink, lg)
	dispatcher := status.NewDispatcher(engine, status.DispatcherConfig{
		Workers:     cfg.RecomputeWorkers,
		MaxAttempts: cfg.RecomputeMaxAttempts,
	}, lg)
	led := ledger.New(st, dispatcher, sink, lg)
	alloc := allocator.New(st, led, sink, lg)
	registry := account.NewRegistry(st, lg)

	handler := api.NewHandler(registry, led, engine, alloc, lg)

	// Background workers stop after the server has drained.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sink.Run(workerCtx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(workerCtx)
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("HTTP server listening", zap.String("addr", srv.Addr), zap.Bool("memory_store", cfg.UseMemoryStore()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("graceful shutdown failed", zap.Error(err))
	}

	stopWorkers()
	wg.Wait()
	lg.Info("server stopped")
}
