// Command ledgerd runs the token ledger service: it wires the account
// store, signature gate, admission validator, execution engine, batcher,
// janitor, and public API surface into a single process and serves HTTP
// until asked to shut down.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/usda-network/ledger/internal/batch"
	"github.com/usda-network/ledger/internal/config"
	"github.com/usda-network/ledger/internal/engine"
	"github.com/usda-network/ledger/internal/eventbus"
	"github.com/usda-network/ledger/internal/httpapi"
	"github.com/usda-network/ledger/internal/janitor"
	"github.com/usda-network/ledger/internal/logging"
	"github.com/usda-network/ledger/internal/store/postgres"
	"github.com/usda-network/ledger/internal/system"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("ledgerd", logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting ledgerd")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		logger.WithError(err).Error("apply schema migrations")
		os.Exit(1)
	}

	db, err := postgres.Open(cfg.DatabaseURL, cfg.PoolSize)
	if err != nil {
		logger.WithError(err).Error("open database")
		os.Exit(1)
	}
	defer db.Close()

	issuerPubKey, err := config.IssuerPublicKey(cfg.IssuerPublicKeyHex)
	if err != nil {
		logger.WithError(err).Error("decode issuer public key")
		os.Exit(1)
	}

	bus := eventbus.New()
	batcher := batch.New(batch.Config{MaxSize: cfg.BatchMax, Period: cfg.BatchPeriod()}, db, bus)
	eng := engine.New(db, batcher, bus, issuerPubKey, cfg.SubmitDeadline())
	jan := janitor.New(janitor.Config{StuckAfter: 2 * cfg.SubmitDeadline()}, db, bus)

	router := httpapi.NewRouter(httpapi.Deps{
		Store:   db,
		Engine:  eng,
		Batcher: batcher,
		Bus:     bus,
		Log:     logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	manager := system.NewManager()
	must(manager.Register(batcher))
	must(manager.Register(jan))
	must(manager.Register(httpService{httpServer, logger}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		logger.WithError(err).Error("start services")
		os.Exit(1)
	}
	logger.WithField("addr", cfg.HTTPAddr).Info("ledgerd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown")
		os.Exit(1)
	}
	logger.Info("ledgerd stopped")
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// httpService adapts *http.Server to system.Service.
type httpService struct {
	srv *http.Server
	log *logging.Logger
}

func (h httpService) Name() string { return "http-server" }

func (h httpService) Start(ctx context.Context) error {
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.WithError(err).Error("http server error")
		}
	}()
	return nil
}

func (h httpService) Stop(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
