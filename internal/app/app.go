package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/events"
	"github.com/leadgrid/leadgrid/internal/handlers"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/logstream"
	"github.com/leadgrid/leadgrid/internal/procs"
	"github.com/leadgrid/leadgrid/internal/scheduler"
	"github.com/leadgrid/leadgrid/internal/scraper"
	badgerstorage "github.com/leadgrid/leadgrid/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	DB         *badgerstorage.BadgerDB
	JobStorage interfaces.JobStorage

	// Event distribution
	EventBus *events.Bus
	LogHub   *logstream.Hub

	// Job orchestration
	Registry *procs.Registry
	Runner   *scheduler.Runner
	Sweeper  *scheduler.Sweeper

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	JobHandler     *handlers.JobHandler
	ProcessHandler *handlers.ProcessHandler
	WSHandler      *handlers.WebSocketHandler
	SSEHandler     *handlers.SSELogsHandler
}

// New wires the application together: storage first, then the event bus and
// orchestration services, then the HTTP handlers over them. Restart
// recovery runs before the sweeper starts so orphaned jobs cannot race new
// work.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initStorage(); err != nil {
		cancel()
		return nil, err
	}

	if err := app.initServices(); err != nil {
		cancel()
		app.DB.Close()
		return nil, err
	}

	app.initHandlers()

	if err := app.Runner.RecoverOrphans(ctx); err != nil {
		logger.Warn().Err(err).Msg("Restart recovery incomplete")
	}

	app.WSHandler.Start()
	app.Sweeper.Start()

	logger.Info().
		Str("storage", "badger").
		Bool("broker_configured", cfg.Broker.Addr != "").
		Msg("Application initialization complete")

	return app, nil
}

// initStorage initializes the storage layer (Badger)
func (a *App) initStorage() error {
	db, err := badgerstorage.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	a.DB = db
	a.JobStorage = badgerstorage.NewJobStorage(db, a.Logger)

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

func (a *App) initServices() error {
	a.EventBus = events.NewBus(a.Config.Broker, a.Logger)
	a.LogHub = logstream.NewHub(a.Logger)
	a.Registry = procs.NewRegistry(a.Config.Scraper.GracePeriod, a.Logger)

	a.Runner = scheduler.NewRunner(
		a.JobStorage,
		a.Registry,
		a.EventBus,
		a.LogHub,
		scraper.NewWorkerScraper(a.Config.Scraper, a.Logger),
		a.Config.Scraper,
		a.Logger,
	)

	sweeper, err := scheduler.NewSweeper(a.Runner, a.Config.Scheduler, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create job sweeper: %w", err)
	}
	a.Sweeper = sweeper

	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler()
	a.JobHandler = handlers.NewJobHandler(a.Runner, a.JobStorage, a.Logger)
	a.ProcessHandler = handlers.NewProcessHandler(a.Registry, a.Config.Scraper.WorkerKind, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventBus, a.Logger, &a.Config.WebSocket)
	a.SSEHandler = handlers.NewSSELogsHandler(a.LogHub, a.JobStorage, a.Logger)
}

// Close shuts the application down in reverse dependency order: stop taking
// new work, stop running work, then release the streams and storage.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application...")

	a.Sweeper.Stop()
	a.Runner.Shutdown(10 * time.Second)
	a.WSHandler.Stop()

	if killed := a.Registry.KillAllOurs(); len(killed) > 0 {
		a.Logger.Info().Int("killed", len(killed)).Msg("Killed remaining worker processes")
	}

	a.LogHub.Close()
	if err := a.EventBus.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Event bus close failed")
	}

	a.cancelCtx()

	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}
