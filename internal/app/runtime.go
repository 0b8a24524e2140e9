package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"hubgo/internal/bus"
	"hubgo/internal/config"
	"hubgo/internal/domain"
	"hubgo/internal/hub"
	"hubgo/internal/logging"
	"hubgo/internal/persistence"
)

// Runtime wires config, logging, the bus, history storage, and the hub
// client together for the CLI.
type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	HubRepo      *persistence.HubRepo
	TransferRepo *persistence.TransferLogRepo
	WriterQueue  *persistence.WriterQueue

	Client *hub.Client
}

// Initialize resolves paths, loads the persisted config, and brings the
// runtime up. The caller owns Close.
func Initialize(parent context.Context) (*Runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}

	return InitializeWithConfig(parent, paths, cfg)
}

// InitializeWithConfig brings the runtime up with an already-loaded
// config, letting the CLI fold flag overrides in first.
func InitializeWithConfig(parent context.Context, paths Paths, cfg config.AppConfig) (*Runtime, error) {
	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		cancel()
		_ = logMgr.Close()

		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Debug("starting hubgo runtime", "version", BuildVersionWithDate())

	rt.Bus = bus.New(logMgr.Logger("bus"))

	if !cfg.Storage.DisableHistory {
		db, err := persistence.Open(ctx, paths.DBFile)
		if err != nil {
			_ = rt.Close()

			return nil, err
		}
		rt.DB = db
		rt.HubRepo = persistence.NewHubRepo(db)
		rt.TransferRepo = persistence.NewTransferLogRepo(db)

		if err := rt.TransferRepo.TrimTo(ctx, cfg.Storage.TransferLogCap); err != nil {
			slog.Warn("trim transfer log", "error", err)
		}

		queue := persistence.NewWriterQueue(logMgr.Logger("persistence"), 0)
		queue.Start(ctx)
		rt.WriterQueue = queue
		domain.StartPersistenceProjection(ctx, rt.Bus, queue, rt.HubRepo, rt.TransferRepo)
	}

	rt.Client = hub.NewClient(logMgr.Logger("hub"), rt.Bus, hub.SessionConfig{
		RequestTimeout:  cfg.Protocol.RequestTimeout(),
		RequestAttempts: cfg.Protocol.RequestAttempts,
		ChunkSizeLimit:  cfg.Protocol.ChunkSizeLimit,
	})

	return rt, nil
}

// Connect dials the configured hub and primes the slot cache.
func (r *Runtime) Connect(ctx context.Context) (domain.HubInfo, error) {
	tr, err := NewTransportForConnection(r.Config.Connection, r.Config.Protocol)
	if err != nil {
		return domain.HubInfo{}, err
	}

	return r.Client.Connect(ctx, tr)
}

// SaveConfig validates, persists, and adopts cfg.
func (r *Runtime) SaveConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		return err
	}
	r.Config = cfg

	return nil
}

// History reads the most recent transfer journal entries.
func (r *Runtime) History(ctx context.Context, limit int) ([]domain.TransferRecord, error) {
	if r.TransferRepo == nil {
		return nil, fmt.Errorf("history is disabled in config")
	}

	return r.TransferRepo.ListRecent(ctx, limit)
}

// ClearHistory wipes the transfer journal and the known-hub table.
func (r *Runtime) ClearHistory(ctx context.Context) error {
	if r.DB == nil {
		return fmt.Errorf("history is disabled in config")
	}

	return persistence.ClearDatabase(ctx, r.DB)
}

// KnownHubs reads the hubs this machine has connected to before.
func (r *Runtime) KnownHubs(ctx context.Context) ([]domain.KnownHub, error) {
	if r.HubRepo == nil {
		return nil, fmt.Errorf("history is disabled in config")
	}

	return r.HubRepo.List(ctx)
}

func (r *Runtime) Close() error {
	if r.Client != nil {
		_ = r.Client.Disconnect()
	}
	if r.WriterQueue != nil {
		// Two rounds: the first yields to the projection goroutines still
		// draining bus events, the second waits out what they enqueued.
		flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		for i := 0; i < 2 && flushCtx.Err() == nil; i++ {
			_ = r.WriterQueue.Flush(flushCtx)
		}
		cancel()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}

	return nil
}
