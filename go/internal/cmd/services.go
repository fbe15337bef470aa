package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/carauction/go/internal/auction/bidding"
	"github.com/mcdev12/carauction/go/internal/auction/bus"
	"github.com/mcdev12/carauction/go/internal/auction/config"
	"github.com/mcdev12/carauction/go/internal/auction/fanout"
	"github.com/mcdev12/carauction/go/internal/auction/gateway"
	"github.com/mcdev12/carauction/go/internal/auction/guard"
	"github.com/mcdev12/carauction/go/internal/auction/lifecycle"
	"github.com/mcdev12/carauction/go/internal/auction/query"
)

// auctionStore is satisfied by both repository.Repository and repository.MemoryStore.
type auctionStore interface {
	bidding.Store
	lifecycle.Store
	fanout.SnapshotStore
	query.Store
}

type Services struct {
	Lifecycle   *lifecycle.Manager
	Watcher     *lifecycle.Watcher // nil unless the store is postgres
	Broadcaster *fanout.Broadcaster
	Engine      *bidding.Engine
	Gateway     *gateway.Service
	Query       *query.Service
	QueryFiles  *query.Files
}

// setupBus returns the JetStream bus when natsURL is set, otherwise an in-process bus.
func setupBus(ctx context.Context, natsURL string) (fanout.Bus, func() error, error) {
	if natsURL == "" {
		log.Info().Msg("NATS_URL not set, auction events stay on this instance")
		return bus.NewLocalBus(256), func() error { return nil }, nil
	}

	cfg := bus.DefaultJetStreamConfig()
	cfg.URL = natsURL
	js, err := bus.NewJetStreamBus(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return js, js.Close, nil
}

func setupServices(cfg Config, settings config.Settings, st *storage, eventBus fanout.Bus) (*Services, error) {
	// Wire up dependency injection chain
	// Store → guards → broadcaster → lifecycle → engine → gateway
	guards, err := guard.NewRegistry(settings.ClosedGuardCache)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard registry: %w", err)
	}

	// Broadcaster
	fanoutCfg := fanout.DefaultConfig()
	fanoutCfg.InstanceID = cfg.InstanceID
	fanoutCfg.SnapshotBids = settings.SnapshotBids
	fanoutCfg.RelayBuffer = settings.RelayBuffer
	fanoutCfg.RelayMaxRetries = settings.RelayMaxRetries
	fanoutCfg.RelayRetryDelay = settings.RelayRetryDelay
	broadcaster := fanout.NewBroadcaster(st.store, guards, eventBus, fanoutCfg)

	// Lifecycle
	clock := clockwork.NewRealClock()
	lifecycleCfg := lifecycle.DefaultConfig()
	lifecycleCfg.InstanceID = cfg.InstanceID
	lifecycleCfg.ExtensionWindow = settings.ExtensionWindow
	lifecycleCfg.ReconcileInterval = settings.ReconcileInterval
	manager := lifecycle.NewManager(st.store, guards, broadcaster, clock, lifecycleCfg)

	var watcher *lifecycle.Watcher
	if st.dsn != "" {
		watcherCfg := lifecycle.DefaultWatcherConfig()
		watcherCfg.DatabaseURL = st.dsn
		watcher, err = lifecycle.NewWatcher(manager, watcherCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create auction watcher: %w", err)
		}
	}

	// Bidding
	engine, err := bidding.NewEngine(st.store, guards, manager, broadcaster, clock, bidding.Config{
		InstanceID:        cfg.InstanceID,
		UsernameCacheSize: settings.UsernameCache,
	})
	if err != nil {
		return nil, err
	}

	// Query
	files, err := query.NewFiles()
	if err != nil {
		return nil, err
	}

	return &Services{
		Lifecycle:   manager,
		Watcher:     watcher,
		Broadcaster: broadcaster,
		Engine:      engine,
		Gateway:     gateway.NewService(gateway.DefaultConfig(), engine, broadcaster),
		Query:       query.NewService(st.store, manager, settings.SnapshotBids),
		QueryFiles:  files,
	}, nil
}
