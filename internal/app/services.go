package app

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fleetd/internal/api"
	"github.com/dokzlo13/fleetd/internal/config"
	"github.com/dokzlo13/fleetd/internal/db"
	"github.com/dokzlo13/fleetd/internal/dispatch"
	"github.com/dokzlo13/fleetd/internal/engine"
	"github.com/dokzlo13/fleetd/internal/govee"
	"github.com/dokzlo13/fleetd/internal/ledger"
	"github.com/dokzlo13/fleetd/internal/metrics"
	"github.com/dokzlo13/fleetd/internal/mqtt"
	"github.com/dokzlo13/fleetd/internal/notify"
	"github.com/dokzlo13/fleetd/internal/poller"
	"github.com/dokzlo13/fleetd/internal/registry"
	"github.com/dokzlo13/fleetd/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB      *db.DB
	Ledger  *ledger.Ledger
	Gateway *govee.Client

	// Optional outputs, nil when disabled or unreachable
	Metrics *metrics.Recorder
	MQTT    *mqtt.Bridge

	// Control session and its surfaces
	Engine  *engine.Engine
	Hub     *api.Hub
	API     *APIService
	Lua     *LuaService
	Cleanup *LedgerService

	unsubscribe []func()
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database
	s.Ledger = ledger.New(database.DB)

	s.Gateway = govee.NewClient(
		cfg.Govee.BaseURL,
		cfg.Govee.APIKey,
		buildTokenSource(cfg.Auth, cfg.Govee.Timeout.Duration()),
		cfg.Govee.Timeout.Duration(),
		cfg.Govee.RateLimitRPS,
	)

	if cfg.Influx.Enabled {
		s.Metrics, err = metrics.Connect(cfg.Influx)
		if err != nil {
			log.Warn().Err(err).Msg("Influx unavailable, telemetry disabled")
		}
	}

	s.Hub = api.NewHub()
	notifier := notify.Multi{
		notify.LogNotifier{},
		s.Hub,
		// MQTT is attached after the engine exists
		notify.Func(func(n notify.Notification) {
			if s.MQTT != nil {
				s.MQTT.Notify(n)
			}
		}),
	}

	s.Engine = engine.New(s.Gateway, engine.Deps{
		Source:        storage.NewTopologyStore(database.DB),
		Segments:      registry.NewSegmentMap(segmentOverrides(cfg.Segments)),
		SceneFallback: storage.NewSceneStore(database.DB),
		Ledger:        s.Ledger,
		Notifier:      notifier,
	}, s.engineOptions())

	if cfg.MQTT.Enabled {
		s.MQTT = mqtt.New(cfg.MQTT, s.Engine)
	}

	if cfg.Script != "" {
		s.Lua = NewLuaService(cfg.Script, s.Engine)
	}

	s.API = NewAPIService(cfg, s.Engine, s.Hub)
	s.Cleanup = NewLedgerService(cfg.Ledger, s.Ledger)

	return s, nil
}

func (s *Services) engineOptions() engine.Options {
	cfg := s.cfg
	opts := engine.Options{
		Poller: poller.Options{
			Interval:      cfg.Poller.Interval.Duration(),
			ChildDelay:    cfg.Poller.ChildDelay.Duration(),
			Concurrency:   cfg.Poller.Concurrency,
			EagerChildren: cfg.Poller.EagerChildren,
		},
		Dispatch: dispatch.Options{
			Debounce:    cfg.Dispatcher.Debounce.Duration(),
			CallTimeout: cfg.Dispatcher.CallTimeout.Duration(),
		},
		BulkDelay:       cfg.Bulk.Delay.Duration(),
		IntentWorkers:   cfg.Intents.GetWorkers(),
		IntentQueueSize: cfg.Intents.GetQueueSize(),
	}
	if s.Metrics != nil {
		opts.Poller.OnCycle = s.Metrics.PollCycle
		opts.Dispatch.OnControl = s.Metrics.Control
	}
	return opts
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	// Load Lua script before anything can invoke an action
	if s.Lua != nil {
		if err := s.Lua.LoadScript(); err != nil {
			return err
		}
		s.Lua.Start(ctx)
		s.Engine.SetActions(s.Lua.Runtime)
	}

	s.unsubscribe = append(s.unsubscribe, s.Engine.Subscribe(s.Hub.PublishState))

	if s.MQTT != nil {
		if err := s.MQTT.Connect(); err != nil {
			// paho keeps retrying in the background
			log.Warn().Err(err).Msg("MQTT broker not reachable yet")
		}
		s.unsubscribe = append(s.unsubscribe, s.Engine.Subscribe(s.MQTT.PublishState))
	}

	if err := s.Engine.Start(ctx); err != nil {
		return err
	}

	s.API.Start(ctx)
	s.Cleanup.Start(ctx)

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.Engine.Close(shutdownCtx)

	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Lua != nil {
		s.Lua.Close()
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Metrics != nil {
		s.Metrics.Close()
	}
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.Gateway != nil {
		s.Gateway.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

// buildTokenSource returns a refreshing source when a refresh endpoint is configured.
func buildTokenSource(cfg config.AuthConfig, timeout time.Duration) govee.TokenSource {
	if cfg.RefreshURL == "" {
		if cfg.Token == "" {
			log.Warn().Msg("No gateway token configured, every call will fail with session expired")
		}
		return govee.StaticTokenSource(cfg.Token)
	}

	refresher := &govee.HTTPRefresher{
		URL:          cfg.RefreshURL,
		RefreshToken: cfg.RefreshToken,
		HTTPClient:   &http.Client{Timeout: timeout},
	}
	return govee.NewRefreshingTokenSource(cfg.Token, time.Time{}, refresher.Refresh)
}

func segmentOverrides(defs map[string][]config.SegmentDef) map[string][]registry.Segment {
	out := make(map[string][]registry.Segment, len(defs))
	for sku, list := range defs {
		segs := make([]registry.Segment, 0, len(list))
		for _, d := range list {
			segs = append(segs, registry.Segment{Name: d.Name, Indices: d.Indices})
		}
		out[sku] = segs
	}
	return out
}
