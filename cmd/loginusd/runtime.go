package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"loginus/internal/config"
	"loginus/internal/events"
	"loginus/internal/httpapi"
	"loginus/internal/lifecycle"
	"loginus/internal/messaging"
	"loginus/internal/plugin"
	"loginus/internal/registry"
	"loginus/internal/settings"
	"loginus/internal/store"
)

// runtime is the fully wired plugin host.
type runtime struct {
	cfg      config.Config
	log      zerolog.Logger
	db       *gorm.DB
	catalog  *events.Catalog
	bus      *events.Bus
	logs     *store.EventLogStore
	loader   *plugin.Loader
	builtins *plugin.BuiltinOpener
	ctrl     *lifecycle.Controller
	settings *settings.Service
	mounts   *httpapi.MountTable
	kafka    *messaging.KafkaSink
	cron     *cron.Cron
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func buildRuntime(cfg config.Config, log zerolog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: log, catalog: events.DefaultCatalog(), mounts: httpapi.NewMountTable()}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, log.With().Str("component", "store").Logger())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.db = db

	timeout, _ := cfg.HandlerTimeout()
	rt.bus = events.NewBus(
		events.WithHandlerTimeout(timeout),
		events.WithCatalog(rt.catalog),
		events.WithLogger(log.With().Str("component", "events").Logger()),
	)
	rt.logs = store.NewEventLogStore(db)
	if cfg.AuditEnabled() {
		rt.bus.AddSink(rt.logs)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := messaging.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log.With().Str("component", "kafka").Logger())
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.kafka = k
		rt.bus.AddSink(k)
	}

	rt.builtins = plugin.NewBuiltinOpener()
	opener := plugin.NewMultiOpener(rt.builtins, plugin.NewLuaOpener(log.With().Str("component", "lua").Logger()))
	rt.loader = plugin.NewLoader(cfg.PluginsDir, opener, log.With().Str("component", "loader").Logger())
	reg := registry.New(store.NewExtensionStore(db), rt.loader, log.With().Str("component", "registry").Logger())
	rt.ctrl = lifecycle.New(reg, rt.loader, rt.bus,
		lifecycle.WithLogger(log.With().Str("component", "lifecycle").Logger()),
		lifecycle.WithRoutes(rt.mounts),
	)

	ttl, _ := cfg.CacheTTL()
	rt.settings = settings.New(store.NewSettingsRepo(db),
		settings.WithCacheTTL(ttl),
		settings.WithEmitter(rt.bus),
		settings.WithLogger(log.With().Str("component", "settings").Logger()),
	)
	return rt, nil
}

// startRetention schedules event log pruning when auditing is on.
func (rt *runtime) startRetention() error {
	if !rt.cfg.AuditEnabled() {
		return nil
	}
	c, err := store.ScheduleRetention(rt.logs, rt.cfg.Events.RetentionSchedule, rt.cfg.Events.RetentionDays, rt.log)
	if err != nil {
		return err
	}
	rt.cron = c
	return nil
}

// bootstrap optionally installs discovered plugins, then re-enables the ones
// persisted as enabled.
func (rt *runtime) bootstrap(ctx context.Context) error {
	if rt.cfg.AutoDiscover {
		rep, err := rt.ctrl.DiscoverAndInstall(ctx)
		if err != nil {
			rt.log.Warn().Err(err).Str("dir", rt.cfg.PluginsDir).Msg("plugin discovery failed")
		} else {
			rt.log.Info().Strs("installed", rep.Installed).Int("failed", len(rep.Failed)).Msg("plugin discovery done")
		}
	}
	n, err := rt.ctrl.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap plugins: %w", err)
	}
	rt.log.Info().Int("enabled", n).Msg("plugins restored")
	return nil
}

func (rt *runtime) services(ready func() bool) httpapi.Services {
	return httpapi.Services{
		Extensions: rt.ctrl,
		Modules:    rt.settings,
		Bus:        rt.bus,
		Catalog:    rt.catalog,
		Logs:       rt.eventLogs(),
		Mounts:     rt.mounts,
		Ready:      ready,
	}
}

func (rt *runtime) eventLogs() httpapi.EventLogs {
	if !rt.cfg.AuditEnabled() {
		return nil
	}
	return rt.logs
}

// Close releases plugins and infrastructure in reverse construction order.
func (rt *runtime) Close() {
	if rt.ctrl != nil {
		rt.ctrl.Shutdown()
	}
	if rt.cron != nil {
		<-rt.cron.Stop().Done()
	}
	if rt.kafka != nil {
		if err := rt.kafka.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("kafka close")
		}
	}
	if rt.db != nil {
		if err := store.Close(rt.db); err != nil {
			rt.log.Warn().Err(err).Msg("database close")
		}
	}
}
