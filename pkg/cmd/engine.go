package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/flowstate-dev/flowstate/pkg/cache"
	"github.com/flowstate-dev/flowstate/pkg/codec"
	"github.com/flowstate-dev/flowstate/pkg/config"
	"github.com/flowstate-dev/flowstate/pkg/eventbus"
	"github.com/flowstate-dev/flowstate/pkg/manager"
	"github.com/flowstate-dev/flowstate/pkg/metrics"
	"github.com/flowstate-dev/flowstate/pkg/recovery"
	"github.com/flowstate-dev/flowstate/pkg/store"
	"github.com/flowstate-dev/flowstate/pkg/validation"
)

// Engine bundles the wired components a binary works with.
type Engine struct {
	Manager  *manager.Manager
	Store    store.Store
	Recovery *recovery.Engine
	Bus      eventbus.EventBus
}

// NewEngine assembles the engine from config: backend store, optional Redis
// read-through layer, codec, validator, recovery, event bus, and the manager
// on top. Metrics and tracer may be nil.
func NewEngine(ctx context.Context, cfg config.Config, logger *slog.Logger, met *metrics.Metrics, tracer trace.Tracer) (*Engine, error) {
	backend, err := NewStore(ctx, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cdc, err := codec.New(codec.Config{
		EncryptionKey:   cfg.Codec.EncryptionKey,
		Passphrase:      cfg.Codec.Passphrase,
		SensitiveFields: cfg.Codec.SensitiveFields,
		Compression:     cfg.Codec.Compression,
		MaxStateSize:    cfg.Codec.MaxStateSize,
	})
	if err != nil {
		_ = backend.Close(ctx)

		return nil, fmt.Errorf("build codec: %w", err)
	}

	st := store.Store(backend)

	if cfg.Cache.Enabled {
		live, checkpoint, ttlErr := cfg.Cache.TTLs()
		if ttlErr != nil {
			_ = backend.Close(ctx)

			return nil, ttlErr
		}

		redisCache, cacheErr := cache.NewRedis(ctx, logger, cache.RedisConfig{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		if cacheErr != nil {
			_ = backend.Close(ctx)

			return nil, fmt.Errorf("connect cache: %w", cacheErr)
		}

		st = cache.NewCachedStore(backend, redisCache, cdc, cache.TTLPolicy{
			Live:       live,
			Checkpoint: checkpoint,
		}, met, logger)
	}

	validator := validation.New()
	engine := recovery.NewEngine(st, validator, recovery.FallbackPolicy(cfg.Recovery.Policy), logger)

	bus, err := NewEventBus(cfg.EventBus, logger)
	if err != nil {
		_ = st.Close(ctx)

		return nil, err
	}

	opts := make([]manager.Option, 0, 3)
	if bus != nil {
		opts = append(opts, manager.WithEventBus(bus))
	}

	if met != nil {
		opts = append(opts, manager.WithMetrics(met))
	}

	if tracer != nil {
		opts = append(opts, manager.WithTracer(tracer))
	}

	mgr := manager.NewManager(st, validator, engine, cdc, manager.Config{
		KeepVersions: cfg.Retention.KeepVersions,
	}, logger, opts...)

	return &Engine{Manager: mgr, Store: st, Recovery: engine, Bus: bus}, nil
}

// Close releases the engine's transports and storage.
func (e *Engine) Close(ctx context.Context) error {
	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			return err
		}
	}

	return e.Store.Close(ctx)
}
