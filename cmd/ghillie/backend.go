package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ghillie/auth"
	"ghillie/config"
	"ghillie/db"
	"ghillie/listing"
	"ghillie/localstore"
	"ghillie/outbox"
)

// backend bundles the storage a command runs against.
type backend struct {
	listings listing.Store
	users    auth.Repository
	// relay is nil for the sqlite store, which publishes after each commit.
	relay   *outbox.Relay
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func newPublisher(cfg config.Config, logger *zap.Logger) (outbox.Publisher, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return outbox.NewLogPublisher(logger), func() {}, nil
	}
	p, err := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topics)
	if err != nil {
		return nil, nil, err
	}
	return p, func() {
		if err := p.Close(); err != nil {
			logger.Warn("close kafka writer", zap.Error(err))
		}
	}, nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backend, error) {
	pub, closePub, err := newPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	b := &backend{closers: []func(){closePub}}

	switch cfg.Store {
	case config.StoreSQLite:
		store, err := localstore.Open(cfg.SQLitePath, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		store.WithPublisher(pub)
		b.listings = store
		b.users = store.Users()
		b.closers = append(b.closers, func() { store.Close() })
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.listings = listing.NewPGStore(pool)
		b.users = auth.NewRepository(pool)
		b.relay = outbox.NewRelay(pool, pub, logger).
			WithInterval(cfg.Relay.Interval).
			WithBatchSize(cfg.Relay.BatchSize).
			WithMaxAttempts(cfg.Relay.MaxAttempts)
		b.closers = append(b.closers, pool.Close)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	return b, nil
}
