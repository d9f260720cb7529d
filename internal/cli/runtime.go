package cli

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/config"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/database"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/events"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/repository"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/service"
)

// openStore connects to the configured backing and brings its schema up to
// date.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (repository.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := database.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		if err := database.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("connected to PostgreSQL")
		return repository.NewPostgresStore(pool), nil
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		log.WithField("path", cfg.SQLite.Path).Info("opened SQLite database")
		return repository.NewSQLiteStore(db), nil
	case config.DriverMemory:
		log.Warn("using the in-memory store; all state is lost on exit")
		return repository.NewMemoryStore()
	}
	return nil, errors.Errorf("unknown database driver %q", cfg.Driver)
}

func newPublisher(cfg config.KafkaConfig) events.Publisher {
	if !cfg.Enabled() {
		return events.LogPublisher{}
	}
	log.WithField("topic", cfg.Topic).Info("publishing events to Kafka")
	return events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Brokers, cfg.Topic))
}

// withService opens the store and publisher, runs fn and releases both.
func withService(ctx context.Context, cfg *config.Config, fn func(*service.AdmissionService) error) error {
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("error closing store")
		}
	}()

	publisher := newPublisher(cfg.Kafka)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.WithError(err).Error("error closing event publisher")
		}
	}()

	return fn(service.NewAdmissionService(store, service.WithPublisher(publisher)))
}
