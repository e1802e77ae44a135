package main

import (
	"errors"

	"go.uber.org/zap"

	"anchorkeep.ai/internal/config"
	"anchorkeep.ai/internal/lease"
	"anchorkeep.ai/internal/persistence/journal"
	"anchorkeep.ai/internal/registry"
	"anchorkeep.ai/internal/sim/simhost"
)

// app is one wired registry with everything it owns.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	host    *simhost.Host
	tracker *lease.Tracker
	storage recordStorage
	journal *journal.Writer
	reg     *registry.Registry
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	host, err := simhost.New(cfg.PartitionIDs(), logger)
	if err != nil {
		return nil, err
	}
	store, storage, err := openRecords(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		log:     logger,
		host:    host,
		tracker: lease.NewTracker(host, logger),
		storage: storage,
	}

	var sink registry.EventSink
	if cfg.Journal.Enabled {
		a.journal = journal.NewWriter(cfg.JournalDir())
		sink = a.journal
	}
	a.reg, err = registry.New(registry.Options{
		Host:          host,
		Tracker:       a.tracker,
		Store:         store,
		Sink:          sink,
		Logger:        logger,
		DefaultRadius: cfg.Anchors.DefaultRadius,
		MaxRadius:     cfg.Anchors.MaxRadius,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases storage and the journal. It does not shut the registry down.
func (a *app) Close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.storage != nil {
		errs = append(errs, a.storage.Close())
	}
	return errors.Join(errs...)
}
