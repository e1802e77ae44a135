package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"anchorkeep.ai/internal/config"
	"anchorkeep.ai/internal/persistence/fsstore"
	"anchorkeep.ai/internal/persistence/sqlitestore"
	"anchorkeep.ai/internal/records"
)

type recordStorage interface {
	records.Storage
	Close() error
}

type dirStorage struct{ *fsstore.Dir }

func (dirStorage) Close() error { return nil }

func openStorage(cfg config.Config) (recordStorage, error) {
	switch cfg.Storage.Backend {
	case config.BackendFile:
		dir, err := fsstore.New(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return dirStorage{dir}, nil
	case config.BackendSQLite:
		path := cfg.SQLiteFile()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return sqlitestore.Open(path)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

func openRecords(cfg config.Config, logger *zap.Logger) (*records.Store, recordStorage, error) {
	st, err := openStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := records.New(st, cfg.Storage.RecordsPath, cfg.Anchors.DefaultRadius, logger)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return store, st, nil
}
