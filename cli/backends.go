package cli

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/sequence-engine/devices"
	"github.com/songzhibin97/sequence-engine/flags"
	"github.com/songzhibin97/sequence-engine/storage"
)

// errNoHistory is returned by audit queries against the memory backend.
var errNoHistory = errors.New("the memory audit backend keeps no history between invocations; use sqlite or redis")

type closeFunc func() error

func noClose() error { return nil }

// openArchive opens the configured audit backend.
func openArchive(cfg *Config) (storage.Archive, closeFunc, error) {
	switch cfg.Audit.Backend {
	case "sqlite":
		s, err := storage.NewSQLiteStorage(storage.SQLiteOptions{Path: cfg.Audit.SQLitePath})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		s, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return storage.NewMemoryStorage(), noClose, nil
}

// openFlags opens the configured flag backend and applies initial values.
func openFlags(cfg *Config, initial map[string]bool) (flags.Provider, closeFunc, error) {
	if cfg.Flags.Backend != "redis" {
		return flags.NewMemoryStore(initial), noClose, nil
	}
	s, err := flags.NewRedisStore(flags.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Key:      cfg.Redis.FlagsKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open flag store: %w", err)
	}
	for name, v := range initial {
		s.SetFlag(name, v)
	}
	return s, s.Close, nil
}

// newRegistry builds the device table from configuration. Devices named in a
// definition but missing from the configuration are added idle.
func newRegistry(cfg *Config, extra []string) *devices.Registry {
	reg := devices.NewRegistry(cfg.Devices...)
	for _, name := range extra {
		if _, err := reg.Get(name); errors.Is(err, devices.ErrDeviceNotFound) {
			_ = reg.Register(devices.Device{Name: name, State: "idle"})
		}
	}
	return reg
}
