package app

import (
	"timerbot/internal/config"
	"timerbot/internal/services/notify"
	"timerbot/internal/services/sweep"
	"timerbot/internal/storage"
)

func mapSweepConfig(cfg *config.Config) (sweep.Config, error) {
	realert, err := config.ParseDurationOrDefault("sweep.realert_interval", cfg.Sweep.RealertInterval, sweep.DefaultRealertInterval)
	if err != nil {
		return sweep.Config{}, err
	}
	return sweep.Config{
		Schedule:        cfg.Sweep.Schedule,
		RealertInterval: realert,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{RatePerSec: cfg.Notify.RatePerSec}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, false, err
	}
	sc := storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
	enabled := sc.Driver != "" && sc.Driver != "none"
	return sc, enabled, nil
}
