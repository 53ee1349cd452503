package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

// Watch re-reads the config file whenever it changes. The new log level takes
// effect immediately; onChange, if set, receives every configuration that
// passes validation. Other settings need a restart. Invalid files are logged
// and ignored.
func (l *Loader) Watch(logger zerolog.Logger, onChange func(*Config)) {
	logger = logger.With().Str("component", "config").Logger()

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		cfg, err := l.decode()
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration")
			return
		}

		if err := telemetry.SetLevel(cfg.Telemetry.Logging.Level); err != nil {
			logger.Warn().Err(err).Msg("Failed to apply log level")
		} else {
			logger.Info().Str("file", e.Name).Str("level", cfg.Telemetry.Logging.Level).Msg("Configuration reloaded")
		}

		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}
