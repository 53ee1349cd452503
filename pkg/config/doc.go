// Package config loads and validates the isogrpd daemon configuration.
//
// # Sources
//
// Settings are merged from, in increasing order of precedence:
//
//   - the built-in Default configuration
//   - a YAML file, either given explicitly or found as isogrpd.yaml in
//     /etc/isogrpd, $HOME/.config/isogrpd or the working directory
//   - ISOGRPD_* environment variables, with dots replaced by underscores
//     (ISOGRPD_REDIS_ADDR overrides redis.addr)
//   - command line flags bound with Loader.BindFlag
//
// # Validation
//
// Struct fields carry validator tags; errors name the config key that failed,
// for example "redis.addr: failed \"hostname_port\"". The telemetry section is
// checked by telemetry.Config.Validate.
//
// # Reloading
//
// Loader.Watch follows the config file with fsnotify. A changed log level is
// applied at once; everything else is read at startup only.
//
// # Usage Example
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load("/etc/isogrpd/isogrpd.yaml")
//	if err != nil {
//		return err
//	}
//	loader.Watch(logger, nil)
package config
