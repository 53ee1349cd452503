package config

import (
	"time"

	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

// Config is the daemon configuration.
type Config struct {
	// Redis configures the configuration-store connection and tables.
	Redis RedisConfig `mapstructure:"redis"`

	// Admin configures the administrative HTTP API.
	Admin AdminConfig `mapstructure:"admin"`

	// Journal configures the event journal database.
	Journal JournalConfig `mapstructure:"journal"`

	// Engine configures the record runner.
	Engine EngineConfig `mapstructure:"engine"`

	// Policy configures admission policies for group definitions.
	Policy PolicyConfig `mapstructure:"policy"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// RedisConfig configures the state tables the daemon consumes.
type RedisConfig struct {
	// Addr is the server address (host:port).
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`

	// Password is the optional AUTH password.
	Password string `mapstructure:"password"`

	// DB is the logical database index.
	DB int `mapstructure:"db" validate:"gte=0,lte=15"`

	// GroupTable is the isolation group table name.
	GroupTable string `mapstructure:"group_table" validate:"required,nefield=PortTable"`

	// PortTable is the port state table name.
	PortTable string `mapstructure:"port_table" validate:"required"`

	// PollInterval is how often key sets are polled without a notification.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`

	// BatchSize is the maximum number of keys popped at once.
	BatchSize int `mapstructure:"batch_size" validate:"gt=0,lte=4096"`
}

// AdminConfig configures the administrative HTTP API.
type AdminConfig struct {
	// Enabled starts the admin server.
	Enabled bool `mapstructure:"enabled"`

	// Listen is the server listen address (host:port).
	Listen string `mapstructure:"listen" validate:"required_if=Enabled true,omitempty,hostname_port"`

	// ReadTimeout bounds reading a request.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gte=0"`

	// WriteTimeout bounds writing a response.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
}

// JournalConfig configures the event journal.
type JournalConfig struct {
	// Enabled persists lifecycle events and admin audit entries.
	Enabled bool `mapstructure:"enabled"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" validate:"required_if=Enabled true"`

	// Retention is how long events are kept. Zero keeps them forever.
	Retention time.Duration `mapstructure:"retention" validate:"gte=0"`
}

// EngineConfig configures the record runner.
type EngineConfig struct {
	// RetryInterval is how often records retained for retry are re-attempted.
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gt=0"`

	// WaitForPorts holds records until the port table reports PortInitDone.
	WaitForPorts bool `mapstructure:"wait_for_ports"`
}

// PolicyConfig configures the Rego admission policies.
type PolicyConfig struct {
	// Enabled checks group definitions against the policies before they are applied.
	Enabled bool `mapstructure:"enabled"`

	// Paths lists .rego/.json files and directories loaded next to the built-in policies.
	Paths []string `mapstructure:"paths" validate:"dive,required"`

	// Disabled lists policies, built-in or loaded, that are not evaluated.
	Disabled []string `mapstructure:"disabled" validate:"dive,required"`

	// Watch reloads Paths when policy files change.
	Watch bool `mapstructure:"watch"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:         "127.0.0.1:6379",
			DB:           0,
			GroupTable:   "ISOLATION_GROUP_TABLE",
			PortTable:    "PORT_TABLE",
			PollInterval: time.Second,
			BatchSize:    128,
		},
		Admin: AdminConfig{
			Enabled:      true,
			Listen:       "127.0.0.1:8089",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      "/var/lib/isogrpd/journal.db",
			Retention: 7 * 24 * time.Hour,
		},
		Engine: EngineConfig{
			RetryInterval: time.Second,
			WaitForPorts:  true,
		},
		Policy: PolicyConfig{
			Enabled:  true,
			Paths:    []string{},
			Disabled: []string{},
			Watch:    true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}
