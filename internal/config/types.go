package config

// Config is the top-level daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ops       OpsConfig       `yaml:"ops"`
}

type LoggingConfig struct {
	Level   string            `yaml:"level"`
	Console bool              `yaml:"console"`
	File    LoggingFileConfig `yaml:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StorageConfig selects and configures the persistence driver.
type StorageConfig struct {
	Driver      string `yaml:"driver"`                 // "sqlite" (default) or "postgres"
	Path        string `yaml:"path,omitempty"`         // sqlite file
	DSN         string `yaml:"dsn,omitempty"`          // postgres connection string
	BusyTimeout string `yaml:"busy_timeout,omitempty"` // sqlite busy timeout
}

// DispatchConfig selects and configures the push provider.
type DispatchConfig struct {
	Provider   string          `yaml:"provider"` // "onesignal" (default) or "telegram"
	Timeout    string          `yaml:"timeout,omitempty"`
	RatePerSec int             `yaml:"rate_per_sec,omitempty"`
	OneSignal  OneSignalConfig `yaml:"onesignal,omitempty"`
	Telegram   TelegramConfig  `yaml:"telegram,omitempty"`
}

type OneSignalConfig struct {
	AppID      string `yaml:"app_id"`
	RESTAPIKey string `yaml:"rest_api_key"`
	BaseURL    string `yaml:"base_url,omitempty"` // test override
}

type TelegramConfig struct {
	Token string `yaml:"token"`
}

// EngineConfig controls the notification engine itself.
type EngineConfig struct {
	Workers int    `yaml:"workers,omitempty"`
	Pad     string `yaml:"pad,omitempty"` // window padding; keep equal to the tick interval
	Heading string `yaml:"heading,omitempty"`
}

// SchedulerConfig controls the periodic tick trigger.
//
// Tick is a 5-field cron spec. The default "* * * * *" fires every minute,
// matching the engine's default one-minute pad. Changing one without the
// other opens a coverage gap; the daemon logs a warning when they diverge.
type SchedulerConfig struct {
	Tick string `yaml:"tick,omitempty"`
}

type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"` // default 127.0.0.1:8686
}
