package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Digest    DigestConfig    `json:"digest"`
	Store     StoreConfig     `json:"store"`
	Archive   ArchiveConfig   `json:"archive"`
	Email     *EmailConfig    `json:"email,omitempty"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// HealthInterval controls how often the adapter probes the session.
	HealthInterval string `json:"health_interval,omitempty"`
	// HealthFailLimit is the number of consecutive failed probes before the
	// session is declared lost.
	HealthFailLimit int `json:"health_fail_limit,omitempty"`
}

// DigestConfig controls digest generation cadence and output.
//
// TickInterval is the polling granularity of the scheduler loop; the per-tenant
// digest interval (delivery cadence) lives in the tenant store and defaults to
// DefaultIntervalMinutes for newly seen tenants.
type DigestConfig struct {
	DefaultIntervalMinutes int `json:"default_interval_minutes,omitempty"`
	// TickInterval is a Go duration string (e.g. "60s").
	TickInterval string `json:"tick_interval,omitempty"`
	ArtifactDir  string `json:"artifact_dir,omitempty"`
}

// StoreConfig locates the tenant configuration snapshot file.
type StoreConfig struct {
	Path string `json:"path"`
}

// ArchiveConfig controls the sqlite message archive.
type ArchiveConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// EmailConfig controls outbound digest email. If the whole section is omitted
// (or api_key is empty) no email is ever sent; digests are still rendered and
// written to the artifact directory.
type EmailConfig struct {
	APIKey        string `json:"api_key"`
	From          string `json:"from"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}

// ReconnectConfig bounds the session reconnect backoff.
//
// Attempt k (1-indexed) waits min(initial_delay * 2^(k-1), max_delay) before
// retrying; after max_attempts the process shuts down.
type ReconnectConfig struct {
	InitialDelay string `json:"initial_delay,omitempty"` // Go duration string
	MaxDelay     string `json:"max_delay,omitempty"`     // Go duration string
	MaxAttempts  int    `json:"max_attempts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}

// Defaults mirrored from the process environment of the original deployment.
const (
	DefaultIntervalMinutes = 1440 // 24 hours
	DefaultTickInterval    = "60s"
	DefaultArtifactDir     = "./digests"
	DefaultStorePath       = "./bot_config.json"
	DefaultArchivePath     = "./archive.db"

	DefaultReconnectInitialDelay = "5s"
	DefaultReconnectMaxDelay     = "60s"
	DefaultReconnectMaxAttempts  = 100
)

// ApplyDefaults fills zero-valued fields in place. It runs once at load time
// so call sites never have to re-check for missing values.
func (c *Config) ApplyDefaults() {
	if c.Digest.DefaultIntervalMinutes <= 0 {
		c.Digest.DefaultIntervalMinutes = DefaultIntervalMinutes
	}
	if c.Digest.TickInterval == "" {
		c.Digest.TickInterval = DefaultTickInterval
	}
	if c.Digest.ArtifactDir == "" {
		c.Digest.ArtifactDir = DefaultArtifactDir
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Archive.Path == "" {
		c.Archive.Path = DefaultArchivePath
	}
	if c.Reconnect.InitialDelay == "" {
		c.Reconnect.InitialDelay = DefaultReconnectInitialDelay
	}
	if c.Reconnect.MaxDelay == "" {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = DefaultReconnectMaxAttempts
	}
}
