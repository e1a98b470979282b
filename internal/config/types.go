package config

import "fmt"

// Config is the whole daemon configuration. The file may be YAML or
// JSON; both are decoded strictly, so unknown keys are rejected.
//
// All duration fields are Go duration strings (e.g. "30s", "15m", "168h").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Queue is the durable multi-worker publish scheduler.
	Queue QueueConfig `json:"queue"`
	// Matrix is the simpler in-process scheduler for matrix batches.
	Matrix MatrixConfig `json:"matrix"`

	// Platforms holds per-destination admission limits and pacing.
	// The reserved key "default" applies to platforms without an entry.
	Platforms map[string]PlatformConfig `json:"platforms,omitempty"`

	Uploader UploaderConfig `json:"uploader"`

	Notify      *NotifyConfig      `json:"notify,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
	Pprof       PprofConfig        `json:"pprof,omitempty"`
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

// StorageConfig selects the job store backend. Only sqlite is supported.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the durable scheduler.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - retry_max: 3
//   - retry_base: "30s", retry_max_delay: "15m", retry_jitter: 0.2
//   - admission_retry_delay: "2s", admission_retry_max: 10
type QueueConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers,omitempty"`

	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	// Admission deferrals: a job refused by the concurrency limiter is
	// put back for this long. These are not business retries and never
	// consume the retry budget.
	AdmissionRetryDelay string `json:"admission_retry_delay,omitempty"`
	AdmissionRetryMax   int    `json:"admission_retry_max,omitempty"`

	Dedup DedupConfig `json:"dedup"`
}

// DedupConfig scopes the duplicate-submission checks.
// success_window "0s" disables the recent-success check.
type DedupConfig struct {
	PendingWindow string `json:"pending_window,omitempty"`
	SuccessWindow string `json:"success_window,omitempty"`
}

// MatrixConfig controls the in-process matrix scheduler.
type MatrixConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers,omitempty"`

	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
}

// PlatformConfig is the admission policy for one destination.
type PlatformConfig struct {
	// MaxConcurrent caps in-flight jobs on the platform. 0 = unlimited.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// PerAccount caps in-flight jobs per (platform, account). 0 disables.
	PerAccount int `json:"per_account,omitempty"`
	// RatePerMin paces job starts on the platform. 0 disables pacing.
	RatePerMin float64 `json:"rate_per_min,omitempty"`
}

// UploaderConfig maps platforms to external uploader commands.
type UploaderConfig struct {
	// Timeout caps one uploader invocation (e.g. "20m"). "0s" disables.
	Timeout string `json:"timeout,omitempty"`
	// Commands maps platform name to a command line (split on whitespace).
	Commands map[string]string `json:"commands"`
}

// NotifyConfig controls the operator escalation notifier.
// If the section is omitted the notifier is disabled.
type NotifyConfig struct {
	Enabled     bool           `json:"enabled"`
	QueueSize   int            `json:"queue_size,omitempty"`
	RatePerSec  int            `json:"rate_per_sec,omitempty"`
	DedupWindow string         `json:"dedup_window,omitempty"`
	Telegram    TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// MaintenanceConfig controls terminal-job retention.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a robfig/cron spec ("@every 6h", "0 3 * * *").
	Spec string `json:"spec,omitempty"`
	// Retention keeps terminal jobs at least this long (e.g. "720h").
	Retention string `json:"retention,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// Validate checks everything that can be checked without starting
// services: duration syntax (with the field path in the error), jitter
// ranges, and required storage settings.
func (c *Config) Validate() error {
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"queue.retry_base", c.Queue.RetryBase},
		{"queue.retry_max_delay", c.Queue.RetryMaxDelay},
		{"queue.admission_retry_delay", c.Queue.AdmissionRetryDelay},
		{"queue.dedup.pending_window", c.Queue.Dedup.PendingWindow},
		{"queue.dedup.success_window", c.Queue.Dedup.SuccessWindow},
		{"matrix.retry_base", c.Matrix.RetryBase},
		{"matrix.retry_max_delay", c.Matrix.RetryMaxDelay},
		{"uploader.timeout", c.Uploader.Timeout},
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	}
	if c.Notify != nil {
		durations = append(durations, struct{ path, raw string }{"notify.dedup_window", c.Notify.DedupWindow})
	}
	if c.Maintenance != nil {
		durations = append(durations, struct{ path, raw string }{"maintenance.retention", c.Maintenance.Retention})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Queue.RetryJitter < 0 || c.Queue.RetryJitter > 1 {
		return fmt.Errorf("queue.retry_jitter: must be in [0, 1], got %v", c.Queue.RetryJitter)
	}
	if c.Matrix.RetryJitter < 0 || c.Matrix.RetryJitter > 1 {
		return fmt.Errorf("matrix.retry_jitter: must be in [0, 1], got %v", c.Matrix.RetryJitter)
	}
	for name, p := range c.Platforms {
		if p.MaxConcurrent < 0 || p.PerAccount < 0 || p.RatePerMin < 0 {
			return fmt.Errorf("platforms.%s: limits must be >= 0", name)
		}
	}
	if c.Notify != nil && c.Notify.Enabled && c.Notify.Telegram.Token == "" {
		return fmt.Errorf("notify.telegram.token: required when notify is enabled")
	}
	return nil
}
