package app

import (
	"strings"
	"time"

	"pubmatrix/internal/dedup"
	"pubmatrix/internal/limiter"
	"pubmatrix/internal/maintenance"
	"pubmatrix/internal/matrix"
	"pubmatrix/internal/notify"
	"pubmatrix/internal/observability/pprof"
	"pubmatrix/internal/queue"
	"pubmatrix/internal/runner"
	"pubmatrix/internal/store"
	"pubmatrix/internal/uploader"
	logx "pubmatrix/pkg/logx"
)

// Config-to-service mappings. Each translates the string-heavy file
// shape into the typed config a service consumes, so duration parsing
// errors carry the file's field path.

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *Config) (store.Config, error) {
	busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapRetryPolicy(prefix string, base, maxDelay string, jitter float64) (runner.Policy, error) {
	b, err := parseDurationOrDefault(prefix+".retry_base", base, 30*time.Second)
	if err != nil {
		return runner.Policy{}, err
	}
	m, err := parseDurationOrDefault(prefix+".retry_max_delay", maxDelay, 15*time.Minute)
	if err != nil {
		return runner.Policy{}, err
	}
	if jitter == 0 {
		jitter = 0.2
	}
	return runner.Policy{RetryBase: b, RetryMaxDelay: m, RetryJitter: jitter}, nil
}

func mapQueueConfig(cfg *Config) (queue.Config, error) {
	pol, err := mapRetryPolicy("queue", cfg.Queue.RetryBase, cfg.Queue.RetryMaxDelay, cfg.Queue.RetryJitter)
	if err != nil {
		return queue.Config{}, err
	}
	admDelay, err := parseDurationOrDefault("queue.admission_retry_delay", cfg.Queue.AdmissionRetryDelay, 2*time.Second)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Workers:             cfg.Queue.Workers,
		RetryMax:            cfg.Queue.RetryMax,
		Retry:               pol,
		AdmissionRetryDelay: admDelay,
		AdmissionRetryMax:   cfg.Queue.AdmissionRetryMax,
	}, nil
}

func mapMatrixConfig(cfg *Config) (matrix.Config, error) {
	pol, err := mapRetryPolicy("matrix", cfg.Matrix.RetryBase, cfg.Matrix.RetryMaxDelay, cfg.Matrix.RetryJitter)
	if err != nil {
		return matrix.Config{}, err
	}
	return matrix.Config{
		Workers:  cfg.Matrix.Workers,
		RetryMax: cfg.Matrix.RetryMax,
		Retry:    pol,
	}, nil
}

func mapDedupWindows(cfg *Config) (dedup.Windows, error) {
	pending, err := parseDurationOrDefault("queue.dedup.pending_window", cfg.Queue.Dedup.PendingWindow, 24*time.Hour)
	if err != nil {
		return dedup.Windows{}, err
	}
	// An absent success window means a week; an explicit "0s" disables
	// the already-published check, so the raw string decides.
	success := 7 * 24 * time.Hour
	if strings.TrimSpace(cfg.Queue.Dedup.SuccessWindow) != "" {
		success, err = parseDurationField("queue.dedup.success_window", cfg.Queue.Dedup.SuccessWindow)
		if err != nil {
			return dedup.Windows{}, err
		}
	}
	return dedup.Windows{Pending: pending, Success: success}, nil
}

func mapLimiterConfig(cfg *Config) limiter.Config {
	out := limiter.Config{Platforms: make(map[string]limiter.PlatformLimit, len(cfg.Platforms))}
	for name, p := range cfg.Platforms {
		pl := limiter.PlatformLimit{
			MaxConcurrent: p.MaxConcurrent,
			PerAccount:    p.PerAccount,
			RatePerMin:    p.RatePerMin,
		}
		if name == "default" {
			out.Default = pl
			continue
		}
		out.Platforms[name] = pl
	}
	return out
}

func mapUploaderConfig(cfg *Config) (uploader.Config, error) {
	timeout, err := parseDurationOrDefault("uploader.timeout", cfg.Uploader.Timeout, 20*time.Minute)
	if err != nil {
		return uploader.Config{}, err
	}
	return uploader.Config{Timeout: timeout, Commands: cfg.Uploader.Commands}, nil
}

func mapNotifyConfig(cfg *Config) (notify.Config, error) {
	if cfg.Notify == nil {
		return notify.Config{}, nil
	}
	window, err := parseDurationOrDefault("notify.dedup_window", cfg.Notify.DedupWindow, 10*time.Minute)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:     cfg.Notify.Enabled,
		QueueSize:   cfg.Notify.QueueSize,
		RatePerSec:  cfg.Notify.RatePerSec,
		DedupWindow: window,
	}, nil
}

func mapMaintenanceConfig(cfg *Config) (maintenance.Config, error) {
	if cfg.Maintenance == nil {
		return maintenance.Config{}, nil
	}
	retention, err := parseDurationOrDefault("maintenance.retention", cfg.Maintenance.Retention, 720*time.Hour)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:   cfg.Maintenance.Enabled,
		Spec:      cfg.Maintenance.Spec,
		Retention: retention,
	}, nil
}

func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	rt, err := parseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	wt, err := parseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	it, err := parseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              cfg.Pprof.Enabled,
		Addr:                 cfg.Pprof.Addr,
		Prefix:               cfg.Pprof.Prefix,
		Token:                cfg.Pprof.Token,
		AllowInsecure:        cfg.Pprof.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
		MemProfileRate:       cfg.Pprof.MemProfileRate,
	}, nil
}
