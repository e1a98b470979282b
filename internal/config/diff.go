package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pubmatrix/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for the reload log line. Secrets (tokens) are
// reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Bool("queue.enabled", newCfg.Queue.Enabled),
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Int("queue.retry_max", newCfg.Queue.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Matrix, newCfg.Matrix) {
		changed = append(changed, "matrix")
		attrs = append(attrs,
			logx.Bool("matrix.enabled", newCfg.Matrix.Enabled),
			logx.Int("matrix.workers", newCfg.Matrix.Workers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Platforms, newCfg.Platforms) {
		changed = append(changed, "platforms")
		attrs = append(attrs, logx.Int("platforms.count", len(newCfg.Platforms)))
	}

	if !reflect.DeepEqual(oldCfg.Uploader, newCfg.Uploader) {
		changed = append(changed, "uploader")
		attrs = append(attrs,
			logx.Int("uploader.commands", len(newCfg.Uploader.Commands)),
			logx.String("uploader.timeout", strings.TrimSpace(newCfg.Uploader.Timeout)),
		)
	}

	// Notify (never log the token).
	oldN, newN := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if (oldCfg.Notify != nil) != (newCfg.Notify != nil) || !equalNotifySafe(oldN, newN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newN.Enabled),
			logx.Int("notify.rate_per_sec", newN.RatePerSec),
			logx.Bool("notify.token_set", strings.TrimSpace(newN.Telegram.Token) != ""),
		)
	}

	oldM, newM := derefMaintenance(oldCfg.Maintenance), derefMaintenance(newCfg.Maintenance)
	if !reflect.DeepEqual(oldM, newM) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newM.Enabled),
			logx.String("maintenance.spec", strings.TrimSpace(newM.Spec)),
			logx.String("maintenance.retention", strings.TrimSpace(newM.Retention)),
		)
	}

	// Pprof (never log the token).
	op, np := oldCfg.Pprof, newCfg.Pprof
	tokenFlip := (strings.TrimSpace(op.Token) != "") != (strings.TrimSpace(np.Token) != "")
	op.Token, np.Token = "", ""
	if tokenFlip || !reflect.DeepEqual(op, np) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

func derefMaintenance(m *MaintenanceConfig) MaintenanceConfig {
	if m == nil {
		return MaintenanceConfig{}
	}
	return *m
}

// equalNotifySafe compares notify sections, treating the token as a
// set/unset flag so rotations still show as a change without exposing it.
func equalNotifySafe(a, b NotifyConfig) bool {
	aSet := strings.TrimSpace(a.Telegram.Token) != ""
	bSet := strings.TrimSpace(b.Telegram.Token) != ""
	tokenChanged := a.Telegram.Token != b.Telegram.Token
	a.Telegram.Token, b.Telegram.Token = "", ""
	return aSet == bSet && !tokenChanged && reflect.DeepEqual(a, b)
}
