package config

import (
	"hash/fnv"
	"reflect"
	"sort"

	logx "bikenotify/pkg/logx"
)

// HotSections can be applied without a restart.
var HotSections = map[string]bool{"logging": true}

// SummarizeConfigChange lists the top-level sections that differ and a
// few safe attrs for the log line. Secrets are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"environment", oldCfg.Environment, newCfg.Environment},
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"redis", oldCfg.Redis, newCfg.Redis},
		{"reminders", oldCfg.Reminders, newCfg.Reminders},
		{"delivery", oldCfg.Delivery, newCfg.Delivery},
		{"password_reset", oldCfg.PasswordReset, newCfg.PasswordReset},
		{"mail", oldCfg.Mail, newCfg.Mail},
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"sentry", oldCfg.Sentry, newCfg.Sentry},
		{"alerts", oldCfg.Alerts, newCfg.Alerts},
		{"http", oldCfg.HTTP, newCfg.HTTP},
	}

	changed := make([]string, 0, len(sections))
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}
	sort.Strings(changed)

	attrs := []logx.Field{logx.Any("changed", changed)}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward", newCfg.Logging.Forward.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		attrs = append(attrs,
			logx.String("reminders.schedule", newCfg.Reminders.Schedule),
			logx.String("reminders.timezone", newCfg.Reminders.Timezone),
		)
	}
	if oldCfg.Storage.Driver != newCfg.Storage.Driver {
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	return changed, attrs
}

// RestartRequired reports whether any changed section is not hot.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if !HotSections[s] {
			return true
		}
	}
	return false
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
