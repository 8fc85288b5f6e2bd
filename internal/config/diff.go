package config

import (
	"reflect"
	"sort"
	"strings"

	logx "promobot/pkg/logx"
)

// restartSections cannot be swapped on a running process.
var restartSections = map[string]bool{"storage": true, "gateway": true, "render": true}

// SummarizeConfigChange returns the changed sections, safe attrs for
// logging, and the subset of changed sections that need a restart.
// Tokens and DSNs are never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := redacted(*oldCfg), redacted(*newCfg)

	var changed, restart []string
	var attrs []logx.Field
	mark := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
		if restartSections[name] {
			restart = append(restart, name)
		}
	}

	mark("logging", !reflect.DeepEqual(o.Logging, n.Logging),
		logx.String("logging.level", n.Logging.Level),
		logx.Bool("logging.console", n.Logging.Console),
		logx.Bool("logging.file", n.Logging.File.Enabled),
		logx.Bool("logging.alerts", n.Logging.Alerts.Enabled),
	)
	mark("alerts", !reflect.DeepEqual(o.Alerts, n.Alerts),
		logx.Bool("alerts.token_set", n.Alerts.Token != ""),
		logx.Bool("alerts.chat_set", n.Alerts.ChatID != 0),
	)
	mark("scheduler", !reflect.DeepEqual(o.Scheduler, n.Scheduler),
		logx.Bool("scheduler.enabled", n.Scheduler.Enabled),
		logx.String("scheduler.timezone", strings.TrimSpace(n.Scheduler.Timezone)),
		logx.String("scheduler.daily_at", n.Scheduler.DailyAt),
		logx.String("scheduler.due_sweep", n.Scheduler.DueSweep),
	)
	mark("task_engine", !reflect.DeepEqual(o.TaskEngine, n.TaskEngine),
		logx.Int("task_engine.workers", n.TaskEngine.Workers),
		logx.Int("task_engine.queue_size", n.TaskEngine.QueueSize),
		logx.Int("task_engine.retry_max", n.TaskEngine.RetryMax),
	)
	mark("dispatch", o.Dispatch != n.Dispatch,
		logx.Int("dispatch.batch_size", n.Dispatch.BatchSize),
		logx.String("dispatch.batch_delay", n.Dispatch.BatchDelay),
		logx.Int("dispatch.max_recipients", n.Dispatch.MaxRecipients),
	)
	mark("reconciler", o.Reconciler != n.Reconciler,
		logx.Int("reconciler.batch_limit", n.Reconciler.BatchLimit),
	)
	mark("render", o.Render != n.Render,
		logx.String("render.date_layout", n.Render.DateLayout),
		logx.String("render.timezone", n.Render.Timezone),
	)
	mark("gateway", o.Gateway != n.Gateway,
		logx.String("gateway.base_url", n.Gateway.BaseURL),
		logx.Bool("gateway.token_set", n.Gateway.Token != ""),
	)
	mark("storage", o.Storage != n.Storage,
		logx.String("storage.driver", n.Storage.Driver),
		logx.Bool("storage.path_set", n.Storage.Path != ""),
		logx.Bool("storage.dsn_set", n.Storage.DSN != ""),
	)
	mark("ops", o.Ops != n.Ops,
		logx.Bool("ops.enabled", n.Ops.Enabled),
		logx.String("ops.addr", n.Ops.Addr),
		logx.Bool("ops.token_set", n.Ops.Token != ""),
	)

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

// redacted replaces secrets with a marker so comparisons still notice a
// secret being set or rotated without the value leaving this function.
func redacted(c Config) Config {
	c.Alerts.Token = mask(c.Alerts.Token)
	c.Gateway.Token = mask(c.Gateway.Token)
	c.Storage.DSN = mask(c.Storage.DSN)
	c.Ops.Token = mask(c.Ops.Token)
	return c
}

func mask(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set:" + hashHex(s)
}
