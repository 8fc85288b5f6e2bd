package config

// Config is the on-disk configuration. JSON and YAML files decode into the
// same structure; unknown keys are rejected.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Alerts     AlertsConfig     `json:"alerts"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Render     RenderConfig     `json:"render"`
	Gateway    GatewayConfig    `json:"gateway"`
	Storage    StorageConfig    `json:"storage"`
	Ops        OpsConfig        `json:"ops"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards log lines at or above MinLevel to the alerts chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AlertsConfig is the Telegram chat that receives operator alerts and,
// with run_reports, a summary of every campaign run.
// Token may also come from PROMOBOT_ALERTS_TOKEN.
type AlertsConfig struct {
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RunReports bool   `json:"run_reports,omitempty"`
}

// SchedulerConfig controls triggers and the campaign sweeps.
//
// Defaults:
//   - daily_at: "09:00"
//   - weekly_day: "monday", weekly_at: daily_at
//   - due_sweep: "5m", status_sweep: "2m"
//   - run_timeout: "6h"
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	DailyAt     string `json:"daily_at,omitempty"`
	WeeklyDay   string `json:"weekly_day,omitempty"`
	WeeklyAt    string `json:"weekly_at,omitempty"`
	DueSweep    string `json:"due_sweep,omitempty"`
	StatusSweep string `json:"status_sweep,omitempty"`
	RunTimeout  string `json:"run_timeout,omitempty"`
}

// TaskEngineConfig controls execution of scheduled tasks.
//
// Enabled is a pointer so an omitted value follows scheduler.enabled.
//
// Defaults:
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type DispatchConfig struct {
	BatchSize     int    `json:"batch_size,omitempty"`
	BatchDelay    string `json:"batch_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	MaxRecipients int    `json:"max_recipients,omitempty"`
}

type ReconcilerConfig struct {
	BatchLimit  int    `json:"batch_limit,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type RenderConfig struct {
	DateLayout string `json:"date_layout,omitempty"`
	// Timezone for rendered dates. Empty follows scheduler.timezone.
	Timezone string `json:"timezone,omitempty"`
}

// GatewayConfig points at the HTTP messaging bridge. Token may also come
// from PROMOBOT_GATEWAY_TOKEN.
type GatewayConfig struct {
	BaseURL string        `json:"base_url"`
	Token   string        `json:"token,omitempty"`
	Timeout string        `json:"timeout,omitempty"`
	Breaker BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	MaxRequests         uint32 `json:"max_requests,omitempty"`
	Interval            string `json:"interval,omitempty"`
	OpenTimeout         string `json:"open_timeout,omitempty"`
	ConsecutiveFailures uint32 `json:"consecutive_failures,omitempty"`
}

// StorageConfig selects the repository driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./promobot.db" }
//
// DSN may also come from PROMOBOT_STORAGE_DSN.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// OpsConfig controls the operations HTTP server (health, metrics, pprof,
// schedule snapshots).
//
// Prefer a loopback Addr. Non-loopback binds need a token or
// allow_insecure. Token may also come from PROMOBOT_OPS_TOKEN.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
