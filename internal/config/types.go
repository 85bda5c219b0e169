package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("30s", "15m"); empty means the component default.
type Config struct {
	// Environment is "production", "staging" or "development". Anything but
	// production runs a reminder scan at startup.
	Environment string `json:"environment"`

	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Redis         RedisConfig         `json:"redis,omitempty"`
	Reminders     RemindersConfig     `json:"reminders"`
	Delivery      DeliveryConfig      `json:"delivery"`
	PasswordReset PasswordResetConfig `json:"password_reset"`
	Mail          MailConfig          `json:"mail"`
	Telegram      TelegramConfig      `json:"telegram,omitempty"`
	Sentry        SentryConfig        `json:"sentry,omitempty"`
	Alerts        AlertsConfig        `json:"alerts,omitempty"`
	HTTP          HTTPConfig          `json:"http"`
}

type LoggingConfig struct {
	Level   string           `json:"level"`
	Console bool             `json:"console"`
	File    FileLogConfig    `json:"file,omitempty"`
	Forward ForwardLogConfig `json:"forward,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// MaxAge and RotationTime turn on rotation ("168h", "24h").
	MaxAge       string `json:"max_age,omitempty"`
	RotationTime string `json:"rotation_time,omitempty"`
}

// ForwardLogConfig pushes warn+ log lines to the Telegram alert chat.
type ForwardLogConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver          string `json:"driver"`
	Path            string `json:"path,omitempty"`
	DSN             string `json:"dsn,omitempty"`
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	MaxOpenConns    int    `json:"max_open_conns,omitempty"`
	ConnectAttempts int    `json:"connect_attempts,omitempty"`
}

// RedisConfig backs the rate windows when set. Empty Addr keeps them in
// process memory.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type RemindersConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is "HH:MM", a cron expression, "@daily"-style descriptor or
	// an "every:<duration>" interval.
	Schedule     string `json:"schedule"`
	Timezone     string `json:"timezone"`
	RunOnStartup *bool  `json:"run_on_startup,omitempty"`
	ScanTimeout  string `json:"scan_timeout,omitempty"`
	// Lease is how long a claim blocks re-enqueue of the same reminder.
	Lease string `json:"lease,omitempty"`
	// RedeliveryLimit caps re-enqueues of one reminder per RedeliveryWindow.
	RedeliveryLimit  int    `json:"redelivery_limit,omitempty"`
	RedeliveryWindow string `json:"redelivery_window,omitempty"`
}

type DeliveryConfig struct {
	Workers       int     `json:"workers,omitempty"`
	PollInterval  string  `json:"poll_interval,omitempty"`
	MaxAttempts   int     `json:"max_attempts,omitempty"`
	MaxPending    int     `json:"max_pending,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	Lease         string  `json:"lease,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	RateBurst     int     `json:"rate_burst,omitempty"`
	StopTimeout   string  `json:"stop_timeout,omitempty"`
}

type PasswordResetConfig struct {
	TokenTTL        string `json:"token_ttl,omitempty"`
	LinkBaseURL     string `json:"link_base_url"`
	RateLimit       int    `json:"rate_limit,omitempty"`
	RateWindow      string `json:"rate_window,omitempty"`
	CleanupSchedule string `json:"cleanup_schedule,omitempty"`
	PurgeGrace      string `json:"purge_grace,omitempty"`
}

type MailConfig struct {
	// Driver is "smtp", "amqp" or "log".
	Driver string     `json:"driver"`
	From   string     `json:"from"`
	SMTP   SMTPConfig `json:"smtp,omitempty"`
	AMQP   AMQPConfig `json:"amqp,omitempty"`
}

type SMTPConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	StartTLS    bool   `json:"starttls,omitempty"`
	ImplicitTLS bool   `json:"implicit_tls,omitempty"`
}

type AMQPConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type SentryConfig struct {
	DSN     string `json:"dsn,omitempty"`
	Release string `json:"release,omitempty"`
}

type AlertsConfig struct {
	Enabled     bool    `json:"enabled"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	DedupWindow string  `json:"dedup_window,omitempty"`
}

type HTTPConfig struct {
	Addr           string `json:"addr"`
	OpsSecret      string `json:"ops_secret,omitempty"`
	PProf          bool   `json:"pprof,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	ShutdownGrace  string `json:"shutdown_grace,omitempty"`
}

// IsProduction reports whether Environment names production.
func (c *Config) IsProduction() bool {
	switch c.Environment {
	case "production", "prod":
		return true
	}
	return false
}

// StartupScan reports whether a reminder scan should run at startup.
func (c *Config) StartupScan() bool {
	if c.Reminders.RunOnStartup != nil {
		return *c.Reminders.RunOnStartup
	}
	return !c.IsProduction()
}
