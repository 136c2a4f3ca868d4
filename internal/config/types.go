package config

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Server     ServerConfig     `json:"server"`
	SMTP       SMTPConfig       `json:"smtp"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Storage    StorageConfig    `json:"storage"`
	Sources    []SourceConfig   `json:"sources"`
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

// ServerConfig controls the HTTP API.
//
// There is no authentication layer; bind to loopback (the default) and put a
// reverse proxy in front if the API must be reachable from elsewhere.
type ServerConfig struct {
	Addr string `json:"addr,omitempty"` // default: "127.0.0.1:8480"

	// Pprof mounts the runtime profiling endpoints under /debug.
	Pprof bool `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	// TLS selects implicit TLS; false means STARTTLS.
	TLS     bool   `json:"tls,omitempty"`
	From    string `json:"from"`
	ReplyTo string `json:"reply_to,omitempty"`

	RatePerMinute int `json:"rate_per_minute,omitempty"`
}

// DispatcherConfig controls the run execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - history_size: 200
type DispatcherConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

// SchedulerConfig controls the cron trigger service. Per-source schedules
// live on the source entries; this only toggles the service and its
// timezone.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Rome"
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SourceConfig declares one scraping data source.
//
// Command is a full command line (shell-quoted, split at load time).
// Timeout bounds the external process; omitted means the runner default.
// Transform optionally names a built-in record post-processor.
// Schedule is an optional cron spec for automatic triggers.
type SourceConfig struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	Timeout    string            `json:"timeout,omitempty"`
	Transform  string            `json:"transform,omitempty"`
	Schedule   string            `json:"schedule,omitempty"`
	Recipients []RecipientConfig `json:"recipients,omitempty"`
}

type RecipientConfig struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}
