package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// CRM holds credentials and snapshot settings for the lead source.
	CRM CRMConfig `json:"crm"`

	// Gupshup holds credentials for the outbound WhatsApp channel.
	Gupshup GupshupConfig `json:"gupshup"`

	// Broadcast controls dispatch pacing and the daily sending window.
	Broadcast BroadcastConfig `json:"broadcast"`

	Storage StorageConfig `json:"storage"`
	Ops     *OpsConfig    `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
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

// CRMConfig points at an amoCRM/Kommo account.
//
// Subdomain is the account name only; the base URL is autodetected by
// probing .amocrm.ru first and falling back to .kommo.com.
type CRMConfig struct {
	Subdomain   string `json:"subdomain"`
	AccessToken string `json:"access_token"`

	// PipelineID selects the lead pipeline the funnel snapshot is built
	// from. 0 means autodetect the account's first pipeline.
	PipelineID int64 `json:"pipeline_id,omitempty"`

	// RefreshRetries bounds snapshot refresh attempts. Default 3.
	RefreshRetries int `json:"refresh_retries,omitempty"`
	// RefreshRetryPause is a Go duration string between attempts. Default "5s".
	RefreshRetryPause string `json:"refresh_retry_pause,omitempty"`
	// RequestTimeout is a Go duration string for single HTTP calls. Default "30s".
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type GupshupConfig struct {
	APIKey string `json:"api_key"`
	// AppName identifies the Gupshup app (the "source name").
	AppName string `json:"app_name"`
	// Source is the sender phone number in international digits.
	Source string `json:"source"`
	// RequestTimeout is a Go duration string for single send calls. Default "30s".
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// BroadcastConfig controls the dispatch engine.
//
// All durations are Go duration strings (e.g. "30s", "2m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - delay_min: "30s"
//   - delay_max: "2m"
//   - day_from: "09:00"
//   - day_until: "20:00"
//   - rate_per_min: 0 (global rate cap disabled)
type BroadcastConfig struct {
	Workers int `json:"workers,omitempty"`

	// DelayMin/DelayMax bound the randomized pause between contacts.
	DelayMin string `json:"delay_min,omitempty"`
	DelayMax string `json:"delay_max,omitempty"`

	// DayFrom/DayUntil are the default local sending window ("HH:MM").
	// Individual jobs may override them.
	DayFrom  string `json:"day_from,omitempty"`
	DayUntil string `json:"day_until,omitempty"`

	// RatePerMin caps outbound sends across all jobs. 0 disables the cap.
	RatePerMin int `json:"rate_per_min,omitempty"`
}

// StorageConfig locates the on-disk state.
//
// Example:
//
//	"storage": { "dir": "./blastbot_store" }
//
// The directory holds scheduled.json, admins.json, the delivery database
// and the CRM snapshot files.
type StorageConfig struct {
	Dir         string `json:"dir"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// OpsConfig controls the optional operational HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8088").
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8088"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
