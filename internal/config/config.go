// Package config loads and validates rankwatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	// Asia/Seoul must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/spf13/viper"

	goqueryextractor "github.com/rankwatch/rankwatch/internal/extract/goquery"
)

// Snapshot backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Store    StoreConfig    `mapstructure:"store"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Mail     MailConfig     `mapstructure:"mail"`
	API      APIConfig      `mapstructure:"api"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScheduleConfig sets the crawl cadence and the daily capture janitor.
type ScheduleConfig struct {
	// Minute of every hour a pass starts at.
	Minute     int    `mapstructure:"minute"`
	Timezone   string `mapstructure:"timezone"`
	RunOnStart bool   `mapstructure:"run_on_start"`
	// JanitorHour and JanitorMinute set the daily capture cleanup.
	JanitorHour   int `mapstructure:"janitor_hour"`
	JanitorMinute int `mapstructure:"janitor_minute"`
}

// CrawlerConfig governs pass pacing and the page fetcher.
type CrawlerConfig struct {
	RankingURL     string        `mapstructure:"ranking_url"`
	Referer        string        `mapstructure:"referer"`
	UserAgents     []string      `mapstructure:"user_agents"`
	MinDelay       time.Duration `mapstructure:"min_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RateLimitRPS caps requests per second to the ranking host; 0 disables it.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// ExtractConfig overrides the page selectors.
type ExtractConfig struct {
	Selectors goqueryextractor.Selectors `mapstructure:"selectors"`
}

// StoreConfig selects where the ranking snapshot lives.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	Path        string `mapstructure:"path"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSObject   string `mapstructure:"gcs_object"`
	MaxFailures int    `mapstructure:"max_failures"`
}

// PubSubConfig holds metadata for pass-completed notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CaptureConfig configures the headless screenshot run.
type CaptureConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Dir               string        `mapstructure:"dir"`
	ChromePath        string        `mapstructure:"chrome_path"`
	Quality           int           `mapstructure:"quality"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ReadySelector     string        `mapstructure:"ready_selector"`
	CategoryRetries   int           `mapstructure:"category_retries"`
	Attempts          int           `mapstructure:"attempts"`
}

// MailConfig configures the SMTP relay and recipients.
type MailConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	ImplicitTLS   bool          `mapstructure:"implicit_tls"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	From          string        `mapstructure:"from"`
	To            []string      `mapstructure:"to"`
	ErrorTo       []string      `mapstructure:"error_to"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	PartSize      int           `mapstructure:"part_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// APIConfig tunes the query handlers.
type APIConfig struct {
	DefaultCategory string `mapstructure:"default_category"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Mail credentials keep the names the deployment's .env already uses.
	_ = v.BindEnv("mail.username", "RANKWATCH_MAIL_USERNAME", "EMAIL_USER")
	_ = v.BindEnv("mail.password", "RANKWATCH_MAIL_PASSWORD", "EMAIL_PASS")

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5001)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("schedule.minute", 15)
	v.SetDefault("schedule.timezone", "Asia/Seoul")
	v.SetDefault("schedule.run_on_start", false)
	v.SetDefault("schedule.janitor_hour", 0)
	v.SetDefault("schedule.janitor_minute", 0)
	v.SetDefault("crawler.ranking_url",
		"https://www.oliveyoung.co.kr/store/main/getBestList.do?dispCatNo=900000100100001&pageIdx=1&rowsPerPage=24&selectType=N")
	v.SetDefault("crawler.referer", "https://www.oliveyoung.co.kr/store/main/main.do")
	v.SetDefault("crawler.min_delay", "2s")
	v.SetDefault("crawler.max_delay", "5s")
	v.SetDefault("crawler.max_retries", 2)
	v.SetDefault("crawler.retry_backoff", "2s")
	v.SetDefault("crawler.request_timeout", "20s")
	v.SetDefault("crawler.rate_limit_rps", 1)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("store.backend", BackendLocal)
	v.SetDefault("store.path", "ranking_data.json")
	v.SetDefault("store.gcs_object", "rankwatch/ranking_data.json")
	v.SetDefault("store.max_failures", 0)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic_name", "rankwatch-passes")
	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.dir", "public/captures")
	v.SetDefault("capture.quality", 90)
	v.SetDefault("capture.window_width", 1920)
	v.SetDefault("capture.window_height", 1500)
	v.SetDefault("capture.navigation_timeout", "30s")
	v.SetDefault("capture.settle_delay", "2s")
	v.SetDefault("capture.ready_selector", ".TabsConts")
	v.SetDefault("capture.category_retries", 3)
	v.SetDefault("capture.attempts", 3)
	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.host", "smtp.worksmobile.com")
	v.SetDefault("mail.port", 465)
	v.SetDefault("mail.implicit_tls", true)
	v.SetDefault("mail.subject_prefix", "올리브영")
	v.SetDefault("mail.part_size", 7)
	v.SetDefault("mail.timeout", "60s")
	v.SetDefault("api.default_category", "skincare")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Schedule.Minute < 0 || c.Schedule.Minute > 59 {
		return fmt.Errorf("schedule.minute must be within 0..59")
	}
	if c.Schedule.JanitorHour < 0 || c.Schedule.JanitorHour > 23 ||
		c.Schedule.JanitorMinute < 0 || c.Schedule.JanitorMinute > 59 {
		return fmt.Errorf("schedule.janitor_hour/janitor_minute out of range")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Crawler.RankingURL == "" {
		return fmt.Errorf("crawler.ranking_url must be set")
	}
	if c.Crawler.MinDelay < 0 || c.Crawler.MaxDelay < c.Crawler.MinDelay {
		return fmt.Errorf("crawler.max_delay must be >= crawler.min_delay >= 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	switch c.Store.Backend {
	case BackendLocal:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the local backend")
		}
	case BackendGCS:
		if c.Store.GCSBucket == "" {
			return fmt.Errorf("store.gcs_bucket must be set for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend %q is not one of local, gcs, memory", c.Store.Backend)
	}
	if c.Store.MaxFailures < 0 {
		return fmt.Errorf("store.max_failures must be >= 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Capture.Enabled {
		if c.Capture.Dir == "" {
			return fmt.Errorf("capture.dir must be set when capture is enabled")
		}
		if c.Capture.Quality < 1 || c.Capture.Quality > 99 {
			return fmt.Errorf("capture.quality must be within 1..99")
		}
		if !c.Mail.Enabled {
			return errors.New("capture requires mail.enabled")
		}
	}
	if c.Mail.Enabled {
		if c.Mail.Host == "" || c.Mail.Port <= 0 {
			return fmt.Errorf("mail.host and mail.port must be set when mail is enabled")
		}
		if c.Mail.Username == "" && c.Mail.From == "" {
			return fmt.Errorf("mail.username or mail.from must be set when mail is enabled")
		}
		if len(c.Mail.To) == 0 {
			return fmt.Errorf("mail.to must list at least one recipient when mail is enabled")
		}
	}
	return nil
}

// Location resolves schedule.timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone %q: %w", c.Schedule.Timezone, err)
	}
	return loc, nil
}

// MailErrorRecipients returns who receives error mails: mail.error_to, or the
// sending account when unset.
func (c Config) MailErrorRecipients() []string {
	if len(c.Mail.ErrorTo) > 0 {
		return c.Mail.ErrorTo
	}
	if c.Mail.Username != "" {
		return []string{c.Mail.Username}
	}
	return nil
}
