package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tiersync/internal/tier"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Cron     CronConfig     `mapstructure:"cron"`
	Mailer   MailerConfig   `mapstructure:"mailer"`
	Commerce CommerceConfig `mapstructure:"commerce"`
	Sync     SyncConfig     `mapstructure:"sync"`

	// Transition holds the ordered rule matrix the transition executor walks.
	Transition TransitionConfig `mapstructure:"transition"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	AuthToken string `mapstructure:"auth_token"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN                string        `mapstructure:"dsn"`
	MaxOpenConns       int           `mapstructure:"max_open_conns"`
	MaxIdleConns       int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `mapstructure:"conn_max_idle_time"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
}

type CronConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	SyncTick  string `mapstructure:"sync_tick"`
	Reconcile string `mapstructure:"reconcile"`
}

type MailerConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

type CommerceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Tiers               []string      `mapstructure:"tiers"`
	PageSize            int           `mapstructure:"page_size"`
	MaxPagesPerTick     int           `mapstructure:"max_pages_per_tick"`
	TimeBudget          time.Duration `mapstructure:"time_budget"`
	MemoryBudgetMB      int           `mapstructure:"memory_budget_mb"`
	ErrorQueueCap       int           `mapstructure:"error_queue_cap"`
	TxMaxAttempts       int           `mapstructure:"tx_max_attempts"`
	TxRetryJitter       time.Duration `mapstructure:"tx_retry_jitter"`
	PlatformMaxAttempts int           `mapstructure:"platform_max_attempts"`
	PlatformRetryDelay  time.Duration `mapstructure:"platform_retry_delay"`
}

// TierList returns the configured tiers as typed values, dropping anything
// that does not parse. Order is preserved.
func (c SyncConfig) TierList() []tier.Tier {
	out := make([]tier.Tier, 0, len(c.Tiers))
	for _, raw := range c.Tiers {
		if t, ok := tier.Parse(raw); ok {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return tier.Default
	}
	return out
}

type TransitionConfig struct {
	Rules []TransitionRule `mapstructure:"rules"`
}

type TransitionRule struct {
	From             string `mapstructure:"from"`
	To               string `mapstructure:"to"`
	RequiresPurchase bool   `mapstructure:"requires_purchase"`
}

func (r TransitionRule) Tiers() (from, to tier.Tier, err error) {
	from, ok := tier.Parse(r.From)
	if !ok {
		return "", "", fmt.Errorf("invalid source tier %q", r.From)
	}
	to, ok = tier.Parse(r.To)
	if !ok {
		return "", "", fmt.Errorf("invalid destination tier %q", r.To)
	}
	return from, to, nil
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.slow_query_threshold", 500*time.Millisecond)
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.sync_tick", "@every 5m")
	v.SetDefault("cron.reconcile", "@every 1h")
	v.SetDefault("mailer.base_url", "https://api.mailerlite.com/api/v2")
	v.SetDefault("mailer.timeout", "15s")
	v.SetDefault("mailer.requests_per_second", 2.0)
	v.SetDefault("commerce.base_url", "http://localhost:9090")
	v.SetDefault("commerce.timeout", "15s")
	v.SetDefault("sync.tiers", []string{
		"OPT-IN", "WOOD", "BRONZE", "BRONZE_PURCHASED",
		"SILVER", "SILVER_PURCHASED", "GOLD", "GOLD_PURCHASED",
	})
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.max_pages_per_tick", 20)
	v.SetDefault("sync.time_budget", "10m")
	v.SetDefault("sync.memory_budget_mb", 256)
	v.SetDefault("sync.error_queue_cap", 100)
	v.SetDefault("sync.tx_max_attempts", 3)
	v.SetDefault("sync.tx_retry_jitter", "250ms")
	v.SetDefault("sync.platform_max_attempts", 3)
	v.SetDefault("sync.platform_retry_delay", "500ms")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
