package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	Symbols        []string             `yaml:"symbols"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	RateLimits     []RateLimitRule      `yaml:"rate_limits"`
	MarketData     MarketDataConfig     `yaml:"market_data"`
	Execution      ExecutionConfig      `yaml:"execution"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Telegram       TelegramConfig       `yaml:"telegram"`
	State          StateConfig          `yaml:"state"`
	Runtime        RuntimeConfig        `yaml:"runtime"`
}

type ExchangeConfig struct {
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	RestBaseURL    string `yaml:"rest_base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	RecvWindowMs   int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
	KeepaliveSec   int64  `yaml:"keepalive_sec"`
}

// RateLimitRule mirrors one row of the exchange's published limit table.
type RateLimitRule struct {
	Class        string  `yaml:"class"`
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

type MarketDataConfig struct {
	StalenessWindowSec int64  `yaml:"staleness_window_sec"`
	KlineHistory       int    `yaml:"kline_history"`
	KlineInterval      string `yaml:"kline_interval"`
}

type ExecutionConfig struct {
	MaxSubmitAttempts   int     `yaml:"max_submit_attempts"`
	MaxRateWaitAttempts int     `yaml:"max_rate_wait_attempts"`
	BackoffBaseMs       int64   `yaml:"backoff_base_ms"`
	BackoffMaxMs        int64   `yaml:"backoff_max_ms"`
	OrderTimeoutSec     int64   `yaml:"order_timeout_sec"`
	PriceBand           Decimal `yaml:"price_band"`
	Issuers             int     `yaml:"issuers"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxSubmitFailures    int   `yaml:"max_submit_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
}

type TelegramConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BotToken       string `yaml:"bot_token"`
	ChatID         string `yaml:"chat_id"`
	APIBaseURL     string `yaml:"api_base_url"`
	TimeoutSec     int64  `yaml:"timeout_sec"`
	PollTimeoutSec int64  `yaml:"poll_timeout_sec"`
}

type StateConfig struct {
	Dir string `yaml:"dir"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	ReconcileSec       int64 `yaml:"reconcile_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	for i := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(c.Symbols[i]))
	}
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	for i := range c.RateLimits {
		c.RateLimits[i].Class = strings.ToLower(strings.TrimSpace(c.RateLimits[i].Class))
	}
	c.MarketData.KlineInterval = strings.ToLower(strings.TrimSpace(c.MarketData.KlineInterval))
	c.Telegram.BotToken = strings.TrimSpace(c.Telegram.BotToken)
	c.Telegram.ChatID = strings.TrimSpace(c.Telegram.ChatID)
	c.Telegram.APIBaseURL = strings.TrimSpace(c.Telegram.APIBaseURL)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	// Credentials may come from the environment instead of the file.
	if c.Exchange.APIKey == "" {
		c.Exchange.APIKey = strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	}
	if c.Exchange.APISecret == "" {
		c.Exchange.APISecret = strings.TrimSpace(os.Getenv("BINANCE_API_SECRET"))
	}
	if c.Telegram.BotToken == "" {
		c.Telegram.BotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	}
	if c.Telegram.ChatID == "" {
		c.Telegram.ChatID = strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID"))
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTestnet
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.KeepaliveSec == 0 {
		c.Exchange.KeepaliveSec = 30
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://stream.testnet.binance.vision/ws"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://stream.binance.com:9443/ws"
		}
	}
	if len(c.RateLimits) == 0 {
		c.RateLimits = []RateLimitRule{
			{Class: "request", Capacity: 1200, RefillPerSec: 20},
			{Class: "order", Capacity: 50, RefillPerSec: 1},
		}
	}
	if c.MarketData.StalenessWindowSec == 0 {
		c.MarketData.StalenessWindowSec = 10
	}
	if c.MarketData.KlineHistory == 0 {
		c.MarketData.KlineHistory = 100
	}
	if c.MarketData.KlineInterval == "" {
		c.MarketData.KlineInterval = "1m"
	}
	if c.Execution.MaxSubmitAttempts == 0 {
		c.Execution.MaxSubmitAttempts = 3
	}
	if c.Execution.MaxRateWaitAttempts == 0 {
		c.Execution.MaxRateWaitAttempts = 5
	}
	if c.Execution.BackoffBaseMs == 0 {
		c.Execution.BackoffBaseMs = 500
	}
	if c.Execution.BackoffMaxMs == 0 {
		c.Execution.BackoffMaxMs = 30000
	}
	if c.Execution.OrderTimeoutSec == 0 {
		c.Execution.OrderTimeoutSec = 300
	}
	if c.Execution.PriceBand.Cmp(decimal.Zero) == 0 {
		c.Execution.PriceBand = Decimal{decimal.RequireFromString("0.05")}
	}
	if c.Execution.Issuers == 0 {
		c.Execution.Issuers = 2
	}
	if c.CircuitBreaker.MaxSubmitFailures == 0 {
		c.CircuitBreaker.MaxSubmitFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 30
	}
	if c.Telegram.APIBaseURL == "" {
		c.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Telegram.TimeoutSec == 0 {
		c.Telegram.TimeoutSec = 10
	}
	if c.Telegram.PollTimeoutSec == 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.Runtime.HeartbeatSec == 0 {
		c.Runtime.HeartbeatSec = 300
	}
	if c.Runtime.ReconcileSec == 0 {
		c.Runtime.ReconcileSec = 60
	}
	if c.Runtime.AlertDropReportSec == 0 {
		c.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be testnet or live")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	for _, s := range c.Symbols {
		if !isValidSymbol(s) {
			return fmt.Errorf("symbol %q must match [A-Z0-9], length 6..20", s)
		}
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required")
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.KeepaliveSec < 1 || c.Exchange.KeepaliveSec > 300 {
		return fmt.Errorf("exchange keepalive_sec must be between 1 and 300")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	seenClass := make(map[string]struct{}, len(c.RateLimits))
	for _, rule := range c.RateLimits {
		if rule.Class == "" {
			return fmt.Errorf("rate_limits class is required")
		}
		if _, ok := seenClass[rule.Class]; ok {
			return fmt.Errorf("rate_limits class %q is duplicated", rule.Class)
		}
		seenClass[rule.Class] = struct{}{}
		if rule.Capacity < 1 {
			return fmt.Errorf("rate_limits %q capacity must be >= 1", rule.Class)
		}
		if rule.RefillPerSec <= 0 {
			return fmt.Errorf("rate_limits %q refill_per_sec must be > 0", rule.Class)
		}
	}
	if c.MarketData.StalenessWindowSec < 1 || c.MarketData.StalenessWindowSec > 600 {
		return fmt.Errorf("market_data.staleness_window_sec must be between 1 and 600")
	}
	if c.MarketData.KlineHistory < 1 || c.MarketData.KlineHistory > 1000 {
		return fmt.Errorf("market_data.kline_history must be between 1 and 1000")
	}
	if c.Execution.MaxSubmitAttempts < 1 || c.Execution.MaxSubmitAttempts > 10 {
		return fmt.Errorf("execution.max_submit_attempts must be between 1 and 10")
	}
	if c.Execution.MaxRateWaitAttempts < 1 || c.Execution.MaxRateWaitAttempts > 20 {
		return fmt.Errorf("execution.max_rate_wait_attempts must be between 1 and 20")
	}
	if c.Execution.BackoffBaseMs < 1 || c.Execution.BackoffBaseMs > c.Execution.BackoffMaxMs {
		return fmt.Errorf("execution.backoff_base_ms must be between 1 and backoff_max_ms")
	}
	if c.Execution.OrderTimeoutSec < 0 || c.Execution.OrderTimeoutSec > 86400 {
		return fmt.Errorf("execution.order_timeout_sec must be between 0 and 86400")
	}
	if c.Execution.PriceBand.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("execution.price_band must be >= 0")
	}
	if c.Execution.Issuers < 1 || c.Execution.Issuers > 16 {
		return fmt.Errorf("execution.issuers must be between 1 and 16")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxSubmitFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_submit_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.reconnect_cooldown_sec must be between 1 and 3600")
		}
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram enabled")
		}
		if c.Telegram.TimeoutSec < 1 || c.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("telegram.timeout_sec must be between 1 and 120")
		}
		if c.Telegram.PollTimeoutSec < 1 || c.Telegram.PollTimeoutSec > 60 {
			return fmt.Errorf("telegram.poll_timeout_sec must be between 1 and 60")
		}
		if err := validateURL(c.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("telegram.api_base_url %v", err)
		}
	}
	if c.Runtime.HeartbeatSec < 0 || c.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("runtime.heartbeat_sec must be between 0 and 3600")
	}
	if c.Runtime.ReconcileSec < 0 || c.Runtime.ReconcileSec > 3600 {
		return fmt.Errorf("runtime.reconcile_sec must be between 0 and 3600")
	}
	if c.Runtime.ReconcileSec > 0 && c.Runtime.ReconcileSec < 10 {
		return fmt.Errorf("runtime.reconcile_sec must be 0 or >= 10")
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
