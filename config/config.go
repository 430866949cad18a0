// Package config loads application configuration from environment variables,
// with a .env file honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Trigger engine
	Engine EngineConfig `json:"engine"`

	// Polymarket API endpoints and credentials
	Polymarket PolymarketConfig `json:"polymarket"`

	// Redis state store
	Redis RedisConfig `json:"redis"`

	// Alert delivery
	Discord  DiscordConfig  `json:"discord"`
	Twilio   TwilioConfig   `json:"twilio"`
	Telegram TelegramConfig `json:"telegram"`

	// HTTP control API
	API APIConfig `json:"api"`
}

// EngineConfig holds scheduler and poller settings.
type EngineConfig struct {
	PollInterval  time.Duration `json:"poll_interval"`
	WorkerCount   int           `json:"worker_count"`
	ActivityLimit int           `json:"activity_limit"` // max activity rows fetched per copy-trader cycle
	UseStream     bool          `json:"use_stream"`     // consult the websocket price cache before REST
}

// PolymarketConfig holds API endpoints and trading credentials.
type PolymarketConfig struct {
	GammaBaseURL string `json:"gamma_base_url"`
	DataBaseURL  string `json:"data_base_url"`
	ClobBaseURL  string `json:"clob_base_url"`
	ClobWSURL    string `json:"clob_ws_url"`

	APIKey        string `json:"-"` // env var only
	APISecret     string `json:"-"`
	APIPassphrase string `json:"-"`
	FunderWallet  string `json:"funder_wallet"`
}

// RedisConfig holds state store connection settings. When Enabled is false
// the engine runs on the in-memory store and loses state on restart.
type RedisConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr"`
	Password  string `json:"-"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// DiscordConfig holds Discord notifier settings.
type DiscordConfig struct {
	BotToken  string `json:"-"` // env var only
	ChannelID string `json:"channel_id"`
}

// TelegramConfig holds Telegram bot notifier settings.
type TelegramConfig struct {
	BotToken string `json:"-"` // env var only
	ChatID   string `json:"chat_id"`
}

// TwilioConfig holds SMS notifier settings.
type TwilioConfig struct {
	AccountSID string `json:"-"`
	AuthToken  string `json:"-"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
}

// APIConfig holds the control API server settings.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			PollInterval:  5 * time.Second,
			WorkerCount:   4,
			ActivityLimit: 100,
			UseStream:     false,
		},
		Polymarket: PolymarketConfig{
			GammaBaseURL: "https://gamma-api.polymarket.com",
			DataBaseURL:  "https://data-api.polymarket.com",
			ClobBaseURL:  "https://clob.polymarket.com",
			ClobWSURL:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			KeyPrefix: "polytrigger",
		},
		API: APIConfig{
			Enabled: true,
			Addr:    ":8080",
		},
	}
}

// Load reads configuration from the environment, applying defaults for
// anything unset. A .env file in the working directory is loaded first.
func Load() Config {
	_ = godotenv.Load()

	d := Defaults()
	return Config{
		Engine: EngineConfig{
			PollInterval:  envDuration("ENGINE_POLL_INTERVAL", d.Engine.PollInterval),
			WorkerCount:   envInt("ENGINE_WORKER_COUNT", d.Engine.WorkerCount),
			ActivityLimit: envInt("ENGINE_ACTIVITY_LIMIT", d.Engine.ActivityLimit),
			UseStream:     envBoolDefault("ENGINE_USE_STREAM", d.Engine.UseStream),
		},
		Polymarket: PolymarketConfig{
			GammaBaseURL:  envString("POLYMARKET_GAMMA_URL", d.Polymarket.GammaBaseURL),
			DataBaseURL:   envString("POLYMARKET_DATA_URL", d.Polymarket.DataBaseURL),
			ClobBaseURL:   envString("POLYMARKET_CLOB_URL", d.Polymarket.ClobBaseURL),
			ClobWSURL:     envString("POLYMARKET_CLOB_WS_URL", d.Polymarket.ClobWSURL),
			APIKey:        envString("POLYMARKET_API_KEY", ""),
			APISecret:     envString("POLYMARKET_API_SECRET", ""),
			APIPassphrase: envString("POLYMARKET_API_PASSPHRASE", ""),
			FunderWallet:  strings.ToLower(envString("POLYMARKET_FUNDER_WALLET", "")),
		},
		Redis: RedisConfig{
			Enabled:   envBoolDefault("REDIS_ENABLED", d.Redis.Enabled),
			Addr:      envString("REDIS_ADDR", d.Redis.Addr),
			Password:  envString("REDIS_PASSWORD", ""),
			DB:        envInt("REDIS_DB", 0),
			KeyPrefix: envString("REDIS_KEY_PREFIX", d.Redis.KeyPrefix),
		},
		Discord: DiscordConfig{
			BotToken:  envString("DISCORD_BOT_TOKEN", ""),
			ChannelID: envString("DISCORD_CHANNEL_ID", ""),
		},
		Telegram: TelegramConfig{
			BotToken: envString("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   envString("TELEGRAM_CHAT_ID", ""),
		},
		Twilio: TwilioConfig{
			AccountSID: envString("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  envString("TWILIO_AUTH_TOKEN", ""),
			FromNumber: envString("TWILIO_FROM_NUMBER", ""),
			ToNumber:   envString("TWILIO_TO_NUMBER", ""),
		},
		API: APIConfig{
			Enabled: envBoolDefault("API_ENABLED", d.API.Enabled),
			Addr:    envString("API_ADDR", d.API.Addr),
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.Engine.PollInterval)
	}
	if c.Engine.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Engine.WorkerCount)
	}
	if c.Engine.ActivityLimit <= 0 {
		return fmt.Errorf("activity limit must be positive, got %d", c.Engine.ActivityLimit)
	}
	return nil
}

// Helper functions for parsing environment variables

func envString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1") || strings.EqualFold(v, "yes")
}
