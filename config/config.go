// Package config loads runtime configuration from defaults, an optional
// config file and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the delivery service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	SSE       SSEConfig       `mapstructure:"sse"`
	WS        WSConfig        `mapstructure:"ws"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Router    RouterConfig    `mapstructure:"router"`
	Confirm   ConfirmConfig   `mapstructure:"confirm"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains network settings for the HTTP listener.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// QueueConfig tunes the dispatcher.
type QueueConfig struct {
	MaxSize             int           `mapstructure:"max_size"`
	BatchSize           int           `mapstructure:"batch_size"`
	Workers             int           `mapstructure:"workers"`
	ProcessingInterval  time.Duration `mapstructure:"processing_interval"`
	RetryInterval       time.Duration `mapstructure:"retry_interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
	DefaultRetryDelay   time.Duration `mapstructure:"default_retry_delay"`
	DefaultRetryBackoff float64       `mapstructure:"default_retry_backoff"`
	Retention           time.Duration `mapstructure:"retention"`
	SelectionMode       string        `mapstructure:"selection_mode"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

// SSEConfig tunes the push-stream transport and the shared heartbeat.
type SSEConfig struct {
	MaxConnections    int           `mapstructure:"max_connections"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// WSConfig tunes the bidirectional transport.
type WSConfig struct {
	MaxConnections int `mapstructure:"max_connections"`
}

// PolicyConfig describes one rate-limit policy.
type PolicyConfig struct {
	Strategy   string        `mapstructure:"strategy"`
	Limit      int           `mapstructure:"limit"`
	Window     time.Duration `mapstructure:"window"`
	BucketSize int           `mapstructure:"bucket_size"`
	RefillRate float64       `mapstructure:"refill_rate"`
	LeakRate   float64       `mapstructure:"leak_rate"`
}

// RateLimitConfig holds the ingress policy, the per-tenant channel policy
// and the backing store sizing.
type RateLimitConfig struct {
	StoreSize int           `mapstructure:"store_size"`
	StoreTTL  time.Duration `mapstructure:"store_ttl"`
	Ingress   PolicyConfig  `mapstructure:"ingress"`
	Channels  PolicyConfig  `mapstructure:"channels"`
}

// RouterConfig tunes the channel router's retry loop and fallback.
type RouterConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Backoff      float64       `mapstructure:"backoff"`
	Fallback     string        `mapstructure:"fallback"`
}

// ConfirmConfig tunes the confirmation store.
type ConfirmConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxPending    int           `mapstructure:"max_pending"`
	Retention     time.Duration `mapstructure:"retention"`
}

// AMQPConfig wires the optional message-bus ingestion adapter. An empty URL
// disables it.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Exchange string `mapstructure:"exchange"`
}

// LoggingConfig controls slog level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration: defaults first, then an optional pulseline.yaml,
// then PULSELINE_* environment variables, then the legacy flat names
// (MAX_QUEUE_SIZE and friends).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	setConfigSource(v)
	v.SetEnvPrefix("PULSELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	// Config file is optional.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	applyLegacyMillis(&cfg)
	return &cfg, nil
}

// applyLegacyMillis maps the flat *_MS environment names, which carry bare
// millisecond counts, onto the duration fields.
func applyLegacyMillis(cfg *Config) {
	if ms, ok := envMillis("PROCESSING_INTERVAL_MS"); ok {
		cfg.Queue.ProcessingInterval = ms
	}
	if ms, ok := envMillis("RETRY_INTERVAL_MS"); ok {
		cfg.Queue.RetryInterval = ms
	}
	if ms, ok := envMillis("DEFAULT_RETRY_DELAY_MS"); ok {
		cfg.Queue.DefaultRetryDelay = ms
	}
	if ms, ok := envMillis("SSE_PING_INTERVAL_MS"); ok {
		cfg.SSE.PingInterval = ms
	}
	if ms, ok := envMillis("SSE_TIMEOUT_MS"); ok {
		cfg.SSE.ConnectionTimeout = ms
	}
}

func envMillis(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// setConfigSource points viper at an explicit file when PULSELINE_CONFIG_FILE
// is set, otherwise at pulseline.yaml in the usual search paths.
func setConfigSource(v *viper.Viper) {
	if file := os.Getenv("PULSELINE_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		return
	}
	v.SetConfigName("pulseline")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 0*time.Second) // streaming responses
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("queue.max_size", 100000)
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.workers", 8)
	v.SetDefault("queue.processing_interval", 1000*time.Millisecond)
	v.SetDefault("queue.retry_interval", 5000*time.Millisecond)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.default_retry_delay", 5000*time.Millisecond)
	v.SetDefault("queue.default_retry_backoff", 2.0)
	v.SetDefault("queue.retention", time.Hour)
	v.SetDefault("queue.selection_mode", "priority")
	v.SetDefault("queue.shutdown_timeout", 30*time.Second)

	v.SetDefault("sse.max_connections", 5000)
	v.SetDefault("sse.ping_interval", 30*time.Second)
	v.SetDefault("sse.connection_timeout", 60*time.Second)

	v.SetDefault("ws.max_connections", 10000)

	v.SetDefault("ratelimit.store_size", 100000)
	v.SetDefault("ratelimit.store_ttl", time.Hour)
	v.SetDefault("ratelimit.ingress.strategy", "fixed_window")
	v.SetDefault("ratelimit.ingress.limit", 100)
	v.SetDefault("ratelimit.ingress.window", time.Minute)
	v.SetDefault("ratelimit.channels.strategy", "sliding_window")
	v.SetDefault("ratelimit.channels.limit", 600)
	v.SetDefault("ratelimit.channels.window", time.Minute)

	v.SetDefault("router.max_retries", 0)
	v.SetDefault("router.initial_delay", time.Second)
	v.SetDefault("router.backoff", 2.0)
	v.SetDefault("router.fallback", "none")

	v.SetDefault("confirm.flush_interval", 5*time.Second)
	v.SetDefault("confirm.batch_size", 100)
	v.SetDefault("confirm.max_pending", 10000)
	v.SetDefault("confirm.retention", 30*24*time.Hour)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.queue", "pulseline.submit.v1")
	v.SetDefault("amqp.exchange", "notifications")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// bindLegacyEnv maps the flat environment names carried over from earlier
// deployments onto the structured keys. Millisecond-valued names are handled
// separately in applyLegacyMillis.
func bindLegacyEnv(v *viper.Viper) {
	aliases := map[string]string{
		"queue.max_size":              "MAX_QUEUE_SIZE",
		"queue.batch_size":            "BATCH_SIZE",
		"queue.max_retries":           "MAX_RETRIES",
		"queue.default_retry_backoff": "DEFAULT_RETRY_BACKOFF",
		"sse.max_connections":         "MAX_CONNECTIONS",
		"amqp.url":                    "AMQP_URL",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

// Watcher republishes rate-limit overrides when the config file changes on
// disk.
type Watcher struct {
	v      *viper.Viper
	logger *slog.Logger

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewWatcher starts watching the loaded config file, if any. Callers
// register listeners before Start.
func NewWatcher(logger *slog.Logger) *Watcher {
	return &Watcher{logger: logger}
}

// OnReload registers a callback invoked with the freshly parsed config.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Start begins watching. A config parse failure on reload keeps the previous
// configuration and logs the error.
func (w *Watcher) Start() {
	v := viper.New()
	setDefaults(v)
	setConfigSource(v)
	if err := v.ReadInConfig(); err != nil {
		// No file on disk: nothing to watch.
		return
	}
	w.v = v

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			w.logger.Error("config reload failed", "file", e.Name, "err", err)
			return
		}
		w.logger.Info("config reloaded", "file", e.Name)

		w.mu.Lock()
		listeners := append([]func(*Config){}, w.listeners...)
		w.mu.Unlock()
		for _, fn := range listeners {
			fn(&cfg)
		}
	})
	v.WatchConfig()
}
