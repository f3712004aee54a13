// Package config loads server settings from an optional YAML file, a .env
// file and the environment, in that order of precedence (last wins).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultMapPool is the competitive map pool.
var DefaultMapPool = []string{"Mirage", "Cache", "Inferno", "Nuke", "Overpass", "Dust II", "Train"}

// PoolSize is the number of maps a ban/pick runs over.
const PoolSize = 7

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"` // empty = in-memory store
	RedisURL    string `yaml:"redis_url"`    // empty = relay disabled
	HostSecret  string `yaml:"host_secret"`
	Dev         bool   `yaml:"dev"`

	Queue     QueueConfig     `yaml:"queue"`
	MapPick   MapPickConfig   `yaml:"map_pick"`
	Host      HostConfig      `yaml:"host"`
	Websocket WebsocketConfig `yaml:"websocket"`
}

type QueueConfig struct {
	Capacity       int           `yaml:"capacity"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	MapCount       int           `yaml:"map_count"`
}

type MapPickConfig struct {
	Pool []string `yaml:"pool"`
}

type HostConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	ServerID    int64         `yaml:"server_id"`
}

type WebsocketConfig struct {
	OriginPatterns []string `yaml:"origin_patterns"`
	SendBuffer     int      `yaml:"send_buffer"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Queue: QueueConfig{
			Capacity:       10,
			ConfirmTimeout: 30 * time.Second,
			MapCount:       1,
		},
		MapPick: MapPickConfig{Pool: append([]string(nil), DefaultMapPool...)},
		Host: HostConfig{
			CallTimeout: 10 * time.Second,
			ServerID:    1,
		},
		Websocket: WebsocketConfig{SendBuffer: 32},
	}
}

// Load reads path (skipped when empty), then .env, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"BMS_HTTP_ADDR": &cfg.HTTPAddr,
		"DATABASE_URL":  &cfg.DatabaseURL,
		"REDIS_URL":     &cfg.RedisURL,
		"HOST_SECRET":   &cfg.HostSecret,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("BMS_DEV"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BMS_DEV: %w", err)
		}
		cfg.Dev = b
	}
	if v, ok := os.LookupEnv("BMS_QUEUE_CONFIRM_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BMS_QUEUE_CONFIRM_TIMEOUT: %w", err)
		}
		cfg.Queue.ConfirmTimeout = d
	}
	return nil
}

// Validate checks the settings the coordinators rely on.
func (c *Config) Validate() error {
	if c.HostSecret == "" {
		return fmt.Errorf("host_secret is required")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if c.Queue.Capacity < 2 || c.Queue.Capacity%2 != 0 {
		return fmt.Errorf("queue.capacity must be an even number >= 2, got %d", c.Queue.Capacity)
	}
	if c.Queue.ConfirmTimeout <= 0 {
		return fmt.Errorf("queue.confirm_timeout must be positive, got %s", c.Queue.ConfirmTimeout)
	}
	if len(c.MapPick.Pool) != PoolSize {
		return fmt.Errorf("map_pick.pool must hold %d maps, got %d", PoolSize, len(c.MapPick.Pool))
	}
	seen := make(map[string]bool, len(c.MapPick.Pool))
	for _, m := range c.MapPick.Pool {
		if m == "" || seen[m] {
			return fmt.Errorf("map_pick.pool: empty or duplicate map %q", m)
		}
		seen[m] = true
	}
	if c.Queue.MapCount < 1 || c.Queue.MapCount > PoolSize-2 {
		return fmt.Errorf("queue.map_count must be between 1 and %d, got %d", PoolSize-2, c.Queue.MapCount)
	}
	if c.Host.CallTimeout <= 0 {
		return fmt.Errorf("host.call_timeout must be positive, got %s", c.Host.CallTimeout)
	}
	if c.Websocket.SendBuffer < 1 {
		return fmt.Errorf("websocket.send_buffer must be >= 1, got %d", c.Websocket.SendBuffer)
	}
	return nil
}
