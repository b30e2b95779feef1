// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

type Server struct {
	Addr           string        // ROOMS_ADDR
	IdleTimeout    time.Duration // ROOMS_IDLE_TIMEOUT
	SweepInterval  time.Duration // ROOMS_SWEEP_INTERVAL
	PingInterval   time.Duration // ROOMS_PING_INTERVAL
	AllowedOrigins []string      // ROOMS_ALLOWED_ORIGINS, comma separated host patterns
}

type Client struct {
	ServerURL         string        // ROOMS_SERVER_URL
	ReconnectAttempts int           // ROOMS_RECONNECT_ATTEMPTS
	ReconnectDelay    time.Duration // ROOMS_RECONNECT_DELAY
}

type Log struct {
	Level       string // ROOMS_LOG_LEVEL
	Development bool   // ROOMS_LOG_DEV
}

type Config struct {
	Server Server
	Client Client
	Log    Log
}

// Load reads envFile (or ./.env when envFile is empty and the file exists)
// into the process environment and then builds a Config from it. Variables
// already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup. Every malformed value is reported.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}

	cfg := &Config{
		Server: Server{
			Addr:           e.str("ROOMS_ADDR", ":8080"),
			IdleTimeout:    e.duration("ROOMS_IDLE_TIMEOUT", 5*time.Minute),
			SweepInterval:  e.duration("ROOMS_SWEEP_INTERVAL", 30*time.Second),
			PingInterval:   e.duration("ROOMS_PING_INTERVAL", 20*time.Second),
			AllowedOrigins: e.list("ROOMS_ALLOWED_ORIGINS"),
		},
		Client: Client{
			ServerURL:         e.str("ROOMS_SERVER_URL", "ws://localhost:8080/ws"),
			ReconnectAttempts: e.integer("ROOMS_RECONNECT_ATTEMPTS", 5),
			ReconnectDelay:    e.duration("ROOMS_RECONNECT_DELAY", time.Second),
		},
		Log: Log{
			Level:       e.str("ROOMS_LOG_LEVEL", "info"),
			Development: e.boolean("ROOMS_LOG_DEV", false),
		},
	}

	if cfg.Client.ReconnectAttempts < 0 {
		e.fail("ROOMS_RECONNECT_ATTEMPTS", "must not be negative")
	}
	if cfg.Server.IdleTimeout <= 0 {
		e.fail("ROOMS_IDLE_TIMEOUT", "must be positive")
	}

	if e.err != nil {
		return nil, e.err
	}
	return cfg, nil
}

type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) fail(key, reason string) {
	e.err = multierr.Append(e.err, fmt.Errorf("%s: %s", key, reason))
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, fmt.Sprintf("not a duration: %q", v))
		return def
	}
	return d
}

func (e *env) integer(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, fmt.Sprintf("not an integer: %q", v))
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, fmt.Sprintf("not a boolean: %q", v))
		return def
	}
	return b
}

func (e *env) list(key string) []string {
	v, ok := e.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
