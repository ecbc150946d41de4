// Package config loads chatsync settings from defaults, an optional
// $CHATSYNC_HOME/config.toml and CHATSYNC_* environment variables, in that
// order. Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dealistaan/chatsync/internal/connection"
	"github.com/dealistaan/chatsync/internal/engine"
	"github.com/dealistaan/chatsync/internal/outbox"
	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/dealistaan/chatsync/pkg/types"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	// DefaultAPIURL is the directory API root used when none is configured.
	DefaultAPIURL = "http://localhost:5000/api"

	fileName  = "config.toml"
	tokenName = "token"
)

// ErrNoToken is returned when neither a token nor a readable token file is
// configured.
var ErrNoToken = fmt.Errorf("config: %w", connection.ErrNoToken)

// Duration is a time.Duration written as "5s" in the config file.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	// Home is the directory holding config.toml and the token file.
	Home string `toml:"-"`

	API       API       `toml:"api"`
	Auth      Auth      `toml:"auth"`
	Log       Log       `toml:"log"`
	Reconnect Reconnect `toml:"reconnect"`
	Typing    Typing    `toml:"typing"`
	Poll      Poll      `toml:"poll"`
	Send      Send      `toml:"send"`
	Metrics   Metrics   `toml:"metrics"`
}

type API struct {
	// URL is the directory API root, including the /api prefix.
	URL string `toml:"url"`
	// SocketURL is the push transport origin. Empty derives it from URL.
	SocketURL string   `toml:"socket_url"`
	Timeout   Duration `toml:"timeout"`
	// Debug logs every request and transport event.
	Debug bool `toml:"debug"`
}

type Auth struct {
	Token string `toml:"token"`
	// TokenFile is read when Token is empty. Defaults to $CHATSYNC_HOME/token.
	TokenFile string `toml:"token_file"`
	// UserID overrides the user id read from the token.
	UserID string `toml:"user_id"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Reconnect struct {
	Base     Duration `toml:"base"`
	Max      Duration `toml:"max"`
	Attempts int      `toml:"attempts"`
	Jitter   float64  `toml:"jitter"`
}

type Typing struct {
	Idle         Duration `toml:"idle"`
	RemoteWindow Duration `toml:"remote_window"`
}

type Poll struct {
	Conversations Duration `toml:"conversations"`
	Thread        Duration `toml:"thread"`
}

type Send struct {
	Mode      string   `toml:"mode"`
	Timeout   Duration `toml:"timeout"`
	MaxLength int      `toml:"max_length"`
}

type Metrics struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `toml:"addr"`
}

// Default returns the built-in settings.
func Default() *Config {
	ec := engine.DefaultConfig()
	return &Config{
		API: API{
			URL:     DefaultAPIURL,
			Timeout: Duration(ec.RequestTimeout),
		},
		Log: Log{Level: "info", Format: string(logger.FormatText)},
		Reconnect: Reconnect{
			Base:     Duration(ec.Connection.Backoff.Base),
			Max:      Duration(ec.Connection.Backoff.Max),
			Attempts: ec.Connection.MaxAttempts,
			Jitter:   ec.Connection.Backoff.Jitter,
		},
		Typing: Typing{
			Idle:         Duration(ec.Typing.IdleTimeout),
			RemoteWindow: Duration(ec.Typing.RemoteWindow),
		},
		Poll: Poll{
			Conversations: Duration(ec.ConversationPoll),
			Thread:        Duration(ec.ThreadPoll),
		},
		Send: Send{
			Mode:      string(ec.Outbox.Mode),
			Timeout:   Duration(ec.Outbox.ConfirmTimeout),
			MaxLength: ec.Outbox.MaxLength,
		},
	}
}

// Load loads configuration from the environment and the config file.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	home := getenv("CHATSYNC_HOME")
	if home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		home = filepath.Join(dir, ".chatsync")
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create chatsync home: %w", err)
	}

	cfg := Default()
	cfg.Home = home
	if err := cfg.readFile(filepath.Join(home, fileName)); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile overlays the TOML file at path. A missing file is not an error.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := []struct {
		dst  *string
		keys []string
	}{
		// REACT_APP_API_URL is what the web client reads.
		{&c.API.URL, []string{"CHATSYNC_API_URL", "REACT_APP_API_URL"}},
		{&c.API.SocketURL, []string{"CHATSYNC_SOCKET_URL"}},
		{&c.Auth.Token, []string{"CHATSYNC_TOKEN"}},
		{&c.Auth.TokenFile, []string{"CHATSYNC_TOKEN_FILE"}},
		{&c.Auth.UserID, []string{"CHATSYNC_USER_ID"}},
		{&c.Log.Level, []string{"CHATSYNC_LOG_LEVEL"}},
		{&c.Log.Format, []string{"CHATSYNC_LOG_FORMAT"}},
		{&c.Send.Mode, []string{"CHATSYNC_SEND_MODE"}},
		{&c.Metrics.Addr, []string{"CHATSYNC_METRICS_ADDR"}},
	}
	for _, s := range strs {
		if v := getenvFirst(getenv, s.keys...); v != "" {
			*s.dst = v
		}
	}

	durs := []struct {
		dst *Duration
		key string
	}{
		{&c.API.Timeout, "CHATSYNC_API_TIMEOUT"},
		{&c.Reconnect.Base, "CHATSYNC_RECONNECT_BASE"},
		{&c.Reconnect.Max, "CHATSYNC_RECONNECT_MAX"},
		{&c.Typing.Idle, "CHATSYNC_TYPING_IDLE"},
		{&c.Typing.RemoteWindow, "CHATSYNC_TYPING_WINDOW"},
		{&c.Poll.Conversations, "CHATSYNC_POLL_CONVERSATIONS"},
		{&c.Poll.Thread, "CHATSYNC_POLL_THREAD"},
		{&c.Send.Timeout, "CHATSYNC_SEND_TIMEOUT"},
	}
	for _, d := range durs {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		if err := d.dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.key, v, err)
		}
	}

	if v := getenv("CHATSYNC_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHATSYNC_RECONNECT_ATTEMPTS %q: %w", v, err)
		}
		c.Reconnect.Attempts = n
	}
	if v := getenv("CHATSYNC_RECONNECT_JITTER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CHATSYNC_RECONNECT_JITTER %q: %w", v, err)
		}
		c.Reconnect.Jitter = f
	}
	if v := getenvFirst(getenv, "CHATSYNC_DEBUG", "DEBUG"); v == "true" || v == "1" {
		c.API.Debug = true
	}
	return nil
}

// Validate checks values that would otherwise fail later.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.URL) == "" {
		return errors.New("api url is required")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := logger.ParseFormat(c.Log.Format); err != nil {
		return err
	}
	if _, err := outbox.ParseMode(c.Send.Mode); err != nil {
		return err
	}
	if c.Reconnect.Attempts < 0 {
		return fmt.Errorf("invalid reconnect attempts %d", c.Reconnect.Attempts)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("invalid reconnect jitter %v (expected 0..1)", c.Reconnect.Jitter)
	}
	return nil
}

// SocketOrigin returns the push transport origin: SocketURL, or the API URL
// without its /api suffix.
func (c *Config) SocketOrigin() string {
	if c.API.SocketURL != "" {
		return strings.TrimRight(c.API.SocketURL, "/")
	}
	u := strings.TrimRight(c.API.URL, "/")
	return strings.TrimSuffix(u, "/api")
}

// TokenPath returns the token file location.
func (c *Config) TokenPath() string {
	if c.Auth.TokenFile != "" {
		return c.Auth.TokenFile
	}
	return filepath.Join(c.Home, tokenName)
}

// ResolveToken returns the configured token, reading the token file when no
// token is set inline.
func (c *Config) ResolveToken() (string, error) {
	if t := strings.TrimSpace(c.Auth.Token); t != "" {
		return t, nil
	}
	data, err := os.ReadFile(c.TokenPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	t := strings.TrimSpace(string(data))
	if t == "" {
		return "", ErrNoToken
	}
	return t, nil
}

// SaveToken writes token to the token file.
func (c *Config) SaveToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	path := c.TokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return nil
}

// Save writes the settings to $CHATSYNC_HOME/config.toml. The inline token
// is not written.
func (c *Config) Save() error {
	out := *c
	out.Auth.Token = ""
	data, err := toml.Marshal(out)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(c.Home, 0o700); err != nil {
		return fmt.Errorf("failed to create chatsync home: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.Home, fileName), data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// Engine returns the engine configuration.
func (c *Config) Engine() (engine.Config, error) {
	mode, err := outbox.ParseMode(c.Send.Mode)
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.DefaultConfig()
	ec.Connection.Backoff.Base = c.Reconnect.Base.Std()
	ec.Connection.Backoff.Max = c.Reconnect.Max.Std()
	ec.Connection.Backoff.Jitter = c.Reconnect.Jitter
	ec.Connection.MaxAttempts = c.Reconnect.Attempts
	ec.Typing.IdleTimeout = c.Typing.Idle.Std()
	ec.Typing.RemoteWindow = c.Typing.RemoteWindow.Std()
	ec.ConversationPoll = c.Poll.Conversations.Std()
	ec.ThreadPoll = c.Poll.Thread.Std()
	ec.RequestTimeout = c.API.Timeout.Std()
	ec.Outbox.Mode = mode
	ec.Outbox.ConfirmTimeout = c.Send.Timeout.Std()
	ec.Outbox.MaxLength = c.Send.MaxLength
	ec.SelfID = types.PeerID(c.Auth.UserID)
	return ec, nil
}

func getenvFirst(getenv func(string) string, keys ...string) string {
	for _, k := range keys {
		if v := getenv(k); v != "" {
			return v
		}
	}
	return ""
}
