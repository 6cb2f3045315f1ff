// Package config loads and persists talkschnell configuration. Settings
// come from a JSON file with environment-variable overrides, and a
// watcher reloads the file when it changes on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/talkschnell/internal/logger"
)

// GatewayConfig holds gateway connection settings.
type GatewayConfig struct {
	URL                  string `json:"url"`
	ClientID             string `json:"client_id,omitempty"`
	DisplayName          string `json:"display_name,omitempty"`
	Token                string `json:"-"`
	TokenEnv             string `json:"token_env,omitempty"`
	RequestTimeoutSec    int    `json:"request_timeout_seconds"`
	RunTimeoutSec        int    `json:"run_timeout_seconds"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
	ReconnectBaseMillis  int    `json:"reconnect_base_ms"`
	ReconnectMaxMillis   int    `json:"reconnect_max_ms"`
}

// AvatarConfig holds avatar provider settings.
type AvatarConfig struct {
	TokenEndpoint string `json:"token_endpoint,omitempty"`
	APIKeyEnv     string `json:"api_key_env,omitempty"`
	AvatarID      string `json:"avatar_id,omitempty"`
	VoiceID       string `json:"voice_id,omitempty"`
}

// SpeechConfig tunes the spoken-summary fallback budgets.
type SpeechConfig struct {
	MaxSentences int `json:"max_sentences,omitempty"`
	MaxChars     int `json:"max_chars,omitempty"`
}

// Config represents application configuration.
type Config struct {
	Gateway    GatewayConfig `json:"gateway"`
	Avatar     AvatarConfig  `json:"avatar"`
	Speech     SpeechConfig  `json:"speech,omitempty"`
	StatusAddr string        `json:"status_addr"`
	DBPath     string        `json:"db_path"`
	LogLevel   string        `json:"log_level"` // debug, info, warn, error, none
	LogPath    string        `json:"-"`

	path string `json:"-"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "talkschnell")
		}
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "talkschnell")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "talkschnell")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:                  "ws://127.0.0.1:18789/ws",
			ClientID:             "talkschnell",
			DisplayName:          "Avatar Bridge",
			TokenEnv:             "TALKSCHNELL_GATEWAY_TOKEN",
			RequestTimeoutSec:    30,
			RunTimeoutSec:        60,
			MaxReconnectAttempts: 8,
			ReconnectBaseMillis:  1000,
			ReconnectMaxMillis:   30000,
		},
		Avatar: AvatarConfig{
			APIKeyEnv: "TALKSCHNELL_AVATAR_API_KEY",
		},
		StatusAddr: "127.0.0.1:18790",
		DBPath:     filepath.Join(defaultConfigDir(), "transcripts.db"),
		LogLevel:   "info",
		LogPath:    filepath.Join(defaultConfigDir(), "talkschnell.log"),
	}
}

// Load reads configuration from path, falling back to defaults for a
// missing file. Environment overrides apply after the file is read.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv applies environment-variable overrides on top of file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("TALKSCHNELL_GATEWAY_URL"); v != "" {
		c.Gateway.URL = v
	}
	if c.Gateway.TokenEnv != "" {
		if v := os.Getenv(c.Gateway.TokenEnv); v != "" {
			c.Gateway.Token = v
		}
	}
	if v := os.Getenv("TALKSCHNELL_STATUS_ADDR"); v != "" {
		c.StatusAddr = v
	}
	if v := os.Getenv("TALKSCHNELL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TALKSCHNELL_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("TALKSCHNELL_MAX_RECONNECT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Gateway.MaxReconnectAttempts = n
		}
	}
}

// Save writes the configuration back to its file.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Path returns the file this configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// RequestTimeout returns the request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Gateway.RequestTimeoutSec) * time.Second
}

// RunTimeout returns the run deadline as a duration.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Gateway.RunTimeoutSec) * time.Second
}

// ReconnectBaseDelay returns the first reconnect backoff delay.
func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.Gateway.ReconnectBaseMillis) * time.Millisecond
}

// ReconnectMaxDelay returns the reconnect backoff cap.
func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.Gateway.ReconnectMaxMillis) * time.Millisecond
}

// Watcher reloads the config file when it changes on disk and hands the
// new configuration to a callback.
type Watcher struct {
	path     string
	onChange func(*Config)
	log      *logger.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
}

// Watch starts watching the config file at path. onChange runs on the
// watcher goroutine for every successful reload.
func Watch(path string, onChange func(*Config), log *logger.Logger) (*Watcher, error) {
	if path == "" {
		path = DefaultPath()
	}
	if log == nil {
		log = logger.Global()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	// Watch the directory; editors replace files instead of rewriting
	// them, which would drop a file-level watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		log:      log.WithComponent("config"),
		watcher:  fw,
		stop:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed: %v", err)
				continue
			}
			w.log.Info("config reloaded from %s", w.path)
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})
	return err
}
