package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultMatchThreshold = 0.78
	defaultWindowMS       = 10_000
	defaultMinWindowMS    = 1_000
	defaultBlendWeight    = 0.25
	defaultAPITimeoutSec  = 240
	defaultStateDirLinux  = ".local/state/recall"
	defaultConfigDir      = ".config/recall"
)

// Config holds user configuration loaded from TOML.
type Config struct {
	Audio struct {
		DeviceName  string `toml:"device_name"`
		DeviceIndex int    `toml:"device_index"`
		SampleRate  int    `toml:"sample_rate"`
		Channels    int    `toml:"channels"`
		FrameMS     int    `toml:"frame_ms"`
	} `toml:"audio"`

	API struct {
		Base           string  `toml:"base"`
		TimeoutSec     float64 `toml:"timeout_sec"`
		RetryBackoffMS int     `toml:"retry_backoff_ms"`
		MaxChunkSec    int     `toml:"max_chunk_sec"`
	} `toml:"api"`

	Identify struct {
		MatchThreshold float64 `toml:"match_threshold"`
		WindowMS       int     `toml:"window_ms"`
		MinWindowMS    int     `toml:"min_window_ms"`
		BlendWeight    float64 `toml:"blend_weight"`
		TieDelta       float64 `toml:"tie_delta"`
	} `toml:"identify"`

	Embed struct {
		Command    string            `toml:"command"` // command line, shell-style quoting
		Args       []string          `toml:"args"`
		SampleRate int               `toml:"sample_rate"` // model input rate; 0 keeps the capture rate
		TimeoutSec float64           `toml:"timeout_sec"`
		Env        map[string]string `toml:"env"`
	} `toml:"embed"`

	Store struct {
		Path       string `toml:"path"`
		Passphrase string `toml:"passphrase"`
	} `toml:"store"`

	Logging struct {
		Level  string `toml:"level"`  // debug, info, warn, error
		Format string `toml:"format"` // text, json
		Stdout bool   `toml:"stdout"`
	} `toml:"logging"`

	Paths struct {
		StateDir   string `toml:"state_dir"`
		LogPath    string `toml:"log_path"`
		SocketPath string `toml:"socket_path"`
		PidPath    string `toml:"pid_path"`
		ConfigPath string `toml:"-"`
	} `toml:"paths"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"metrics"`
}

// Default returns Config populated with defaults.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	stateDir := filepath.Join(home, defaultStateDirLinux)
	// macOS prefers ~/Library/Application Support/recall for state/logs
	if isMac() {
		stateDir = filepath.Join(home, "Library", "Application Support", "recall")
	}

	cfg := &Config{}

	cfg.Audio.SampleRate = 16000
	cfg.Audio.Channels = 1
	cfg.Audio.FrameMS = 20

	cfg.API.TimeoutSec = defaultAPITimeoutSec
	cfg.API.RetryBackoffMS = 2000
	cfg.API.MaxChunkSec = 0 // 0 = never chunk

	cfg.Identify.MatchThreshold = defaultMatchThreshold
	cfg.Identify.WindowMS = defaultWindowMS
	cfg.Identify.MinWindowMS = defaultMinWindowMS
	cfg.Identify.BlendWeight = defaultBlendWeight
	cfg.Identify.TieDelta = 0.01

	cfg.Embed.SampleRate = 16000
	cfg.Embed.TimeoutSec = 30
	cfg.Embed.Env = map[string]string{}

	cfg.Store.Path = filepath.Join(stateDir, "recall.db")

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Paths.StateDir = stateDir
	cfg.Paths.LogPath = filepath.Join(stateDir, "recall.log")
	cfg.Paths.SocketPath = filepath.Join(stateDir, "recall.sock")
	cfg.Paths.PidPath = filepath.Join(stateDir, "recall.pid")

	cfg.Metrics.Enabled = false
	cfg.Metrics.Addr = "127.0.0.1:9419"

	return cfg, nil
}

// Load loads config from file, applying defaults.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, defaultConfigDir, "config.toml")
	}

	// Read if exists; otherwise write template.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := Save(cfg, path); err != nil {
				return nil, err
			}
			cfg.Paths.ConfigPath = path
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Paths.ConfigPath = path
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg to path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

func isMac() bool {
	return runtime.GOOS == "darwin"
}

// MustStatePaths ensures state dirs exist.
func MustStatePaths(cfg *Config) error {
	for _, p := range []string{cfg.Paths.StateDir, filepath.Dir(cfg.Paths.LogPath), filepath.Dir(cfg.Store.Path)} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RECALL_API_BASE"); v != "" {
		cfg.API.Base = v
	}
	if v := os.Getenv("RECALL_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("RECALL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RECALL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("RECALL_STORE_PASSPHRASE"); v != "" {
		cfg.Store.Passphrase = v
	}
	if v := os.Getenv("RECALL_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.Identify.MatchThreshold = f
		}
	}
	if v := os.Getenv("RECALL_EMBED_COMMAND"); v != "" {
		cfg.Embed.Command = v
	}
}
