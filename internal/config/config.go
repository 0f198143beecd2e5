package config

import (
	"log"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	DataPath   string `envconfig:"DATA_PATH" yaml:"data_path" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" yaml:"log_path" default:""`
	ListenAddr string `envconfig:"LISTEN_ADDR" yaml:"listen_addr" default:":3001"`
	CachePath  string `envconfig:"CACHE_PATH" yaml:"cache_path" default:""`

	// Terminal streaming settings
	DefaultShell      string `envconfig:"DEFAULT_SHELL" yaml:"default_shell" default:""`
	ReplayBufferBytes int    `envconfig:"REPLAY_BUFFER_BYTES" yaml:"replay_buffer_bytes" default:"1048576"`
	ReplayMaxRecords  int    `envconfig:"REPLAY_MAX_RECORDS" yaml:"replay_max_records" default:"4096"`
	PTYIdleTimeout    string `envconfig:"PTY_IDLE_TIMEOUT" yaml:"pty_idle_timeout" default:"30m"`
	RecordingEnabled  bool   `envconfig:"RECORDING_ENABLED" yaml:"recording_enabled" default:"false"`
	CleanupCronSpec   string `envconfig:"CLEANUP_CRON" yaml:"cleanup_cron" default:"@every 1m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("VIBECANVAS", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Optional YAML overlay; values in the file win over env and defaults.
	if path := os.Getenv("VIBECANVAS_CONFIG_FILE"); path != "" {
		if err := LoadFile(path); err != nil {
			log.Fatalf("failed to load config file %s: %v", path, err)
		}
	}
}

// LoadFile merges a YAML settings file over the current configuration.
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, &Cfg)
}
