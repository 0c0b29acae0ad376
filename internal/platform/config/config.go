// Package config carries the recorder's layered configuration: built-in
// defaults, an optional TOML file, environment variables and command-line
// flags, merged in ascending precedence through viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cb-recorder/internal/streamerr"
)

// DefaultFilenamePattern names output files <room>_<date>_<time>.ts.
const DefaultFilenamePattern = "{{.Username}}_{{.Year}}-{{.Month}}-{{.Day}}_{{.Hour}}-{{.Minute}}-{{.Second}}"

// Config is the full merged configuration tree.
type Config struct {
	Recording RecordingConfig `mapstructure:"recording"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Network   NetworkConfig   `mapstructure:"network"`
}

// RecordingConfig controls where and how streams are written to disk.
type RecordingConfig struct {
	OutputDirectory    string `mapstructure:"output_directory"`
	FilenamePattern    string `mapstructure:"filename_pattern"`
	MaxDurationMinutes int    `mapstructure:"max_duration_minutes"`
	MaxFilesizeMB      int    `mapstructure:"max_filesize_mb"`
	Resolution         int    `mapstructure:"resolution"`
	Framerate          int    `mapstructure:"framerate"`
}

// MaxDurationSeconds returns the per-file duration cap in seconds, 0 when
// splitting by duration is disabled.
func (c RecordingConfig) MaxDurationSeconds() float64 {
	return float64(c.MaxDurationMinutes) * 60
}

// MaxFilesizeBytes returns the per-file size cap in bytes, 0 when splitting
// by size is disabled.
func (c RecordingConfig) MaxFilesizeBytes() int64 {
	return int64(c.MaxFilesizeMB) * 1024 * 1024
}

// MonitorConfig controls monitor mode: which rooms to watch, how often, and
// the optional webhook, status API and history sinks.
type MonitorConfig struct {
	Rooms                []string `mapstructure:"rooms"`
	CheckIntervalSeconds int      `mapstructure:"check_interval_seconds"`
	WebhookURL           string   `mapstructure:"webhook_url"`
	StatusListen         string   `mapstructure:"status_listen"`
	HistoryDB            string   `mapstructure:"history_db"`
}

// CheckInterval returns the base delay between monitor cycles.
func (c MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// NetworkConfig controls the outbound HTTP identity.
type NetworkConfig struct {
	UserAgent string `mapstructure:"user_agent"`
	Cookies   string `mapstructure:"cookies"`
	Domain    string `mapstructure:"domain"`
}

// NormalizedDomain returns the site base URL with a trailing slash.
func (c NetworkConfig) NormalizedDomain() string {
	if c.Domain == "" {
		return c.Domain
	}
	if c.Domain[len(c.Domain)-1] == '/' {
		return c.Domain
	}
	return c.Domain + "/"
}

// LoadEnv reads .env files into the process environment before viper runs.
// If no .env exists the error can be ignored and system env applies. Pass
// paths to load specific files; with no paths, ".env" is used.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("recording.output_directory", "./recordings")
	v.SetDefault("recording.filename_pattern", DefaultFilenamePattern)
	v.SetDefault("recording.max_duration_minutes", 0)
	v.SetDefault("recording.max_filesize_mb", 0)
	v.SetDefault("recording.resolution", 1080)
	v.SetDefault("recording.framerate", 30)
	v.SetDefault("monitor.rooms", []string{})
	v.SetDefault("monitor.check_interval_seconds", 60)
	v.SetDefault("monitor.webhook_url", "")
	v.SetDefault("monitor.status_listen", "")
	v.SetDefault("monitor.history_db", "")
	v.SetDefault("network.user_agent", "")
	v.SetDefault("network.cookies", "")
	v.SetDefault("network.domain", "https://chaturbate.com/")
}

// Load merges defaults, the TOML file at path, environment variables and any
// flags already bound to v, and returns the resulting Config. A missing file
// is not an error. A file that exists but cannot be parsed is reported, and
// the returned Config still carries every other layer so callers can warn
// and continue.
func Load(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)
	_ = v.BindEnv("network.cookies", "CB_COOKIES")

	v.SetConfigFile(path)
	v.SetConfigType("toml")

	var loadErr error
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			loadErr = fmt.Errorf("read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Default(), fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, loadErr
}

// Default returns the built-in configuration with no file, env or flag
// layers applied.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

var roomNameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

const maxRoomNameLength = 50

// ValidateRoomName rejects names that could not be a real room: empty,
// longer than 50 characters, or containing anything beyond letters, digits
// and underscores. Names are used in URLs and file paths, so nothing else
// gets through.
func ValidateRoomName(room string) error {
	switch {
	case room == "":
		return streamerr.Wrap(streamerr.KindInvalidRoomName, room,
			errors.New("room name is empty"))
	case len(room) > maxRoomNameLength:
		return streamerr.Wrap(streamerr.KindInvalidRoomName, room,
			fmt.Errorf("room name longer than %d characters", maxRoomNameLength))
	case !roomNameRe.MatchString(room):
		return streamerr.Wrap(streamerr.KindInvalidRoomName, room,
			errors.New("only letters, digits and underscores are allowed"))
	}
	return nil
}
