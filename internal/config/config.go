// Package config loads serial-logger settings from built-in defaults, an
// optional YAML file, a dotenv file and SERIAL_LOGGER_* environment
// variables, and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g.
// SERIAL_LOGGER_SERIAL__BAUD_RATE=115200.
const EnvPrefix = "SERIAL_LOGGER_"

// Config is the complete, validated runtime configuration.
type Config struct {
	Serial    SerialConfig    `koanf:"serial" validate:"required"`
	Discovery DiscoveryConfig `koanf:"discovery" validate:"required"`
	Log       LogConfig       `koanf:"log" validate:"required"`
	Liveness  LivenessConfig  `koanf:"liveness" validate:"required"`
	Streams   []StreamConfig  `koanf:"streams" validate:"required,min=1,dive"`
}

// SerialConfig is shared by every stream.
type SerialConfig struct {
	BaudRate    int           `koanf:"baud_rate" validate:"required,gt=0"`
	DataBits    int           `koanf:"data_bits" validate:"required,min=5,max=8"`
	Parity      string        `koanf:"parity" validate:"required,oneof=none odd even"`
	StopBits    int           `koanf:"stop_bits" validate:"required,oneof=1 2"`
	// Delimiter ends a device line. It must end in \n so a message can
	// never carry a line break into the log file.
	Delimiter   string        `koanf:"delimiter" validate:"required"`
	ReadTimeout time.Duration `koanf:"read_timeout" validate:"gte=0"`
}

// DiscoveryConfig controls how ports are matched to streams when no
// device is pinned.
type DiscoveryConfig struct {
	DescriptionPrefix string `koanf:"description_prefix"`
	SysRoot           string `koanf:"sys_root" validate:"required"`
	DevRoot           string `koanf:"dev_root" validate:"required"`
}

// LogConfig sets where records go and how verbose diagnostics are.
type LogConfig struct {
	// Dir holds the per-stream files. A leading ~ is expanded.
	Dir   string `koanf:"dir" validate:"required"`
	Sync  bool   `koanf:"sync"`
	Level string `koanf:"level" validate:"required,oneof=trace debug info warn error disabled"`
}

// LivenessConfig paces the "Reading..." status line.
type LivenessConfig struct {
	Interval time.Duration `koanf:"interval" validate:"required,gt=0"`
}

// StreamConfig describes one device stream, in role order.
type StreamConfig struct {
	Role  string `koanf:"role" validate:"required"`
	Label string `koanf:"label" validate:"required,excludes=0x2C"`
	File  string `koanf:"file" validate:"required"`
	// Device pins the stream to a path and skips discovery for it.
	Device    string `koanf:"device"`
	Telemetry bool   `koanf:"telemetry"`
	Fields    int    `koanf:"fields" validate:"gte=0"`
}

func defaults() map[string]any {
	return map[string]any{
		"serial.baud_rate":             57600,
		"serial.data_bits":             8,
		"serial.parity":                "none",
		"serial.stop_bits":             1,
		"serial.delimiter":             "\n",
		"serial.read_timeout":          "60s",
		"discovery.description_prefix": "USB Serial Port",
		"discovery.sys_root":           "/sys/class/tty",
		"discovery.dev_root":           "/dev",
		"log.dir":                      filepath.Join("~", "Documents"),
		"log.sync":                     false,
		"log.level":                    "warn",
		"liveness.interval":            "1s",
		"streams": []any{
			map[string]any{"role": "PSoC", "label": "PSoC Readings", "file": "log_psoc.csv", "telemetry": true, "fields": 8},
			map[string]any{"role": "RN2483 RX", "label": "RN2483 RX Readings", "file": "log_rn2483_rx.csv"},
			map[string]any{"role": "RN2483 TX", "label": "RN2483 TX Readings", "file": "log_rn2483_tx.csv"},
		},
	}
}

// Options selects the optional config sources.
type Options struct {
	// File is a YAML file layered over the defaults. Empty skips it.
	File string
	// EnvFile is a dotenv file loaded into the environment before env
	// overrides are read. A missing file is ignored.
	EnvFile string
}

// Load builds the configuration from defaults, the optional YAML file and
// SERIAL_LOGGER_* environment variables, in that order, and validates it.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if opts.File != "" {
		if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", opts.File, err)
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", opts.EnvFile, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Log.Dir, err = expandHome(cfg.Log.Dir)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-stream rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if !strings.HasSuffix(c.Serial.Delimiter, "\n") {
		errs = append(errs, fmt.Errorf("serial.delimiter %q must end with a newline", c.Serial.Delimiter))
	}
	files := make(map[string]string)
	labels := make(map[string]bool)
	for _, s := range c.Streams {
		if prev, ok := files[s.File]; ok {
			errs = append(errs, fmt.Errorf("streams %q and %q share file %q", prev, s.Role, s.File))
		}
		files[s.File] = s.Role
		if labels[s.Label] {
			errs = append(errs, fmt.Errorf("duplicate stream label %q", s.Label))
		}
		labels[s.Label] = true
		if strings.ContainsAny(s.Label, "\r\n") {
			errs = append(errs, fmt.Errorf("stream %q: label must not contain a line break", s.Role))
		}
		if s.Telemetry && s.Fields == 0 {
			errs = append(errs, fmt.Errorf("stream %q: telemetry needs fields > 0", s.Role))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LogPath returns the destination file of s.
func (c *Config) LogPath(s StreamConfig) string {
	return filepath.Join(c.Log.Dir, s.File)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
