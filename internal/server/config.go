package server

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/harrybrwn/xdg"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/harrybrwn/plc/plc"
)

const defaultExportLimit = 1000

type Config struct {
	Port     uint16 `yaml:"port"`
	Version  string `yaml:"version"`
	Database string `yaml:"database"`
	LogLevel string `yaml:"log_level"`
	// Policy names the authorization policy: "default" or "recovery".
	Policy string `yaml:"policy"`
	// StreamBuffer is how many events an export stream subscriber may fall
	// behind before it is disconnected.
	StreamBuffer int `yaml:"stream_buffer"`
	// ExportLimit caps the count parameter of /export.
	ExportLimit int `yaml:"export_limit"`
}

// LoadConfig reads an optional yaml file then applies PLC_* environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	var c Config
	if len(path) > 0 {
		raw, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err = yaml.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	}
	if err := c.ReadEnv(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ReadEnv overrides fields with any PLC_* environment variables that are set.
func (c *Config) ReadEnv() error {
	if v, ok := os.LookupEnv("PLC_PORT"); ok {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return errors.Wrap(err, "invalid PLC_PORT")
		}
		c.Port = uint16(port)
	}
	envString(&c.Version, "PLC_VERSION")
	envString(&c.Database, "PLC_DATABASE")
	envString(&c.LogLevel, "PLC_LOG_LEVEL")
	envString(&c.Policy, "PLC_POLICY")
	for key, p := range map[string]*int{
		"PLC_STREAM_BUFFER": &c.StreamBuffer,
		"PLC_EXPORT_LIMIT":  &c.ExportLimit,
	} {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
		*p = n
	}
	return nil
}

func (c *Config) InitDefaults() {
	if c.Port == 0 {
		c.Port = 2582
	}
	if c.StreamBuffer == 0 {
		c.StreamBuffer = 256
	}
	if c.ExportLimit == 0 {
		c.ExportLimit = defaultExportLimit
	}
	d(&c.Version, "dev")
	d(&c.Database, filepath.Join(xdg.Cache("plc"), "plc.sqlite"))
	d(&c.LogLevel, "info")
	d(&c.Policy, "default")
}

func (c *Config) Validate() error {
	if len(c.Database) == 0 {
		return errors.New("PLC_DATABASE is required")
	}
	if c.StreamBuffer < 0 {
		return errors.New("stream buffer cannot be negative")
	}
	if c.ExportLimit < 0 {
		return errors.New("export limit cannot be negative")
	}
	if _, err := c.AuthPolicy(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) AuthPolicy() (plc.Policy, error) {
	switch strings.ToLower(c.Policy) {
	case "", "default":
		return plc.DefaultPolicy, nil
	case "recovery":
		return plc.RecoveryPolicy, nil
	default:
		return nil, errors.Errorf("unknown policy %q", c.Policy)
	}
}

func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, errors.Wrapf(err, "invalid log level %q", c.LogLevel)
}

func envString(v *string, key string) {
	if s, ok := os.LookupEnv(key); ok {
		*v = s
	}
}

func d(v *string, deflt string) {
	if v == nil {
		return
	}
	if len(*v) == 0 {
		*v = deflt
	}
}
