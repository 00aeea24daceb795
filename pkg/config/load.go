package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nicktill/tinypal/pkg/sdk/batch"
	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/sdk/transport"
)

// EnvPrefix is prepended to every environment override, so --data-dir is
// also read from TINYPAL_DATA_DIR.
const EnvPrefix = "TINYPAL"

// ConfigFlag names the flag holding an optional config file path.
const ConfigFlag = "config"

// Collector configures cmd/palcollector.
type Collector struct {
	ListenAddr   string        `mapstructure:"listen"`
	HTTPAddr     string        `mapstructure:"http"`
	DataDir      string        `mapstructure:"data-dir"`
	Retention    time.Duration `mapstructure:"retention"`
	MaxMemoryMB  int           `mapstructure:"max-memory-mb"`
	MaxStorageGB int64         `mapstructure:"max-storage-gb"`
}

// Forwarder configures an editor-side pipeline.
type Forwarder struct {
	Addr            string        `mapstructure:"addr"`
	FlushEvery      time.Duration `mapstructure:"flush-every"`
	DialTimeout     time.Duration `mapstructure:"dial-timeout"`
	WriteTimeout    time.Duration `mapstructure:"write-timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	Group           string        `mapstructure:"group"`
}

// CollectorFlags registers the collector flags on fs.
func CollectorFlags(fs *pflag.FlagSet) {
	fs.String("listen", DefaultListenAddr, "TESP listen address")
	fs.String("http", DefaultHTTPAddr, "HTTP API listen address")
	fs.String("data-dir", DefaultDataDir, "directory for BadgerDB files")
	fs.Duration("retention", DefaultRetention, "delete events older than this")
	fs.Int("max-memory-mb", DefaultMaxMemoryMB, "BadgerDB memory budget in MB")
	fs.Int64("max-storage-gb", DefaultMaxStorageGB, "refuse events once the data directory exceeds this many GB (0 disables)")
	fs.String(ConfigFlag, "", "optional config file (YAML, TOML or JSON)")
}

// ForwarderFlags registers the forwarder flags on fs.
func ForwarderFlags(fs *pflag.FlagSet) {
	fs.String("addr", transport.DefaultAddr, "collector TESP address")
	fs.Duration("flush-every", batch.DefaultFlushEvery, "interval between flushes")
	fs.Duration("dial-timeout", transport.DefaultDialTimeout, "connect timeout")
	fs.Duration("write-timeout", transport.DefaultWriteTimeout, "frame write timeout")
	fs.Duration("shutdown-timeout", batch.DefaultShutdownTimeout, "bound on the final flush")
	fs.String("group", event.DefaultGroup, "experiment group name")
	fs.String(ConfigFlag, "", "optional config file (YAML, TOML or JSON)")
}

// LoadCollector resolves collector settings from parsed flags. Precedence
// is flag, then environment, then config file, then default.
func LoadCollector(fs *pflag.FlagSet) (Collector, error) {
	var c Collector
	if err := load(fs, &c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// LoadForwarder resolves forwarder settings the same way as LoadCollector.
func LoadForwarder(fs *pflag.FlagSet) (Forwarder, error) {
	var f Forwarder
	if err := load(fs, &f); err != nil {
		return f, err
	}
	return f, f.Validate()
}

func load(fs *pflag.FlagSet, out any) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Unchanged flags act as defaults below file and environment
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	if path := v.GetString(ConfigFlag); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// Validate checks collector settings.
func (c Collector) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("retention must be positive, got %v", c.Retention))
	}
	if c.MaxMemoryMB <= 0 {
		errs = append(errs, fmt.Errorf("max memory must be positive, got %d MB", c.MaxMemoryMB))
	}
	if c.MaxStorageGB < 0 {
		errs = append(errs, fmt.Errorf("max storage must not be negative, got %d GB", c.MaxStorageGB))
	}
	return errors.Join(errs...)
}

// Validate checks forwarder settings.
func (f Forwarder) Validate() error {
	var errs []error
	if f.Addr == "" {
		errs = append(errs, errors.New("collector address is required"))
	}
	if f.FlushEvery <= 0 {
		errs = append(errs, fmt.Errorf("flush interval must be positive, got %v", f.FlushEvery))
	}
	if f.Group == "" {
		errs = append(errs, errors.New("group is required"))
	}
	return errors.Join(errs...)
}
