// Package config loads nxstools settings from a YAML file, NXS_*
// environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AppName names the configuration directory and the environment prefix.
const (
	AppName   = "nxstools"
	EnvPrefix = "NXS"
)

// Config stores all settings of the command-line tools.
type Config struct {
	Backend     string    `mapstructure:"backend"`
	Compression int       `mapstructure:"compression"`
	SkipMissing bool      `mapstructure:"skip_missing"`
	Replace     bool      `mapstructure:"replace"`
	Separator   string    `mapstructure:"separator"`
	MaxFrames   int       `mapstructure:"max_frames"`
	Log         LogConfig `mapstructure:"log"`
	VDS         VDSConfig `mapstructure:"vds"`
}

// LogConfig selects the diagnostic log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// VDSConfig holds virtual field defaults.
type VDSConfig struct {
	FramesPerFile int    `mapstructure:"frames_per_file"`
	InnerPath     string `mapstructure:"inner_path"`
}

// FlagKeys maps flag names to configuration keys for flags whose names
// differ from their key.
var FlagKeys = map[string]string{
	"skip_missing":       "skip_missing",
	"replace_nexus_file": "replace",
	"max-frames":         "max_frames",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"frames-per-file":    "vds.frames_per_file",
	"inner-path":         "vds.inner_path",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", "h5")
	v.SetDefault("compression", 2)
	v.SetDefault("skip_missing", false)
	v.SetDefault("replace", false)
	v.SetDefault("separator", ",")
	v.SetDefault("max_frames", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("vds.frames_per_file", 0)
	v.SetDefault("vds.inner_path", "/entry/instrument/detector/data")
}

// Load reads the configuration. configPath selects an explicit file; when
// empty, nxscollect.yaml is looked up in the working directory and in
// $HOME/.config/nxstools. Flags in fs that were set on the command line
// override file and environment values.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("nxscollect")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", AppName))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			key, ok := FlagKeys[f.Name]
			if !ok {
				key = f.Name
			}
			if !isKnown(key) {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isKnown(key string) bool {
	switch key {
	case "backend", "compression", "skip_missing", "replace", "separator", "max_frames",
		"log.level", "log.format", "vds.frames_per_file", "vds.inner_path":
		return true
	}
	return false
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Compression < 0 || c.Compression > 9 {
		return fmt.Errorf("compression %d out of range 0-9", c.Compression)
	}
	if c.MaxFrames < 0 {
		return fmt.Errorf("max_frames %d is negative", c.MaxFrames)
	}
	if c.Separator == "" {
		return errors.New("separator is empty")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format %q is neither console nor json", c.Log.Format)
	}
	return nil
}
