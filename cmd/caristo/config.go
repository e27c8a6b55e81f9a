package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zoobzio/caristo"
)

// envPrefix namespaces environment overrides, e.g. CARISTO_OUTPUT.
const envPrefix = "CARISTO"

// Config is the resolved configuration of the watch command.
type Config struct {
	Input          string        `mapstructure:"input" validate:"required"`
	Output         string        `mapstructure:"output" validate:"required,nefield=Input"`
	Callback       string        `mapstructure:"callback"`
	Level          string        `mapstructure:"level" validate:"oneof=trace debug info warn warning error"`
	Throttle       time.Duration `mapstructure:"throttle" validate:"gt=0"`
	ReloadInterval time.Duration `mapstructure:"reload_interval" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// newViper creates a viper instance carrying the defaults and the
// environment binding. Flags are bound by the caller.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("input", "")
	v.SetDefault("output", "")
	v.SetDefault("callback", "")
	v.SetDefault("level", "info")
	v.SetDefault("throttle", caristo.DefaultThrottle)
	v.SetDefault("reload_interval", caristo.DefaultReloadInterval)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// registerFlags declares the watch flags on flags.
func registerFlags(flags *pflag.FlagSet) {
	flags.StringP("input", "i", "", "websites path (default: working directory)")
	flags.StringP("output", "o", "", "Caddy output folder (default: working directory)")
	flags.StringP("callback", "c", "", "command run after every update")
	flags.StringP("level", "l", "info", "log level")
	flags.Duration("throttle", caristo.DefaultThrottle, "minimum interval between two scans")
	flags.Duration("reload-interval", caristo.DefaultReloadInterval, "minimum interval between two callback runs")
}

// bindFlags maps flag names onto config keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, flag := range map[string]string{
		"input":           "input",
		"output":          "output",
		"callback":        "callback",
		"level":           "level",
		"throttle":        "throttle",
		"reload_interval": "reload-interval",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// loadConfig resolves the configuration. Precedence, highest first:
// positional arguments, flags, CARISTO_* environment, config file, defaults.
// Relative paths are resolved against the working directory, which is also
// the fallback for a missing input or output.
func loadConfig(v *viper.Viper, file string, args []string) (Config, error) {
	var cfg Config

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}

	if len(args) > 0 && args[0] != "" {
		cfg.Input = args[0]
	}
	if len(args) > 1 && args[1] != "" {
		cfg.Output = args[1]
	}

	wd, err := os.Getwd()
	if err != nil {
		return cfg, fmt.Errorf("failed to get working directory: %w", err)
	}
	cfg.Input = resolve(wd, cfg.Input)
	cfg.Output = resolve(wd, cfg.Output)

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return cfg, fmt.Errorf("invalid config: %s", describe(verrs))
		}
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if err := checkNesting(cfg.Input, cfg.Output); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// checkNesting rejects an output that contains the input, which every apply
// would clear, and an output inside the input, whose writes the watcher
// would pick up as fleet changes.
func checkNesting(input, output string) error {
	in, out := canonical(input), canonical(output)
	if within(out, in) {
		return fmt.Errorf("invalid config: Output %s contains Input %s", output, input)
	}
	if within(in, out) {
		return fmt.Errorf("invalid config: Output %s is inside Input %s", output, input)
	}
	return nil
}

// within reports whether path is parent or lies below it.
func within(parent, path string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// canonical resolves symlinks in the longest existing prefix of path.
func canonical(path string) string {
	rest := ""
	for dir := path; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return path
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}
