// Package config loads prospect settings from a config file, PROSPECT_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/FranksOps/prospect/internal/remote"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const EnvPrefix = "PROSPECT"

type Config struct {
	// dashboard backend, e.g. "http://localhost:3000"
	BaseURL    string `mapstructure:"base_url" validate:"omitempty,http_url"`
	ScrapePath string `mapstructure:"scrape_path" validate:"required,startswith=/"`
	SavePath   string `mapstructure:"save_path" validate:"required,startswith=/"`
	// sent as a bearer token when set
	Token string `mapstructure:"token"`

	MaxResults    int    `mapstructure:"max_results" validate:"min=1,max=1000"`
	ExcludeSector string `mapstructure:"exclude_sector"`

	// how long final progress stays on screen; negative keeps it
	ClearDelay time.Duration `mapstructure:"clear_delay"`
	// bound on waiting for response headers; the stream itself has no deadline
	HeaderTimeout time.Duration `mapstructure:"header_timeout" validate:"min=0"`
	TLSProfile    string        `mapstructure:"tls_profile" validate:"oneof=go chrome firefox safari random"`
	TLSInsecure   bool          `mapstructure:"tls_insecure"`

	// local copies of every saved result set, "<kind>:<target>"
	Archive []string `mapstructure:"archive" validate:"dive,archive_spec"`

	// 0 disables the /metrics server
	MetricsPort int    `mapstructure:"metrics_port" validate:"min=0,max=65535"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `mapstructure:"log_format" validate:"oneof=text json"`

	BatchInterval time.Duration `mapstructure:"batch_interval" validate:"min=0"`
	BatchJitter   float64       `mapstructure:"batch_jitter" validate:"min=0,max=1"`
}

var Default = Config{
	ScrapePath:    remote.DefaultScrapePath,
	SavePath:      remote.DefaultSavePath,
	MaxResults:    20,
	ClearDelay:    3 * time.Second,
	HeaderTimeout: 30 * time.Second,
	TLSProfile:    "go",
	LogLevel:      "info",
	LogFormat:     "text",
	BatchInterval: 10 * time.Second,
	BatchJitter:   0.2,
}

// archiveKinds are the storage backends an archive spec may name.
var archiveKinds = []string{"sqlite", "postgres", "json", "csv"}

// New returns a viper instance with every key defaulted and environment
// lookup enabled. Flags may be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("base_url", Default.BaseURL)
	v.SetDefault("scrape_path", Default.ScrapePath)
	v.SetDefault("save_path", Default.SavePath)
	v.SetDefault("token", Default.Token)
	v.SetDefault("max_results", Default.MaxResults)
	v.SetDefault("exclude_sector", Default.ExcludeSector)
	v.SetDefault("clear_delay", Default.ClearDelay)
	v.SetDefault("header_timeout", Default.HeaderTimeout)
	v.SetDefault("tls_profile", Default.TLSProfile)
	v.SetDefault("tls_insecure", Default.TLSInsecure)
	v.SetDefault("archive", []string{})
	v.SetDefault("metrics_port", Default.MetricsPort)
	v.SetDefault("log_level", Default.LogLevel)
	v.SetDefault("log_format", Default.LogFormat)
	v.SetDefault("batch_interval", Default.BatchInterval)
	v.SetDefault("batch_jitter", Default.BatchJitter)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file, or prospect.yaml from the working directory or
// ~/.config/prospect when file is empty, then decodes and validates the
// merged settings. A missing default config file is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("prospect")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "prospect"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("unable to use config file: %w", err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	return cfg, cfg.Validate()
}

// RequireBackend reports an error unless a dashboard backend is configured.
// Commands that only read local archives do not need one.
func (cfg Config) RequireBackend() error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("base_url is not set (flag --base-url or %s_BASE_URL)", EnvPrefix)
	}
	return nil
}

// Validate is the final check after the file, environment and flags are merged.
func (cfg Config) Validate() error {
	translateError := func(e validator.FieldError) string {
		switch e.ActualTag() {
		case "required":
			return "value is empty"
		case "http_url":
			return fmt.Sprintf("%q is not an http(s) URL", e.Value())
		case "oneof":
			return fmt.Sprintf("%v is not one of: %s", e.Value(), e.Param())
		case "archive_spec":
			return fmt.Sprintf("%q is not <%s>:<target>", e.Value(), strings.Join(archiveKinds, "|"))
		case "min", "max":
			return fmt.Sprintf("%v is out of range (%s %s)", e.Value(), e.Tag(), e.Param())
		default:
			return fmt.Sprintf("invalid value (%s)", e.Tag())
		}
	}

	validate := validator.New()
	err := validate.RegisterValidation("archive_spec", func(fl validator.FieldLevel) bool {
		kind, target, ok := strings.Cut(fl.Field().String(), ":")
		if !ok || target == "" {
			return false
		}
		for _, k := range archiveKinds {
			if k == kind {
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		var b strings.Builder
		b.WriteString("invalid config values:\n")
		for _, e := range verrs {
			fmt.Fprintf(&b, "> %s: %s\n", e.Namespace(), translateError(e))
		}
		return errors.New(b.String())
	}
	return nil
}
