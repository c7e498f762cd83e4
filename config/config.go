// Package config loads service settings from defaults, an optional config
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	KeyHTTPAddr          = "HTTP_ADDR"
	KeyUploadDir         = "UPLOAD_DIR"
	KeyOutputDir         = "OUTPUT_DIR"
	KeyAllowedExtensions = "ALLOWED_EXTENSIONS"
	KeyMaxFileSize       = "MAX_FILE_SIZE"
	KeyBaseURL           = "BASE_URL"
	KeyUniqueNames       = "UNIQUE_NAMES"
	KeyReportSkipped     = "REPORT_SKIPPED"
	KeyWorkers           = "WORKERS"
	KeyRemoveTimeout     = "REMOVE_TIMEOUT"
	KeyBackend           = "REMBG_BACKEND"
	KeyRemBGURL          = "REMBG_URL"
	KeyRemBGModel        = "REMBG_MODEL"
	KeyMaxEdge           = "REMBG_MAX_EDGE"
	KeySkipTransparent   = "REMBG_SKIP_TRANSPARENT"
	KeySweepSchedule     = "SWEEP_SCHEDULE"
	KeySweepMaxAge       = "SWEEP_MAX_AGE"
	KeyGCSBucket         = "GCS_BUCKET"
	KeyGCSSignURLs       = "GCS_SIGN_URLS"
	KeyLogLevel          = "LOG_LEVEL"
	KeyLogFormat         = "LOG_FORMAT"
)

const DefaultMaxFileSize = 10 * 1024 * 1024

type Config struct {
	Server  ServerConfig
	App     AppConfig
	RemBG   RemBGConfig
	Sweeper SweeperConfig
	Mirror  MirrorConfig
	Log     LogConfig
}

type ServerConfig struct {
	Addr    string
	BaseURL string
}

type AppConfig struct {
	UploadDir         string
	OutputDir         string
	AllowedExtensions []string
	MaxFileSize       int64
	UniqueNames       bool
	ReportSkipped     bool
	Workers           int
	RemoveTimeout     time.Duration
}

type RemBGConfig struct {
	Backend         string
	URL             string
	Model           string
	MaxEdge         int
	SkipTransparent bool
}

type SweeperConfig struct {
	Schedule string
	MaxAge   time.Duration
}

type MirrorConfig struct {
	GCSBucket string
	SignURLs  bool
}

type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHTTPAddr, ":5000")
	v.SetDefault(KeyUploadDir, "uploads")
	v.SetDefault(KeyOutputDir, "outputs")
	v.SetDefault(KeyAllowedExtensions, []string{"png", "jpg", "jpeg", "webp"})
	v.SetDefault(KeyMaxFileSize, DefaultMaxFileSize)
	v.SetDefault(KeyBaseURL, "http://localhost:5111")
	v.SetDefault(KeyUniqueNames, true)
	v.SetDefault(KeyReportSkipped, false)
	v.SetDefault(KeyWorkers, 2)
	v.SetDefault(KeyRemoveTimeout, 2*time.Minute)
	v.SetDefault(KeyBackend, "rembg")
	v.SetDefault(KeyRemBGURL, "http://localhost:7000")
	v.SetDefault(KeyRemBGModel, "")
	v.SetDefault(KeyMaxEdge, 0)
	v.SetDefault(KeySkipTransparent, false)
	v.SetDefault(KeySweepSchedule, "@every 10m")
	v.SetDefault(KeySweepMaxAge, time.Hour)
	v.SetDefault(KeyGCSBucket, "")
	v.SetDefault(KeyGCSSignURLs, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
}

// New returns a viper instance with defaults and environment lookup set up.
// configFile is read when non-empty.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load reads a Config out of v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:    v.GetString(KeyHTTPAddr),
			BaseURL: strings.TrimRight(v.GetString(KeyBaseURL), "/"),
		},
		App: AppConfig{
			UploadDir:         v.GetString(KeyUploadDir),
			OutputDir:         v.GetString(KeyOutputDir),
			AllowedExtensions: splitList(v.GetStringSlice(KeyAllowedExtensions)),
			MaxFileSize:       v.GetInt64(KeyMaxFileSize),
			UniqueNames:       v.GetBool(KeyUniqueNames),
			ReportSkipped:     v.GetBool(KeyReportSkipped),
			Workers:           v.GetInt(KeyWorkers),
			RemoveTimeout:     v.GetDuration(KeyRemoveTimeout),
		},
		RemBG: RemBGConfig{
			Backend:         v.GetString(KeyBackend),
			URL:             v.GetString(KeyRemBGURL),
			Model:           v.GetString(KeyRemBGModel),
			MaxEdge:         v.GetInt(KeyMaxEdge),
			SkipTransparent: v.GetBool(KeySkipTransparent),
		},
		Sweeper: SweeperConfig{
			Schedule: v.GetString(KeySweepSchedule),
			MaxAge:   v.GetDuration(KeySweepMaxAge),
		},
		Mirror: MirrorConfig{
			GCSBucket: v.GetString(KeyGCSBucket),
			SignURLs:  v.GetBool(KeyGCSSignURLs),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.App.UploadDir == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyUploadDir))
	}
	if c.App.OutputDir == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyOutputDir))
	}
	if len(c.App.AllowedExtensions) == 0 {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyAllowedExtensions))
	}
	if c.App.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyMaxFileSize, c.App.MaxFileSize))
	}
	if c.App.Workers < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", KeyWorkers, c.App.Workers))
	}
	if c.App.RemoveTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyRemoveTimeout))
	}
	switch c.RemBG.Backend {
	case "rembg", "comfyui", "colorkey":
	default:
		errs = append(errs, fmt.Errorf("%s: unknown backend %q", KeyBackend, c.RemBG.Backend))
	}
	if c.Sweeper.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sweeper.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KeySweepSchedule, err))
		}
	}
	return errors.Join(errs...)
}

// splitList accepts both list values and a single comma separated string, as
// environment variables can only carry the latter.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
