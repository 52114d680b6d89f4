package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	AOI       AOIConfig       `yaml:"aoi" mapstructure:"aoi"`
	Analysis  AnalysisConfig  `yaml:"analysis" mapstructure:"analysis"`
	Progress  ProgressConfig  `yaml:"progress" mapstructure:"progress"`
	Basemap   BasemapConfig   `yaml:"basemap" mapstructure:"basemap"`
	Landcover LandcoverConfig `yaml:"landcover" mapstructure:"landcover"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	District  DistrictConfig  `yaml:"district" mapstructure:"district"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the session HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// AOIConfig configures the area-of-interest editor.
type AOIConfig struct {
	MaxAreaKm2 float64 `yaml:"max_area_km2" mapstructure:"max_area_km2"`
}

// AnalysisConfig configures the remote analysis service and submission pipeline.
type AnalysisConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	ProgressURL string `yaml:"progress_url" mapstructure:"progress_url"`
	RangeMonths int    `yaml:"range_months" mapstructure:"range_months"`
	SettleMs    int    `yaml:"settle_ms" mapstructure:"settle_ms"`
	// TimeoutSecs bounds the analysis request. Zero disables the timeout.
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Settle returns the delay before busy state resets after a run ends.
func (c AnalysisConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// Timeout returns the request timeout, or zero when none is configured.
func (c AnalysisConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ProgressConfig configures the progress animator.
type ProgressConfig struct {
	DurationMs int `yaml:"duration_ms" mapstructure:"duration_ms"`
	FrameMs    int `yaml:"frame_ms" mapstructure:"frame_ms"`
}

// BasemapConfig configures the raster tile source.
type BasemapConfig struct {
	URL              string  `yaml:"url" mapstructure:"url"`
	Format           string  `yaml:"format" mapstructure:"format"`
	UserAgent        string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	CacheSize        int     `yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTLMins     int     `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`
	RetryAttempts    int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// LandcoverConfig configures the advisory land-cover check.
type LandcoverConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Zoom    int  `yaml:"zoom" mapstructure:"zoom"`
}

// NotifyConfig configures user-facing notifications.
type NotifyConfig struct {
	DurationMs int `yaml:"duration_ms" mapstructure:"duration_ms"`
}

// DistrictConfig configures the optional district reference layer.
type DistrictConfig struct {
	Path      string `yaml:"path" mapstructure:"path"`
	NameField string `yaml:"name_field" mapstructure:"name_field"`
	Encoding  string `yaml:"encoding" mapstructure:"encoding"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AGROSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("aoi.max_area_km2", 20.0)
	v.SetDefault("analysis.base_url", "https://backend.agroscope.site/api")
	v.SetDefault("analysis.endpoint", "/fetch-indices/")
	v.SetDefault("analysis.progress_url", "wss://backend.agroscope.site/ws/progress")
	v.SetDefault("analysis.range_months", 6)
	v.SetDefault("analysis.settle_ms", 1000)
	v.SetDefault("analysis.timeout_secs", 0)
	v.SetDefault("progress.duration_ms", 1500)
	v.SetDefault("progress.frame_ms", 16)
	v.SetDefault("basemap.url", "https://tile.openstreetmap.org")
	v.SetDefault("basemap.format", "png")
	v.SetDefault("basemap.user_agent", "agroscope-cli/1.0")
	v.SetDefault("basemap.rate_per_sec", 8.0)
	v.SetDefault("basemap.cache_size", 2048)
	v.SetDefault("basemap.cache_ttl_mins", 60)
	v.SetDefault("basemap.retry_attempts", 2)
	v.SetDefault("basemap.breaker_threshold", 5)
	v.SetDefault("basemap.breaker_reset_secs", 30)
	v.SetDefault("landcover.enabled", true)
	v.SetDefault("landcover.zoom", 10)
	v.SetDefault("notify.duration_ms", 4000)
	v.SetDefault("district.name_field", "NAME_2")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given command mode.
// Valid modes: "area", "classify", "analyze", "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.AOI.MaxAreaKm2 <= 0 {
		errs = append(errs, "aoi.max_area_km2 must be > 0")
	}

	switch mode {
	case "area":
	case "classify":
		errs = append(errs, c.validateBasemap()...)
	case "analyze":
		errs = append(errs, c.validateAnalysis()...)
		if c.Landcover.Enabled {
			errs = append(errs, c.validateBasemap()...)
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateAnalysis()...)
		errs = append(errs, c.validateBasemap()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateAnalysis() []string {
	var errs []string
	if c.Analysis.BaseURL == "" {
		errs = append(errs, "analysis.base_url is required")
	}
	if c.Analysis.ProgressURL == "" {
		errs = append(errs, "analysis.progress_url is required")
	}
	if c.Analysis.RangeMonths <= 0 {
		errs = append(errs, "analysis.range_months must be > 0")
	}
	if c.Analysis.TimeoutSecs < 0 {
		errs = append(errs, "analysis.timeout_secs must be >= 0")
	}
	if c.Progress.DurationMs <= 0 || c.Progress.FrameMs <= 0 {
		errs = append(errs, "progress.duration_ms and progress.frame_ms must be > 0")
	}
	return errs
}

func (c *Config) validateBasemap() []string {
	var errs []string
	if c.Basemap.URL == "" {
		errs = append(errs, "basemap.url is required")
	}
	if c.Landcover.Zoom < 1 || c.Landcover.Zoom > 22 {
		errs = append(errs, "landcover.zoom must be between 1 and 22")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
