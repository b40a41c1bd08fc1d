package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes the environment variable backing every flag, so
// --store-dsn reads RIVERRUNNER_STORE_DSN.
const EnvPrefix = "RIVERRUNNER"

// LogConfig configures the global zap logger.
type LogConfig struct {
	Level  string `help:"Log level (debug, info, warn, error)." default:"info"`
	Format string `help:"Log encoding." enum:"json,console" default:"json"`
}

// RetrievalConfig configures measurement retrieval.
type RetrievalConfig struct {
	Lookback time.Duration `help:"History window used when no start date is given." default:"720h"`
	CacheTTL time.Duration `help:"How long run and station lookups are cached." default:"10m"`
}

// Validate rejects a lookback that would leave the default query window empty.
func (c RetrievalConfig) Validate() error {
	if c.Lookback <= 0 {
		return eris.Errorf("config: retrieval lookback must be positive, got %s", c.Lookback)
	}
	return nil
}

// ForecastConfig configures the forecast pipeline.
type ForecastConfig struct {
	Horizon     int  `help:"Days of predictions per run." default:"7"`
	Concurrency int  `help:"Runs forecast in parallel." default:"1"`
	Atomic      bool `help:"Replace the whole prediction cache in one transaction."`
}

// RefreshConfig configures the raw observation refresh.
type RefreshConfig struct {
	Command     string        `help:"External ingestion command; prints JSON measurements on stdout."`
	MaxAttempts int           `help:"Total refresh attempts per cycle." default:"3"`
	RetryDelay  time.Duration `help:"Delay between refresh attempts." default:"5m"`
}

// Args splits Command on whitespace.
func (c RefreshConfig) Args() []string {
	return strings.Fields(c.Command)
}

// ScheduleConfig configures the daily cycle scheduler.
type ScheduleConfig struct {
	Cron       string `help:"Cron spec for the daily cycle." default:"0 6 * * *"`
	TZ         string `help:"Time zone the cron spec is evaluated in." default:"UTC"`
	RunOnStart bool   `help:"Run a cycle immediately on startup."`
}

func (c ScheduleConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load time zone %q", c.TZ)
	}
	return loc, nil
}

type HTTPConfig struct {
	Addr string `help:"HTTP listen address." default:":8080"`
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
