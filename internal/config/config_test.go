package config

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type testCLI struct {
	Log      LogConfig      `embed:"" prefix:"log-"`
	Refresh  RefreshConfig  `embed:"" prefix:"refresh-"`
	Schedule ScheduleConfig `embed:"" prefix:"schedule-"`
	Forecast ForecastConfig `embed:"" prefix:"forecast-"`

	Retrieval RetrievalConfig `embed:"" prefix:"retrieval-"`
}

func (c *testCLI) Validate() error {
	return c.Retrieval.Validate()
}

func parse(t *testing.T, args ...string) testCLI {
	t.Helper()
	var cli testCLI
	parser, err := kong.New(&cli, kong.DefaultEnvars(EnvPrefix))
	require.NoError(t, err)
	_, err = parser.Parse(args)
	require.NoError(t, err)
	return cli
}

func TestDefaults(t *testing.T) {
	cli := parse(t)

	assert.Equal(t, "info", cli.Log.Level)
	assert.Equal(t, "json", cli.Log.Format)
	assert.Equal(t, 3, cli.Refresh.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cli.Refresh.RetryDelay)
	assert.Equal(t, "0 6 * * *", cli.Schedule.Cron)
	assert.Equal(t, 7, cli.Forecast.Horizon)
	assert.False(t, cli.Forecast.Atomic)
	assert.Equal(t, 720*time.Hour, cli.Retrieval.Lookback)
}

func TestRetrievalLookbackMustBePositive(t *testing.T) {
	for _, arg := range []string{"--retrieval-lookback=0s", "--retrieval-lookback=-1h"} {
		var cli testCLI
		parser, err := kong.New(&cli, kong.DefaultEnvars(EnvPrefix))
		require.NoError(t, err)
		_, err = parser.Parse([]string{arg})
		assert.ErrorContains(t, err, "lookback must be positive", arg)
	}

	assert.NoError(t, RetrievalConfig{Lookback: time.Hour}.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RIVERRUNNER_REFRESH_MAX_ATTEMPTS", "5")
	t.Setenv("RIVERRUNNER_FORECAST_ATOMIC", "true")
	t.Setenv("RIVERRUNNER_SCHEDULE_TZ", "America/Los_Angeles")

	cli := parse(t, "--log-level=debug")

	assert.Equal(t, 5, cli.Refresh.MaxAttempts)
	assert.True(t, cli.Forecast.Atomic)
	assert.Equal(t, "debug", cli.Log.Level)

	loc, err := cli.Schedule.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Los_Angeles", loc.String())
}

func TestRefreshArgs(t *testing.T) {
	assert.Empty(t, RefreshConfig{}.Args())
	assert.Equal(t, []string{"usgs-fetch", "--since", "24h"}, RefreshConfig{Command: " usgs-fetch  --since 24h"}.Args())
}

func TestScheduleLocation_Invalid(t *testing.T) {
	_, err := ScheduleConfig{TZ: "Mars/Olympus_Mons"}.Location()
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zapcore.WarnLevel))
	assert.False(t, zap.L().Core().Enabled(zapcore.InfoLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "loud", Format: "json"}))
}
