package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr:               ":5000",
		DequeueTimeoutSecs: 15,
		FastPollSecs:       0.1,
		SlowPollSecs:       2,
		AllowedFastPolls:   10,
		ExpireSecs:         86400,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":5000", cfg.Addr)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 0, cfg.RedisDB)
	require.Equal(t, 15.0, cfg.DequeueTimeoutSecs)
	require.Equal(t, 0.1, cfg.FastPollSecs)
	require.Equal(t, 2.0, cfg.SlowPollSecs)
	require.Equal(t, 10, cfg.AllowedFastPolls)
	require.Equal(t, 86400, cfg.ExpireSecs)
	require.True(t, cfg.PadMessages)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
	require.False(t, cfg.RateLimitEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("JUPYTER_BRIDGE_ADDR", ":8080")
	t.Setenv("JUPYTER_DEQUEUE_TIMEOUT_SECS", "2.5")
	t.Setenv("JUPYTER_FAST_BRIDGE_POLL_SECS", "0.25")
	t.Setenv("JUPYTER_SLOW_BRIDGE_POLL_SECS", "4")
	t.Setenv("JUPYTER_ALLOWED_FAST_DEQUEUE_POLLS", "3")
	t.Setenv("JUPYTER_BRIDGE_EXPIRE_SECS", "3600")
	t.Setenv("JUPYTER_BRIDGE_PAD_MESSAGES", "false")
	t.Setenv("JUPYTER_BRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, 2.5, cfg.DequeueTimeoutSecs)
	require.Equal(t, 3, cfg.AllowedFastPolls)
	require.False(t, cfg.PadMessages)
	require.Equal(t, "debug", cfg.LogLevel)

	require.Equal(t, 2500*time.Millisecond, cfg.DequeueTimeout())
	require.Equal(t, 250*time.Millisecond, cfg.FastPoll())
	require.Equal(t, 4*time.Second, cfg.SlowPoll())
	require.Equal(t, time.Hour, cfg.SlotTTL())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing addr",
			mutate: func(c *Config) { c.Addr = "" },
			want:   "JUPYTER_BRIDGE_ADDR",
		},
		{
			name:   "zero dequeue timeout",
			mutate: func(c *Config) { c.DequeueTimeoutSecs = 0 },
			want:   "JUPYTER_DEQUEUE_TIMEOUT_SECS",
		},
		{
			name:   "negative fast poll",
			mutate: func(c *Config) { c.FastPollSecs = -1 },
			want:   "JUPYTER_FAST_BRIDGE_POLL_SECS",
		},
		{
			name:   "zero slow poll",
			mutate: func(c *Config) { c.SlowPollSecs = 0 },
			want:   "JUPYTER_SLOW_BRIDGE_POLL_SECS",
		},
		{
			name:   "negative fast poll budget",
			mutate: func(c *Config) { c.AllowedFastPolls = -1 },
			want:   "JUPYTER_ALLOWED_FAST_DEQUEUE_POLLS",
		},
		{
			name:   "zero expiry",
			mutate: func(c *Config) { c.ExpireSecs = 0 },
			want:   "JUPYTER_BRIDGE_EXPIRE_SECS",
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.LogLevel = "loud" },
			want:   "JUPYTER_BRIDGE_LOG_LEVEL",
		},
		{
			name:   "unknown log format",
			mutate: func(c *Config) { c.LogFormat = "xml" },
			want:   "JUPYTER_BRIDGE_LOG_FORMAT",
		},
		{
			name: "rate limiting enabled with zero rate",
			mutate: func(c *Config) {
				c.RateLimitEnabled = true
				c.RateLimitIPRate = 0
				c.RateLimitGlobalRate = 100
				c.RateLimitIPBurst = 1
				c.RateLimitGlobalBurst = 1
			},
			want: "rate limit",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateAcceptsZeroFastPollBudget(t *testing.T) {
	cfg := validConfig()
	cfg.AllowedFastPolls = 0
	require.NoError(t, cfg.Validate(), "a zero budget means slow polling from the start")
}
