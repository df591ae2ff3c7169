package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khizerh/amanahlogic-sub002/pkg/config"
)

type billingTestConfig struct {
	GraceDays    int    `env:"TEST_GRACE_DAYS" envDefault:"30"`
	CancelMonths int    `env:"TEST_CANCEL_MONTHS" envDefault:"24"`
	Currency     string `env:"TEST_CURRENCY" envDefault:"usd"`
}

type requiredTestConfig struct {
	Token string `env:"TEST_REQUIRED_TOKEN_MISSING,required"`
}

func TestLoad(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		config.Reset()

		var cfg billingTestConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, 30, cfg.GraceDays)
		assert.Equal(t, 24, cfg.CancelMonths)
		assert.Equal(t, "usd", cfg.Currency)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		config.Reset()
		t.Setenv("TEST_GRACE_DAYS", "7")

		var cfg billingTestConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, 7, cfg.GraceDays)
	})

	t.Run("second load returns cached values", func(t *testing.T) {
		config.Reset()
		t.Setenv("TEST_GRACE_DAYS", "7")

		var first billingTestConfig
		require.NoError(t, config.Load(&first))

		t.Setenv("TEST_GRACE_DAYS", "99")
		var second billingTestConfig
		require.NoError(t, config.Load(&second))
		assert.Equal(t, 7, second.GraceDays)
	})

	t.Run("missing required variable", func(t *testing.T) {
		config.Reset()

		var cfg requiredTestConfig
		err := config.Load(&cfg)
		require.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("nil pointer", func(t *testing.T) {
		err := config.Load[billingTestConfig](nil)
		require.ErrorIs(t, err, config.ErrNilPointer)
	})
}
