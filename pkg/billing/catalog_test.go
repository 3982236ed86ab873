package billing_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	t.Run("loads a valid catalog file", func(t *testing.T) {
		t.Parallel()
		cfg, err := billing.LoadCatalog("testdata/catalog.yml")
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.GracePeriodDays)
		require.Len(t, cfg.Tiers, 3)

		starter := cfg.Tiers[billing.TierStarter]
		assert.Equal(t, "Starter", starter.Name)
		assert.Equal(t, 5, starter.SeatsIncluded)
		assert.Equal(t, 19, starter.SeatsMax)
		assert.Equal(t, "price_starter_month", starter.BasePrices[billing.IntervalMonthly].ID)
		assert.Equal(t, int64(2900), starter.BasePrices[billing.IntervalMonthly].Amount)
		assert.Equal(t, "price_starter_seat_year", starter.SeatPrices[billing.IntervalAnnual].ID)

		free := cfg.Tiers[billing.TierFree]
		assert.Empty(t, free.BasePrices)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := billing.LoadCatalog("testdata/nope.yml")
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("unparsable yaml", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "catalog.yml")
		require.NoError(t, os.WriteFile(path, []byte("tiers: [not: a: map"), 0o600))

		_, err := billing.LoadCatalog(path)
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("semantically invalid catalog is rejected", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "catalog.yml")
		require.NoError(t, os.WriteFile(path, []byte("grace_period_days: 0\ntiers: {}\n"), 0o600))

		_, err := billing.LoadCatalog(path)
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := testCatalog()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*billing.Config)
	}{
		{"zero grace period", func(c *billing.Config) { c.GracePeriodDays = 0 }},
		{"no tiers", func(c *billing.Config) { c.Tiers = nil }},
		{"missing free tier", func(c *billing.Config) { delete(c.Tiers, billing.TierFree) }},
		{"unknown tier name", func(c *billing.Config) { c.Tiers["platinum"] = c.Tiers[billing.TierStarter] }},
		{"zero included seats", func(c *billing.Config) {
			tc := c.Tiers[billing.TierStarter]
			tc.SeatsIncluded = 0
			c.Tiers[billing.TierStarter] = tc
		}},
		{"max below included", func(c *billing.Config) {
			tc := c.Tiers[billing.TierStarter]
			tc.SeatsMax = tc.SeatsIncluded - 1
			c.Tiers[billing.TierStarter] = tc
		}},
		{"paid tier without prices", func(c *billing.Config) {
			tc := c.Tiers[billing.TierStarter]
			tc.BasePrices = nil
			c.Tiers[billing.TierStarter] = tc
		}},
		{"unknown interval key", func(c *billing.Config) {
			tc := c.Tiers[billing.TierStarter]
			tc.BasePrices = map[billing.BillingInterval]billing.Price{
				"weekly": {ID: "price_x", Amount: 100, Currency: "USD"},
			}
			c.Tiers[billing.TierStarter] = tc
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testCatalog()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), billing.ErrInvalidCatalog)
		})
	}
}

func TestConfig_PriceLookups(t *testing.T) {
	t.Parallel()

	cfg := testCatalog()

	t.Run("resolves tier and interval from a base price id", func(t *testing.T) {
		t.Parallel()
		tier, interval, ok := cfg.TierByBasePrice("price_pro_year")
		require.True(t, ok)
		assert.Equal(t, billing.TierProfessional, tier)
		assert.Equal(t, billing.IntervalAnnual, interval)
	})

	t.Run("unknown price id does not resolve", func(t *testing.T) {
		t.Parallel()
		_, _, ok := cfg.TierByBasePrice("price_mystery")
		assert.False(t, ok)
	})

	t.Run("base and seat price ids by tier and interval", func(t *testing.T) {
		t.Parallel()
		base, err := cfg.BasePriceID(billing.TierStarter, billing.IntervalMonthly)
		require.NoError(t, err)
		assert.Equal(t, "price_starter_month", base)

		seat, err := cfg.SeatPriceID(billing.TierStarter, billing.IntervalAnnual)
		require.NoError(t, err)
		assert.Equal(t, "price_starter_seat_year", seat)
	})

	t.Run("free tier has no purchasable prices", func(t *testing.T) {
		t.Parallel()
		_, err := cfg.BasePriceID(billing.TierFree, billing.IntervalMonthly)
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)

		_, err = cfg.SeatPriceID(billing.TierFree, billing.IntervalMonthly)
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("unknown tier", func(t *testing.T) {
		t.Parallel()
		_, err := cfg.TierConfig(billing.Tier("platinum"))
		assert.ErrorIs(t, err, billing.ErrUnknownTier)

		_, err = cfg.BasePriceID(billing.Tier("platinum"), billing.IntervalMonthly)
		assert.ErrorIs(t, err, billing.ErrUnknownTier)
	})
}

func TestConfig_GracePeriod(t *testing.T) {
	t.Parallel()
	cfg := testCatalog()
	assert.Equal(t, 7*24*time.Hour, cfg.GracePeriod())
}
