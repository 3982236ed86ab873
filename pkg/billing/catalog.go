package billing

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Price pairs a provider price id with its catalog amount. The amount is
// informational (UI rendering); the provider remains the pricing authority.
type Price struct {
	ID       string `yaml:"id"`
	Amount   int64  `yaml:"amount"`
	Currency string `yaml:"currency"`
}

// TierConfig bounds one tier's seats and maps it to provider prices.
// BasePrices bill the plan itself (quantity always 1); SeatPrices bill
// additional seats beyond SeatsIncluded (quantity = purchased seats).
type TierConfig struct {
	Name          string                    `yaml:"name"`
	SeatsIncluded int                       `yaml:"seats_included"`
	SeatsMax      int                       `yaml:"seats_max"`
	BasePrices    map[BillingInterval]Price `yaml:"prices"`
	SeatPrices    map[BillingInterval]Price `yaml:"seat_prices"`
}

// Config is the injected billing policy: the tier table and the dunning grace
// window. Both the state machine and the seat engine receive it at
// construction so operators can tune policy without code changes.
type Config struct {
	GracePeriodDays int                 `yaml:"grace_period_days"`
	Tiers           map[Tier]TierConfig `yaml:"tiers"`
}

// LoadCatalog reads and validates a tier catalog file.
func LoadCatalog(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Join(ErrInvalidCatalog, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Join(ErrInvalidCatalog, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the catalog's internal consistency.
func (c Config) Validate() error {
	if c.GracePeriodDays <= 0 {
		return errors.Join(ErrInvalidCatalog, errors.New("grace_period_days must be positive"))
	}
	if len(c.Tiers) == 0 {
		return errors.Join(ErrInvalidCatalog, errors.New("no tiers configured"))
	}

	for tier, tc := range c.Tiers {
		if !tier.Valid() {
			return errors.Join(ErrInvalidCatalog, fmt.Errorf("unknown tier %q", tier))
		}
		if tc.SeatsIncluded <= 0 {
			return errors.Join(ErrInvalidCatalog, fmt.Errorf("tier %s: seats_included must be positive", tier))
		}
		if tc.SeatsMax < tc.SeatsIncluded {
			return errors.Join(ErrInvalidCatalog, fmt.Errorf("tier %s: seats_max %d below seats_included %d", tier, tc.SeatsMax, tc.SeatsIncluded))
		}
		// Paid tiers must be purchasable on at least one interval.
		if tier != TierFree && len(tc.BasePrices) == 0 {
			return errors.Join(ErrInvalidCatalog, fmt.Errorf("tier %s: no prices configured", tier))
		}
		for interval := range tc.BasePrices {
			if !interval.Valid() {
				return errors.Join(ErrInvalidCatalog, fmt.Errorf("tier %s: unknown billing interval %q", tier, interval))
			}
		}
		for interval := range tc.SeatPrices {
			if !interval.Valid() {
				return errors.Join(ErrInvalidCatalog, fmt.Errorf("tier %s: unknown billing interval %q", tier, interval))
			}
		}
	}

	if _, ok := c.Tiers[TierFree]; !ok {
		return errors.Join(ErrInvalidCatalog, errors.New("free tier must be configured"))
	}
	return nil
}

// TierConfig returns the configuration for a tier.
func (c Config) TierConfig(t Tier) (TierConfig, error) {
	tc, ok := c.Tiers[t]
	if !ok {
		return TierConfig{}, errors.Join(ErrUnknownTier, fmt.Errorf("tier %q", t))
	}
	return tc, nil
}

// TierByBasePrice resolves a provider base-plan price id back to its tier and
// interval. Used to interpret provider-reported items and scheduled phases.
func (c Config) TierByBasePrice(priceID string) (Tier, BillingInterval, bool) {
	for tier, tc := range c.Tiers {
		for interval, price := range tc.BasePrices {
			if price.ID == priceID {
				return tier, interval, true
			}
		}
	}
	return "", "", false
}

// BasePriceID returns the provider price id billing a tier on an interval.
func (c Config) BasePriceID(t Tier, interval BillingInterval) (string, error) {
	tc, err := c.TierConfig(t)
	if err != nil {
		return "", err
	}
	price, ok := tc.BasePrices[interval]
	if !ok || price.ID == "" {
		return "", errors.Join(ErrInvalidCatalog, fmt.Errorf("tier %s has no %s price", t, interval))
	}
	return price.ID, nil
}

// SeatPriceID returns the provider price id billing additional seats for a
// tier on an interval.
func (c Config) SeatPriceID(t Tier, interval BillingInterval) (string, error) {
	tc, err := c.TierConfig(t)
	if err != nil {
		return "", err
	}
	price, ok := tc.SeatPrices[interval]
	if !ok || price.ID == "" {
		return "", errors.Join(ErrInvalidCatalog, fmt.Errorf("tier %s has no %s seat price", t, interval))
	}
	return price.ID, nil
}

// GracePeriod returns the configured dunning window as a duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}
