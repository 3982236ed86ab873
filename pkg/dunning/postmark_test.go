package dunning_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/dunning"
)

func TestNewPostmarkSender(t *testing.T) {
	t.Parallel()

	t.Run("valid config", func(t *testing.T) {
		t.Parallel()

		sender, err := dunning.NewPostmarkSender(dunning.Config{
			PostmarkServerToken:  "test-server-token",
			PostmarkAccountToken: "test-account-token",
			SenderEmail:          "billing@example.com",
			SupportEmail:         "support@example.com",
		})
		require.NoError(t, err)
		assert.NotNil(t, sender)
	})

	t.Run("empty server token", func(t *testing.T) {
		t.Parallel()

		sender, err := dunning.NewPostmarkSender(dunning.Config{
			PostmarkAccountToken: "test-account-token",
			SenderEmail:          "billing@example.com",
			SupportEmail:         "support@example.com",
		})
		assert.Nil(t, sender)
		assert.ErrorIs(t, err, dunning.ErrInvalidConfig)
		assert.Contains(t, err.Error(), "PostmarkServerToken is required")
	})

	t.Run("empty account token", func(t *testing.T) {
		t.Parallel()

		sender, err := dunning.NewPostmarkSender(dunning.Config{
			PostmarkServerToken: "test-server-token",
			SenderEmail:         "billing@example.com",
			SupportEmail:        "support@example.com",
		})
		assert.Nil(t, sender)
		assert.ErrorIs(t, err, dunning.ErrInvalidConfig)
		assert.Contains(t, err.Error(), "PostmarkAccountToken is required")
	})

	t.Run("invalid sender email", func(t *testing.T) {
		t.Parallel()

		sender, err := dunning.NewPostmarkSender(dunning.Config{
			PostmarkServerToken:  "test-server-token",
			PostmarkAccountToken: "test-account-token",
			SenderEmail:          "invalid-email",
			SupportEmail:         "support@example.com",
		})
		assert.Nil(t, sender)
		assert.ErrorIs(t, err, dunning.ErrInvalidConfig)
		assert.Contains(t, err.Error(), "SenderEmail must be a valid email address")
	})

	t.Run("missing sender email", func(t *testing.T) {
		t.Parallel()

		sender, err := dunning.NewPostmarkSender(dunning.Config{
			PostmarkServerToken:  "test-server-token",
			PostmarkAccountToken: "test-account-token",
			SupportEmail:         "support@example.com",
		})
		assert.Nil(t, sender)
		assert.ErrorIs(t, err, dunning.ErrInvalidConfig)
	})

	t.Run("invalid support email", func(t *testing.T) {
		t.Parallel()

		sender, err := dunning.NewPostmarkSender(dunning.Config{
			PostmarkServerToken:  "test-server-token",
			PostmarkAccountToken: "test-account-token",
			SenderEmail:          "billing@example.com",
			SupportEmail:         "@invalid.com",
		})
		assert.Nil(t, sender)
		assert.ErrorIs(t, err, dunning.ErrInvalidConfig)
		assert.Contains(t, err.Error(), "SupportEmail must be a valid email address")
	})
}
