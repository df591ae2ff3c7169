package mailer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khizerh/amanahlogic-sub002/pkg/mailer"
)

func TestDevSender_Send(t *testing.T) {
	t.Parallel()

	sender := mailer.NewDevSender(nil)

	receipt, err := sender.Send(context.Background(), mailer.Notification{
		Template:  mailer.TemplatePaymentReminder,
		To:        "member@example.com",
		Variables: map[string]any{"amount": "$50.00", "due_date": "2025-02-01"},
		Language:  "en",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ProviderMessageID)
}

func TestDevSender_RequiresRecipient(t *testing.T) {
	t.Parallel()

	sender := mailer.NewDevSender(nil)

	_, err := sender.Send(context.Background(), mailer.Notification{
		Template: mailer.TemplatePaymentReceived,
	})
	assert.ErrorIs(t, err, mailer.ErrMissingAddress)
}

func TestNewPostmarkNotifier_RequiresTokens(t *testing.T) {
	t.Parallel()

	_, err := mailer.NewPostmarkNotifier(mailer.Config{
		SenderEmail:  "billing@example.com",
		SupportEmail: "support@example.com",
	})
	assert.ErrorIs(t, err, mailer.ErrInvalidConfig)
}
