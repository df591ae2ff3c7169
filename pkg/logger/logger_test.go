package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khizerh/amanahlogic-sub002/pkg/logger"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("json output with static attributes", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithAttr(slog.String("service", "billingd")),
		)

		log.Info("billing run finished", slog.Int("orgs", 3))

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "billing run finished", record["msg"])
		assert.Equal(t, "billingd", record["service"])
		assert.Equal(t, float64(3), record["orgs"])
	})

	t.Run("development environment uses text and debug", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(
			logger.WithEnvironment("development", "billingd"),
			logger.WithOutput(&buf),
		)

		log.Debug("verbose detail")
		assert.Contains(t, buf.String(), "verbose detail")
		assert.Contains(t, buf.String(), "service=billingd")
	})

	t.Run("production environment suppresses debug", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(
			logger.WithEnvironment("production", "billingd"),
			logger.WithOutput(&buf),
		)

		log.Debug("verbose detail")
		assert.Empty(t, buf.String())
	})

	t.Run("context extractor injects attributes", func(t *testing.T) {
		t.Parallel()
		type ctxKey struct{}

		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithContextExtractors(func(ctx context.Context) (slog.Attr, bool) {
				if v := ctx.Value(ctxKey{}); v != nil {
					return slog.Any("org_id", v), true
				}
				return slog.Attr{}, false
			}),
		)

		ctx := context.WithValue(context.Background(), ctxKey{}, "org-123")
		log.InfoContext(ctx, "invoice created")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "org-123", record["org_id"])
	})

	t.Run("invalid format panics", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() {
			logger.New(logger.WithFormat("xml"))
		})
	})
}

func TestAttrHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.Attr{}, logger.Error(nil))
	assert.Equal(t, "error", logger.Error(assert.AnError).Key)
	assert.Equal(t, "org_id", logger.OrgID("abc").Key)
	assert.Equal(t, "invoice_number", logger.InvoiceNumber("INV-OF-202501-0001").Key)
	assert.Equal(t, "amount_cents", logger.AmountCents(5000).Key)
}
