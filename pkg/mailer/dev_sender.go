package mailer

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// DevSender logs notifications instead of delivering them. Used in local
// and test environments where no Postmark tokens exist.
type DevSender struct {
	log *slog.Logger
}

func NewDevSender(log *slog.Logger) *DevSender {
	if log == nil {
		log = slog.Default()
	}
	return &DevSender{log: log}
}

func (s *DevSender) Send(ctx context.Context, msg Notification) (Receipt, error) {
	if msg.To == "" {
		return Receipt{}, ErrMissingAddress
	}

	s.log.InfoContext(ctx, "dev notification",
		slog.String("template", string(msg.Template)),
		slog.String("to", msg.To),
		slog.String("language", msg.Language),
		slog.Any("variables", msg.Variables),
	)

	return Receipt{ProviderMessageID: "dev-" + uuid.NewString()}, nil
}
