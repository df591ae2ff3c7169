package mailer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mrz1836/postmark"
)

// Config holds Postmark credentials and sender identity.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL,required"`
	SupportEmail         string `env:"SUPPORT_EMAIL,required"`
}

type postmarkNotifier struct {
	client *postmark.Client
	config Config
}

// NewPostmarkNotifier creates a Postmark-backed notifier. Tokens are
// validated up front so a misconfigured deployment fails at startup, not
// on the first dues reminder.
func NewPostmarkNotifier(cfg Config) (Notifier, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	}
	if cfg.PostmarkAccountToken == "" {
		return nil, fmt.Errorf("%w: PostmarkAccountToken is required", ErrInvalidConfig)
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("%w: SenderEmail is required", ErrInvalidConfig)
	}

	return &postmarkNotifier{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		config: cfg,
	}, nil
}

// Send delivers the notification through a Postmark template. The template
// alias is suffixed with the language tag so each tenant can localize its
// messages ("payment-reminder-ar", falling back to the bare alias for the
// default language).
func (n *postmarkNotifier) Send(ctx context.Context, msg Notification) (Receipt, error) {
	if msg.To == "" {
		return Receipt{}, ErrMissingAddress
	}

	alias := string(msg.Template)
	if msg.Language != "" && msg.Language != "en" {
		alias = alias + "-" + msg.Language
	}

	model := make(map[string]any, len(msg.Variables))
	for k, v := range msg.Variables {
		model[k] = v
	}

	resp, err := n.client.SendTemplatedEmail(ctx, postmark.TemplatedEmail{
		TemplateAlias: alias,
		TemplateModel: model,
		From:          n.config.SenderEmail,
		ReplyTo:       n.config.SupportEmail,
		To:            msg.To,
		TrackOpens:    true,
	})
	if err != nil {
		return Receipt{}, errors.Join(ErrFailedToSend, err)
	}
	if resp.ErrorCode > 0 {
		return Receipt{}, errors.Join(ErrFailedToSend,
			fmt.Errorf("postmark error %s: %s", strconv.FormatInt(resp.ErrorCode, 10), resp.Message))
	}

	return Receipt{ProviderMessageID: resp.MessageID}, nil
}
