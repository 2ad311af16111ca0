// Package email delivers billing notices to an organization's billing
// contact.
package email

import (
	"context"

	"go.uber.org/zap"
)

// Provider sends mail. Template names match the notification kinds.
type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error
}

// DiscardProvider is used when SMTP is not configured. It logs what would
// have been sent at debug level.
type DiscardProvider struct {
	log *zap.Logger
}

func NewDiscardProvider(log *zap.Logger) *DiscardProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &DiscardProvider{log: log.Named("email.discard")}
}

func (p *DiscardProvider) Send(_ context.Context, to []string, subject string, _ string) error {
	p.log.Debug("smtp not configured, dropping email", zap.Strings("to", to), zap.String("subject", subject))
	return nil
}

func (p *DiscardProvider) SendTemplate(_ context.Context, to []string, templateName string, _ map[string]any) error {
	p.log.Debug("smtp not configured, dropping email", zap.Strings("to", to), zap.String("template", templateName))
	return nil
}
