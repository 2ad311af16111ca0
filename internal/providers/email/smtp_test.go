package email

import (
	"context"
	"net/smtp"
	"testing"

	"github.com/smallbiznis/inspectbill/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captured struct {
	addr string
	from string
	to   []string
	msg  string
}

func newCapturing(cfg Config) (*SMTPProvider, *captured) {
	c := &captured{}
	p := NewSMTP(cfg)
	p.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		c.addr, c.from, c.to, c.msg = addr, from, to, string(msg)
		return nil
	}
	return p, c
}

func TestSendTemplate(t *testing.T) {
	p, c := newCapturing(Config{Host: "mail.local", Port: 2525, From: "billing@inspectbill.test"})

	err := p.SendTemplate(context.Background(), []string{"accounts@northgate.test"}, "payment_failed", map[string]any{
		"org_name":      "Northgate Surveyors",
		"grace_ends_at": "4 March 2026",
	})
	require.NoError(t, err)
	assert.Equal(t, "mail.local:2525", c.addr)
	assert.Equal(t, "billing@inspectbill.test", c.from)
	assert.Equal(t, []string{"accounts@northgate.test"}, c.to)
	assert.Contains(t, c.msg, "Subject: Payment failed for your inspection plan")
	assert.Contains(t, c.msg, "Northgate Surveyors")
	assert.Contains(t, c.msg, "4 March 2026")
}

func TestSendTemplateUnknown(t *testing.T) {
	p, _ := newCapturing(Config{Host: "mail.local", Port: 25})
	assert.Error(t, p.SendTemplate(context.Background(), []string{"a@b.test"}, "missing", nil))
}

func TestSendWithoutRecipients(t *testing.T) {
	p, _ := newCapturing(Config{Host: "mail.local", Port: 25})
	assert.Error(t, p.Send(context.Background(), nil, "s", "b"))
}

func TestNewFromConfigWithoutSMTPDiscards(t *testing.T) {
	p := NewFromConfig(config.Config{}, zap.NewNop())
	_, ok := p.(*DiscardProvider)
	require.True(t, ok)
	assert.NoError(t, p.SendTemplate(context.Background(), []string{"accounts@northgate.test"}, "payment_failed", nil))
}
