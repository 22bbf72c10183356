package transport

import (
	"context"
	"fmt"

	"fosterline/internal/config"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPTransport sends through a plain SMTP relay. SMTP gives no provider
// message id, so one is minted locally to keep audit rows correlatable.
type SMTPTransport struct {
	cfg config.SMTPConfig
}

func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	if msg.ToEmail == "" {
		return nil, Permanent(fmt.Errorf("empty recipient address"))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", t.cfg.FromName, t.cfg.FromEmail))
	m.SetAddressHeader("To", msg.ToEmail, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.BodyHTML)

	d := gomail.NewDialer(t.cfg.Host, t.cfg.Port, t.cfg.Username, t.cfg.Password)

	errc := make(chan error, 1)
	go func() { errc <- d.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errc:
		if err != nil {
			return nil, fmt.Errorf("smtp send: %w", err)
		}
	}

	return &Result{ProviderMessageID: "smtp-" + uuid.NewString()}, nil
}
