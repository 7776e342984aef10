package worker

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/rahulbk/email-delivery-service/internal/domain"
)

// Sender is the transport capability: one attempt to hand an email to the
// remote transport. Implementations must honor context cancellation.
type Sender interface {
	Send(ctx context.Context, email *domain.Email) error
}

// SMTPSender delivers emails over SMTP with STARTTLS.
type SMTPSender struct {
	dialer *gomail.Dialer
}

func NewSMTPSender(host string, port int, user, pass string) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(host, port, user, pass),
	}
}

// Send performs a single SMTP delivery. gomail has no context support, so
// the dial-and-send runs in a goroutine and the context deadline is
// enforced here; an abandoned send finishes in the background and its
// result is discarded.
func (s *SMTPSender) Send(ctx context.Context, email *domain.Email) error {
	msg := gomail.NewMessage()

	if email.FromName != "" {
		msg.SetAddressHeader("From", email.From, email.FromName)
	} else {
		msg.SetHeader("From", email.From)
	}
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", email.Subject)
	if email.ReplyTo != "" {
		msg.SetHeader("Reply-To", email.ReplyTo)
	}

	switch {
	case email.BodyText != "" && email.BodyHTML != "":
		msg.SetBody("text/plain", email.BodyText)
		msg.AddAlternative("text/html", email.BodyHTML)
	case email.BodyHTML != "":
		msg.SetBody("text/html", email.BodyHTML)
	default:
		msg.SetBody("text/plain", email.BodyText)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}
