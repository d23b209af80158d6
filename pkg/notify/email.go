package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wneessen/go-mail"

	"github.com/raterudder/gridcharge/pkg/types"
)

// Email sends notices over SMTP.
type Email struct {
	host     string
	port     int
	username string
	password string
	ssl      bool
	from     string
	to       []string
	timeout  time.Duration

	send func(ctx context.Context, msg *mail.Msg) error
}

func configuredEmail() *Email {
	e := &Email{}
	host := lflag.String("smtp-host", "", "SMTP server host, email notifications are disabled when empty")
	port := lflag.Int("smtp-port", 587, "SMTP server port")
	username := lflag.String("smtp-username", "", "SMTP username")
	password := lflag.String("smtp-password", "", "SMTP password")
	ssl := lflag.Bool("smtp-secure", false, "Use implicit TLS (usually port 465) instead of STARTTLS")
	from := lflag.String("email-from", "", "From address for notification emails")
	to := lflag.String("email-to", "", "Comma separated recipients for notification emails")

	lflag.Do(func() {
		e.host = *host
		e.port = *port
		e.username = *username
		e.password = *password
		e.ssl = *ssl
		e.from = *from
		e.to = splitAddrs(*to)
		e.timeout = 30 * time.Second
	})

	return e
}

func splitAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Enabled reports whether an SMTP host is configured.
func (e *Email) Enabled() bool {
	return e.host != ""
}

// Validate ensures the configuration is valid.
func (e *Email) Validate() error {
	if e.host == "" {
		return fmt.Errorf("smtp-host is required")
	}
	if e.port <= 0 || e.port > 65535 {
		return fmt.Errorf("invalid smtp-port: %d", e.port)
	}
	if e.from == "" {
		return fmt.Errorf("email-from is required")
	}
	if len(e.to) == 0 {
		return fmt.Errorf("email-to is required")
	}
	return nil
}

func (e *Email) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(e.port),
		mail.WithTimeout(e.timeout),
	}
	if e.ssl {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	if e.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.username),
			mail.WithPassword(e.password),
		)
	}
	client, err := mail.NewClient(e.host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func (e *Email) deliver(ctx context.Context, m Message) error {
	msg := mail.NewMsg()
	if err := msg.From(e.from); err != nil {
		return fmt.Errorf("invalid email-from %q: %w", e.from, err)
	}
	if err := msg.To(e.to...); err != nil {
		return fmt.Errorf("invalid email-to: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, m.Body)

	send := e.send
	if send == nil {
		send = e.dialAndSend
	}
	if err := send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send email %q: %w", m.Subject, err)
	}
	return nil
}

func (e *Email) ChargingStarted(ctx context.Context, n types.StartNotice) error {
	return e.deliver(ctx, StartMessage(n))
}

func (e *Email) ChargingStopped(ctx context.Context, n types.StopNotice) error {
	return e.deliver(ctx, StopMessage(n))
}

func (e *Email) Anomaly(ctx context.Context, a types.Anomaly) error {
	return e.deliver(ctx, AnomalyMessage(a))
}
