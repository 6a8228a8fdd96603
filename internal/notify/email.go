package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/event"
)

// EmailChannel sends alerts over SMTP with STARTTLS.
type EmailChannel struct {
	cfg config.SMTPConfig
}

func NewEmailChannel(cfg config.SMTPConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, recipient string, msg Message, ev *event.FallEvent) error {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return fmt.Errorf("smtp credentials not configured")
	}

	from := c.cfg.From
	if from == "" {
		from = c.cfg.Username
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Detailed)
	if ev.ScreenshotRef != "" {
		fmt.Fprintf(&b, "\r\n\r\nScreenshot: %s\r\n", ev.ScreenshotRef)
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)

	// smtp.SendMail has no context hook; rely on the server timeout and
	// report cancellation before dialing.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := smtp.SendMail(addr, auth, from, []string{recipient}, []byte(b.String())); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
