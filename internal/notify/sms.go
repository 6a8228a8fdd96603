package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/event"
)

// SMSChannel sends alerts through the Twilio messages API.
type SMSChannel struct {
	cfg     config.TwilioConfig
	client  *http.Client
	baseURL string
}

func NewSMSChannel(cfg config.TwilioConfig) *SMSChannel {
	return &SMSChannel{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.twilio.com/2010-04-01",
	}
}

func (c *SMSChannel) Name() string { return ChannelSMS }

func (c *SMSChannel) Send(ctx context.Context, recipient string, msg Message, _ *event.FallEvent) error {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return fmt.Errorf("twilio credentials not configured")
	}

	form := url.Values{}
	form.Set("To", recipient)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", msg.Title+"\n\n"+msg.Short)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("twilio returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
