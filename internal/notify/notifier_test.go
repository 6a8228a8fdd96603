package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/event"
)

// fakeChannel records sends and optionally fails.
type fakeChannel struct {
	name string
	err  error

	mu         sync.Mutex
	recipients []string
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(_ context.Context, recipient string, _ Message, _ *event.FallEvent) error {
	c.mu.Lock()
	c.recipients = append(c.recipients, recipient)
	c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recipients)
}

func allChannelsUser() config.ChannelConfig {
	return config.ChannelConfig{
		EmailEnabled:    true,
		EmailAddress:    "alice@example.com",
		SMSEnabled:      true,
		PhoneNumber:     "+15550100",
		TelegramEnabled: true,
		TelegramChatID:  "12345",
	}
}

func TestDispatchFansOutToEnabledChannels(t *testing.T) {
	email := &fakeChannel{name: ChannelEmail}
	sms := &fakeChannel{name: ChannelSMS}
	telegram := &fakeChannel{name: ChannelTelegram}

	source := StaticSource{"alice": allChannelsUser()}
	n := NewNotifier([]Channel{email, sms, telegram}, source, time.Minute, zap.NewNop())

	ev := event.New("alice", "Kitchen", 0.9, nil)
	n.Dispatch(context.Background(), "alice", ev)

	if email.sends() != 1 || sms.sends() != 1 || telegram.sends() != 1 {
		t.Fatalf("sends = email %d, sms %d, telegram %d; want 1 each",
			email.sends(), sms.sends(), telegram.sends())
	}
	if email.recipients[0] != "alice@example.com" {
		t.Fatalf("email recipient = %q", email.recipients[0])
	}
}

func TestDispatchSkipsDisabledChannels(t *testing.T) {
	email := &fakeChannel{name: ChannelEmail}
	sms := &fakeChannel{name: ChannelSMS}

	source := StaticSource{"alice": {
		EmailEnabled: true,
		EmailAddress: "alice@example.com",
		SMSEnabled:   false,
		PhoneNumber:  "+15550100",
	}}
	n := NewNotifier([]Channel{email, sms}, source, time.Minute, zap.NewNop())

	n.Dispatch(context.Background(), "alice", event.New("alice", "", 0.8, nil))

	if email.sends() != 1 {
		t.Fatalf("email sends = %d, want 1", email.sends())
	}
	if sms.sends() != 0 {
		t.Fatalf("disabled sms channel sent %d times", sms.sends())
	}
}

func TestDispatchOneChannelFailureDoesNotSuppressOthers(t *testing.T) {
	email := &fakeChannel{name: ChannelEmail, err: errors.New("smtp down")}
	sms := &fakeChannel{name: ChannelSMS}

	source := StaticSource{"alice": allChannelsUser()}
	n := NewNotifier([]Channel{email, sms}, source, time.Minute, zap.NewNop())

	n.Dispatch(context.Background(), "alice", event.New("alice", "", 0.8, nil))

	if sms.sends() != 1 {
		t.Fatalf("sms sends = %d, want 1 despite email failure", sms.sends())
	}
}

func TestDispatchUnknownUserIsNoOp(t *testing.T) {
	email := &fakeChannel{name: ChannelEmail}
	n := NewNotifier([]Channel{email}, StaticSource{}, time.Minute, zap.NewNop())

	n.Dispatch(context.Background(), "stranger", event.New("stranger", "", 0.8, nil))

	if email.sends() != 0 {
		t.Fatalf("unknown user triggered %d sends", email.sends())
	}
}

func TestDispatchCooldownSuppressesRepeats(t *testing.T) {
	email := &fakeChannel{name: ChannelEmail}
	source := StaticSource{"alice": allChannelsUser()}
	n := NewNotifier([]Channel{email}, source, time.Minute, zap.NewNop())

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	n.now = func() time.Time { return now }

	ctx := context.Background()
	ev := event.New("alice", "", 0.8, nil)

	n.Dispatch(ctx, "alice", ev)
	now = base.Add(30 * time.Second)
	n.Dispatch(ctx, "alice", ev)
	if email.sends() != 1 {
		t.Fatalf("cooldown did not suppress: %d sends", email.sends())
	}

	now = base.Add(61 * time.Second)
	n.Dispatch(ctx, "alice", ev)
	if email.sends() != 2 {
		t.Fatalf("expired cooldown still suppressed: %d sends", email.sends())
	}
}

func TestDispatchCooldownIsPerUser(t *testing.T) {
	email := &fakeChannel{name: ChannelEmail}
	source := StaticSource{
		"alice": allChannelsUser(),
		"bob":   {EmailEnabled: true, EmailAddress: "bob@example.com"},
	}
	n := NewNotifier([]Channel{email}, source, time.Minute, zap.NewNop())

	ctx := context.Background()
	n.Dispatch(ctx, "alice", event.New("alice", "", 0.8, nil))
	n.Dispatch(ctx, "bob", event.New("bob", "", 0.8, nil))

	if email.sends() != 2 {
		t.Fatalf("per-user cooldown blocked another user: %d sends", email.sends())
	}
}

func TestRender(t *testing.T) {
	ev := event.New("alice", "Bedroom", 0.875, nil)
	msg := Render(ev)

	if msg.Title != "FALL DETECTED" {
		t.Fatalf("Title = %q", msg.Title)
	}
	if !strings.Contains(msg.Detailed, "87.5%") {
		t.Fatalf("Detailed missing confidence: %q", msg.Detailed)
	}
	if !strings.Contains(msg.Detailed, "Bedroom") {
		t.Fatalf("Detailed missing location: %q", msg.Detailed)
	}
	if !strings.Contains(msg.Detailed, ev.ID) {
		t.Fatalf("Detailed missing event ID: %q", msg.Detailed)
	}
}

func TestRenderUnknownLocation(t *testing.T) {
	ev := event.New("alice", "", 0.9, nil)
	msg := Render(ev)
	if !strings.Contains(msg.Detailed, "unknown") {
		t.Fatalf("Detailed should fall back to unknown location: %q", msg.Detailed)
	}
}
