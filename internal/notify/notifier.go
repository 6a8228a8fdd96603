// Package notify fans one fall event out to every notification channel the
// user has enabled. Channels run independently; one channel's failure never
// suppresses the others.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/event"
)

// Channel is a single notification transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient string, msg Message, ev *event.FallEvent) error
}

// ConfigSource supplies per-user channel configuration.
type ConfigSource interface {
	ChannelConfig(userID string) (config.ChannelConfig, bool)
}

// StaticSource serves channel configs from a fixed map (the config file).
type StaticSource map[string]config.ChannelConfig

func (s StaticSource) ChannelConfig(userID string) (config.ChannelConfig, bool) {
	cfg, ok := s[userID]
	return cfg, ok
}

// Message is the rendered alert, computed once and reused by every channel.
type Message struct {
	Title    string
	Short    string
	Detailed string
}

// Render builds the channel-agnostic message forms for an event.
func Render(ev *event.FallEvent) Message {
	ts := ev.Timestamp.Local()
	location := ev.Location
	if location == "" {
		location = "unknown"
	}
	return Message{
		Title: "FALL DETECTED",
		Short: fmt.Sprintf("Guard detected a fall at %s", ts.Format("15:04:05")),
		Detailed: fmt.Sprintf(
			"FALL ALERT\n\nDate: %s\nTime: %s\nConfidence: %.1f%%\nLocation: %s\nEvent ID: %s\n\nPlease check on the person immediately.",
			ts.Format("02/01/2006"), ts.Format("15:04:05"),
			ev.Confidence*100, location, ev.ID),
	}
}

// Notifier dispatches fall alerts with a per-user cooldown.
type Notifier struct {
	channels []Channel
	source   ConfigSource
	cooldown time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time

	now func() time.Time
}

// NewNotifier builds the fan-out over the given channels.
func NewNotifier(channels []Channel, source ConfigSource, cooldown time.Duration, logger *zap.Logger) *Notifier {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Notifier{
		channels:  channels,
		source:    source,
		cooldown:  cooldown,
		logger:    logger.Named("notify"),
		lastAlert: map[string]time.Time{},
		now:       time.Now,
	}
}

// Dispatch sends the event to every enabled channel of the user's config.
// It is a no-op for unknown users and while the user's cooldown is active.
// The cooldown is consumed before any channel runs so a re-entrant call
// cannot double-send. Dispatch returns once all channel sends finished.
func (n *Notifier) Dispatch(ctx context.Context, userID string, ev *event.FallEvent) {
	cfg, ok := n.source.ChannelConfig(userID)
	if !ok {
		n.logger.Warn("no channel config for user, alert dropped",
			zap.String("user_id", userID))
		return
	}

	if !n.consumeCooldown(userID) {
		n.logger.Info("alert suppressed by notification cooldown",
			zap.String("user_id", userID),
			zap.String("event_id", ev.ID))
		return
	}

	msg := Render(ev)

	var wg sync.WaitGroup
	sent := 0
	for _, ch := range n.channels {
		recipient, enabled := recipientFor(ch.Name(), cfg)
		if !enabled || recipient == "" {
			continue
		}
		sent++
		wg.Add(1)
		go func(ch Channel, recipient string) {
			defer wg.Done()
			if err := ch.Send(ctx, recipient, msg, ev); err != nil {
				n.logger.Error("channel send failed",
					zap.String("channel", ch.Name()),
					zap.String("event_id", ev.ID),
					zap.Error(err))
				return
			}
			n.logger.Info("alert delivered",
				zap.String("channel", ch.Name()),
				zap.String("event_id", ev.ID))
		}(ch, recipient)
	}
	wg.Wait()

	n.logger.Info("fall alert dispatched",
		zap.String("user_id", userID),
		zap.String("event_id", ev.ID),
		zap.Int("channels", sent))
}

// consumeCooldown marks the user's cooldown as spent when outside the
// window. Returns false while still inside it.
func (n *Notifier) consumeCooldown(userID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastAlert[userID]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastAlert[userID] = now
	return true
}

// Channel name constants; recipientFor keys off them.
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelTelegram = "telegram"
)

func recipientFor(channel string, cfg config.ChannelConfig) (string, bool) {
	switch channel {
	case ChannelEmail:
		return cfg.EmailAddress, cfg.EmailEnabled
	case ChannelSMS:
		return cfg.PhoneNumber, cfg.SMSEnabled
	case ChannelTelegram:
		return cfg.TelegramChatID, cfg.TelegramEnabled
	default:
		return "", false
	}
}
