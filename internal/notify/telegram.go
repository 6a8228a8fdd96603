package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/event"
)

// TelegramChannel sends alerts through the Telegram bot API, attaching the
// screenshot when it is stored locally.
type TelegramChannel struct {
	cfg     config.TelegramConfig
	client  *http.Client
	baseURL string
}

func NewTelegramChannel(cfg config.TelegramConfig) *TelegramChannel {
	return &TelegramChannel{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: "https://api.telegram.org",
	}
}

func (c *TelegramChannel) Name() string { return ChannelTelegram }

func (c *TelegramChannel) Send(ctx context.Context, recipient string, msg Message, ev *event.FallEvent) error {
	if c.cfg.BotToken == "" {
		return fmt.Errorf("telegram bot token not configured")
	}

	payload := map[string]string{
		"chat_id": recipient,
		"text":    msg.Detailed,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode telegram payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, body)
	}

	// Best effort photo follow-up for locally stored screenshots.
	if strings.HasPrefix(ev.ScreenshotRef, "file://") {
		if err := c.sendPhoto(ctx, recipient, strings.TrimPrefix(ev.ScreenshotRef, "file://")); err != nil {
			return fmt.Errorf("send telegram photo: %w", err)
		}
	}
	return nil
}

func (c *TelegramChannel) sendPhoto(ctx context.Context, chatID, path string) error {
	photo, err := os.Open(path)
	if err != nil {
		return err
	}
	defer photo.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", chatID); err != nil {
		return err
	}
	part, err := writer.CreateFormFile("photo", "fall_detection.jpg")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, photo); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendPhoto", c.baseURL, c.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, raw)
	}
	return nil
}
