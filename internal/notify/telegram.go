package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramSender posts alerts to a chat through the Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: telegramAPIBase,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send renders msg as HTML and calls sendMessage.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"chat_id":                  t.chatID,
		"text":                     telegramHTML(msg),
		"parse_mode":               "HTML",
		"disable_web_page_preview": false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

func telegramHTML(msg Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(msg.Title))
	if msg.Body != "" {
		b.WriteString("\n" + html.EscapeString(msg.Body))
	}
	for _, f := range msg.Fields {
		if f.Value == "" {
			continue
		}
		fmt.Fprintf(&b, "\n%s: <code>%s</code>", html.EscapeString(f.Name), html.EscapeString(f.Value))
	}
	if msg.URL != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">View listing</a>", html.EscapeString(msg.URL))
	}
	return b.String()
}
