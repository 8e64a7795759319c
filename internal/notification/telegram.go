package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"algoengine/internal/model"
)

// TelegramSink sends signal summaries via the Telegram Bot API.
type TelegramSink struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramSink builds a Telegram sink. botToken comes from @BotFather;
// chatID is the target chat, group or channel.
func NewTelegramSink(botToken, chatID string) *TelegramSink {
	return &TelegramSink{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifySignal sends a formatted underlying signal message.
func (t *TelegramSink) NotifySignal(ctx context.Context, sig model.Signal) error {
	title, body := formatSignal(sig)
	return t.send(ctx, title, body)
}

// NotifyOptionSignal sends a formatted option signal message.
func (t *TelegramSink) NotifyOptionSignal(ctx context.Context, sig model.OptionSignal) error {
	title, body := formatOptionSignal(sig)
	return t.send(ctx, title, body)
}

func (t *TelegramSink) send(ctx context.Context, title, message string) error {
	text := fmt.Sprintf("*%s*\n%s", escapeMarkdownV2(title), escapeMarkdownV2(message))

	body, _ := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	})

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// escapeMarkdownV2 escapes the characters Telegram's MarkdownV2 parser
// treats as syntax.
func escapeMarkdownV2(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
