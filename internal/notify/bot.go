package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// BotClient calls the internal endpoints of the Telegram bot service that
// renders and delivers signals to subscribers.
type BotClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewBotClient creates a BotClient. apiKey, when set, is sent as X-API-Key.
func NewBotClient(baseURL, apiKey string, timeout time.Duration) *BotClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &BotClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// SendSignal asks the bot to deliver a signal's current state to userIDs.
func (b *BotClient) SendSignal(ctx context.Context, signalID int64, userIDs []int64) error {
	payload := struct {
		SignalID int64   `json:"signal_id"`
		UserIDs  []int64 `json:"user_ids"`
	}{signalID, userIDs}
	return b.post(ctx, "/internal/send_signal", payload)
}

// SendExitSignal asks the bot to deliver the exit of a signal to every user
// that received its entry. The bot resolves the recipients itself.
func (b *BotClient) SendExitSignal(ctx context.Context, signalID int64) error {
	payload := struct {
		SignalID int64 `json:"signal_id"`
	}{signalID}
	return b.post(ctx, "/internal/send_exit_signal", payload)
}

// SendDailySummary asks the bot to broadcast the summary of date.
func (b *BotClient) SendDailySummary(ctx context.Context, date time.Time) error {
	payload := struct {
		Date string `json:"date"`
	}{date.Format(time.DateOnly)}
	return b.post(ctx, "/internal/send_daily_summary", payload)
}

func (b *BotClient) post(ctx context.Context, path string, payload any) error {
	var header http.Header
	if b.apiKey != "" {
		header = http.Header{"X-Api-Key": []string{b.apiKey}}
	}
	if err := postJSON(ctx, b.client, b.baseURL+path, payload, header); err != nil {
		return fmt.Errorf("bot: %s: %w", path, err)
	}
	return nil
}
