package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notification describes a failed attestation round.
type Notification struct {
	RoundTS  time.Time
	MarketID string
	Signer   string
	Stage    string
	// Index is the failing sample, or -1 when the failure is not tied to one.
	Index  int
	Source string
	Err    string
}

// Notifier defines the alert delivery interface.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Time("round", note.RoundTS).
		Str("stage", note.Stage).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Price Attestor] round failed\n")
	builder.WriteString(fmt.Sprintf("Round: %s UTC\n", note.RoundTS.UTC().Format(time.RFC3339)))
	if note.MarketID != "" {
		builder.WriteString(fmt.Sprintf("Market: %s\n", note.MarketID))
	}
	if note.Signer != "" {
		builder.WriteString(fmt.Sprintf("Signer: %s\n", note.Signer))
	}
	builder.WriteString(fmt.Sprintf("Stage: %s\n", note.Stage))
	if note.Index >= 0 {
		builder.WriteString(fmt.Sprintf("Sample: #%d", note.Index))
		if note.Source != "" {
			builder.WriteString(fmt.Sprintf(" (%s)", note.Source))
		}
		builder.WriteString("\n")
	}
	if note.Err != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Err))
	}
	return builder.String()
}

// Cooldown drops notifications for the same stage sent within the window.
type Cooldown struct {
	next   Notifier
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldown wraps next. A non-positive window forwards everything.
func NewCooldown(next Notifier, window time.Duration, logger zerolog.Logger) *Cooldown {
	return &Cooldown{
		next:   next,
		window: window,
		now:    time.Now,
		logger: logger.With().Str("component", "alert_cooldown").Logger(),
		last:   make(map[string]time.Time),
	}
}

// Notify forwards note unless its stage alerted recently.
func (c *Cooldown) Notify(ctx context.Context, note Notification) error {
	now := c.now()

	c.mu.Lock()
	if prev, ok := c.last[note.Stage]; ok && c.window > 0 && now.Sub(prev) < c.window {
		c.mu.Unlock()
		c.logger.Debug().Str("stage", note.Stage).Msg("alert suppressed by cooldown")
		return nil
	}
	c.last[note.Stage] = now
	c.mu.Unlock()

	if err := c.next.Notify(ctx, note); err != nil {
		c.mu.Lock()
		delete(c.last, note.Stage)
		c.mu.Unlock()
		return err
	}
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Cooldown)(nil)
)
