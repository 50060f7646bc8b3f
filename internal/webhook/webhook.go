package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/log"
)

// EventType represents the type of webhook event.
type EventType string

const (
	EventStatusChanged        EventType = "event.status_changed"
	EventBroadcastStarted     EventType = "broadcast.started"
	EventBroadcastStartFailed EventType = "broadcast.start_failed"
	EventArchiveStarted       EventType = "archive.started"
	EventArchiveStopped       EventType = "archive.stopped"
	EventSideEffectDegraded   EventType = "side_effect.degraded"
)

// Payload represents a webhook payload.
type Payload struct {
	EventType EventType              `json:"event_type"`
	EventID   string                 `json:"event_id,omitempty"`
	DomainID  string                 `json:"domain_id,omitempty"`
	FanURL    string                 `json:"fan_url,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Sender handles webhook delivery.
type Sender struct {
	httpClient *http.Client
	signingKey string
	maxRetries int
}

// NewSender creates a new webhook sender.
func NewSender(signingKey string) *Sender {
	client := &http.Client{Timeout: 10 * time.Second}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return fmt.Errorf("too many redirects")
		}
		if err := validateURL(req.URL.String()); err != nil {
			return fmt.Errorf("redirect url not allowed: %w", err)
		}
		return nil
	}
	return &Sender{
		httpClient: client,
		signingKey: signingKey,
		maxRetries: 4, // total attempts (initial + 3 retries)
	}
}

// SendResult contains the result of sending a webhook.
type SendResult struct {
	Success    bool
	Attempts   int
	StatusCode int
	Error      string
}

// Send sends a webhook to the specified URL with retries.
func (s *Sender) Send(ctx context.Context, webhookURL string, payload *Payload) *SendResult {
	if err := validateURL(webhookURL); err != nil {
		return &SendResult{Error: fmt.Sprintf("invalid webhook url: %v", err)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return &SendResult{Error: fmt.Sprintf("marshal payload: %v", err)}
	}
	return s.sendWithRetries(ctx, webhookURL, payload, body)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func (s *Sender) sendWithRetries(ctx context.Context, webhookURL string, payload *Payload, body []byte) *SendResult {
	result := &SendResult{}
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		result.Attempts = attempt

		if delay := retryDelay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				result.Error = "context canceled"
				return result
			case <-time.After(delay):
			}
		}

		statusCode, err := s.sendOnce(ctx, webhookURL, body)
		result.StatusCode = statusCode

		if err == nil && statusCode >= 200 && statusCode < 300 {
			result.Success = true
			result.Error = ""
			log.Debug("webhook sent",
				zap.String("event_type", string(payload.EventType)),
				zap.String("event_id", payload.EventID),
				zap.Int("attempt", attempt),
			)
			return result
		}

		errMsg := fmt.Sprintf("HTTP %d", statusCode)
		if err != nil {
			errMsg = err.Error()
		}

		log.Warn("webhook delivery failed",
			zap.String("event_type", string(payload.EventType)),
			zap.String("event_id", payload.EventID),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
		result.Error = errMsg
	}

	log.Error("webhook delivery failed after all retries",
		zap.String("event_type", string(payload.EventType)),
		zap.String("event_id", payload.EventID),
		zap.Int("total_attempts", result.Attempts),
		zap.String("last_error", result.Error),
	)
	return result
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Second * time.Duration(1<<(attempt-2))
	if delay > 10*time.Second {
		return 10 * time.Second
	}
	return delay
}

func (s *Sender) sendOnce(ctx context.Context, webhookURL string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	timestamp := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", timestamp))
	req.Header.Set("X-Signature-256", "sha256="+s.sign(timestamp, body))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	// Drain for connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// sign creates an HMAC-SHA256 signature for the webhook.
// Format: HMAC-SHA256(key, "{timestamp}.{body}")
func (s *Sender) sign(timestamp int64, body []byte) string {
	return signature(s.signingKey, timestamp, body)
}

func signature(key string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies a webhook signature for a receiver. Timestamps
// more than five minutes away from now are rejected.
func VerifySignature(signingKey, sig string, timestamp int64, body []byte) bool {
	if d := time.Now().Unix() - timestamp; d > 300 || d < -300 {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(signature(signingKey, timestamp, body)))
}
