// Package webhook delivers entity change notifications from the outbox as HTTP POST requests.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aalmada/BookStore-sub002/adapters"
)

// Header names set on every delivery.
const (
	HeaderMessageID = "X-Bookstore-Message-Id"
	HeaderTenant    = "X-Bookstore-Tenant"
	HeaderEventType = "X-Bookstore-Event"
	HeaderTimestamp = "X-Bookstore-Timestamp"
	HeaderSignature = "X-Bookstore-Signature"
)

// Publisher posts outbox messages to HTTP endpoints.
// Destination format: "webhook:https://example.com/hooks/books".
type Publisher struct {
	client         *http.Client
	defaultHeaders map[string]string
	secret         []byte
	now            func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders adds headers to every request.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// WithSigningSecret signs every request body. Receivers verify
// HeaderSignature as hex(HMAC-SHA256(secret, timestamp + "." + body)).
func WithSigningSecret(secret string) Option {
	return func(p *Publisher) {
		p.secret = []byte(secret)
	}
}

// New creates a Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{Timeout: 30 * time.Second},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination implements bookstore.Publisher.
func (p *Publisher) Destination() string {
	return "webhook"
}

// Publish posts the messages in order and stops at the first failure.
// Any 4xx or 5xx response is a failure.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.OutboxMessage) error {
	for _, msg := range messages {
		if err := p.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) deliver(ctx context.Context, msg *adapters.OutboxMessage) error {
	url := extractURL(msg.Destination)
	if url == "" {
		return fmt.Errorf("webhook: invalid destination %q: missing URL", msg.Destination)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("webhook: failed to create request: %w", err)
	}

	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range msg.Headers {
		req.Header.Set("X-Outbox-"+k, v)
	}
	req.Header.Set(HeaderMessageID, msg.ID)
	req.Header.Set(HeaderTenant, msg.TenantID)
	req.Header.Set(HeaderEventType, msg.EventType)

	if len(p.secret) > 0 {
		ts := strconv.FormatInt(p.now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(p.secret, ts, msg.Payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed for %s: %w", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook: server error %d from %s", resp.StatusCode, url)
	case resp.StatusCode >= 400:
		return fmt.Errorf("webhook: client error %d from %s", resp.StatusCode, url)
	}
	return nil
}

// Sign computes the delivery signature for body sent at timestamp.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func extractURL(destination string) string {
	url, ok := strings.CutPrefix(destination, "webhook:")
	if !ok {
		return ""
	}
	return url
}
