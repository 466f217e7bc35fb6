package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"coinbank/internal/types"
)

// sendGridAPIBase is the production SendGrid API host.
const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridConfig holds the mailer's credentials and sender identity.
type SendGridConfig struct {
	APIKey      string
	BaseURL     string // test override; empty means production
	FromAddress string
	FromName    string
	Logger      *slog.Logger
}

// SendGridMailer sends plain-text notification mail through the SendGrid v3
// Mail Send API via BaseClient. Billing mail is advisory: callers treat
// delivery failures as log-and-continue, never as transaction failures.
type SendGridMailer struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	from    string
	name    string
	logger  *slog.Logger
}

// NewSendGridMailer creates a mailer with its own breaker.
func NewSendGridMailer(httpClient *http.Client, cfg SendGridConfig) *SendGridMailer {
	return NewSendGridMailerWithBase(
		NewBaseClient(httpClient, "sendgrid", DefaultRetryPolicy()), cfg)
}

// NewSendGridMailerWithBase creates a mailer around a caller-provided
// BaseClient, used by tests.
func NewSendGridMailerWithBase(base *BaseClient, cfg SendGridConfig) *SendGridMailer {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridMailer{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		from:    cfg.FromAddress,
		name:    cfg.FromName,
		logger:  logger,
	}
}

// sendGridPayload is the v3 mail/send request body, plain-text content only.
type sendGridPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Send transmits one plain-text email and returns the provider message ID
// from the X-Message-Id header.
func (m *SendGridMailer) Send(ctx context.Context, to, subject, body string) (string, error) {
	payload := sendGridPayload{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: to}}}},
		From:             sendGridAddress{Email: m.from, Name: m.name},
		Subject:          subject,
		Content:          []sendGridContent{{Type: "text/plain", Value: body}},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to encode mail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.baseURL+"/v3/mail/send", bytes.NewReader(raw))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build mail request", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", types.NewAppError(types.ErrCodeUpstreamEmail,
			fmt.Sprintf("sendgrid returned %d: %s", resp.StatusCode, string(detail)), nil)
	}

	msgID := resp.Header.Get("X-Message-Id")
	m.logger.InfoContext(ctx, "mail sent",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("message_id", msgID))
	return msgID, nil
}
