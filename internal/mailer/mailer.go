package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"umspos/backend/internal/resilience"
)

const defaultEndpoint = "https://api.resend.com/emails"

type Invite struct {
	To       string
	Name     string
	Username string
	Role     string
}

type Mailer interface {
	SendInvite(ctx context.Context, invite Invite) error
}

// NoopMailer is used when no Resend key is configured.
type NoopMailer struct {
	Logger *zap.Logger
}

func (m NoopMailer) SendInvite(_ context.Context, invite Invite) error {
	if m.Logger != nil {
		m.Logger.Info("invite email skipped, mailer disabled", zap.String("username", invite.Username))
	}
	return nil
}

type ResendConfig struct {
	APIKey   string
	From     string
	AppURL   string
	Endpoint string
}

// ResendMailer posts to the Resend HTTP API behind a circuit breaker.
type ResendMailer struct {
	cfg     ResendConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *zap.Logger
}

func NewResendMailer(cfg ResendConfig, logger *zap.Logger) *ResendMailer {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResendMailer{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: resilience.NewCircuitBreaker("resend"),
		retry:   resilience.RetryConfig{MaxRetries: 2, InitialBackoff: 300 * time.Millisecond},
		logger:  logger.Named("mailer"),
	}
}

type resendEmail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (m *ResendMailer) SendInvite(ctx context.Context, invite Invite) error {
	payload, err := json.Marshal(resendEmail{
		From:    m.cfg.From,
		To:      []string{invite.To},
		Subject: "You have been invited to UMS POS",
		HTML:    inviteBody(invite, m.cfg.AppURL),
	})
	if err != nil {
		return err
	}

	err = resilience.RetryWithBackoff(ctx, m.retry, func() error {
		_, cbErr := m.breaker.Execute(func() (interface{}, error) {
			return nil, m.post(ctx, payload)
		})
		return cbErr
	})
	if err != nil {
		return fmt.Errorf("send invite to %s: %w", invite.To, err)
	}
	m.logger.Info("invite email sent", zap.String("username", invite.Username))
	return nil
}

func (m *ResendMailer) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return resilience.Permanent{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("resend returned %d: %s", resp.StatusCode, body)
	default:
		return resilience.Permanent{Err: fmt.Errorf("resend rejected email with %d: %s", resp.StatusCode, body)}
	}
}

func inviteBody(invite Invite, appURL string) string {
	name := invite.Name
	if name == "" {
		name = invite.Username
	}
	return fmt.Sprintf(
		`<p>Hello %s,</p><p>An account has been created for you on UMS POS with the <strong>%s</strong> role.</p>`+
			`<p>Sign in as <strong>%s</strong> at <a href="%s">%s</a> using the password your administrator shared with you, then change it from your profile.</p>`,
		html.EscapeString(name), html.EscapeString(invite.Role), html.EscapeString(invite.Username),
		html.EscapeString(appURL), html.EscapeString(appURL),
	)
}
