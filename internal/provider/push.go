package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/retry"
)

// PushConfig configures the push gateway client.
type PushConfig struct {
	GatewayURL string        // POST endpoint accepting pushRequest bodies
	AuthToken  string        // sent as a bearer token
	Timeout    time.Duration // HTTP client timeout, default 15s
}

// PushSender delivers device notifications through an HTTP push gateway
// (an FCM/APNs relay speaking JSON).
type PushSender struct {
	client *http.Client
	cfg    PushConfig
	logger *zap.Logger
}

type pushRequest struct {
	Token    string            `json:"token"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data,omitempty"`
}

type pushResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// NewPushSender creates a new push sender
func NewPushSender(cfg PushConfig, logger *zap.Logger) (*PushSender, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("push sender requires a gateway url")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &PushSender{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (s *PushSender) Name() string { return "push" }

// Send posts the notification to the gateway. Non-2xx answers come back as
// *StatusError so the caller can tell throttling from a dead token.
func (s *PushSender) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	if n.Type != domain.TypePush {
		return nil, wrongType(s.Name(), domain.TypePush, n.Type)
	}

	body, err := json.Marshal(pushRequest{
		Token:    n.Recipient.Value,
		Title:    n.Subject,
		Body:     n.Content,
		Priority: pushPriority(n.Priority),
		Data: map[string]string{
			"notification_id": n.ID.String(),
			"event_type":      n.EventType,
		},
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to encode push request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create push request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "courier/1.0")
	req.Header.Set("X-Notification-ID", n.ID.String())
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body for logging/debugging
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Provider:   s.Name(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(bodyBytes)),
		}
	}

	var out pushResponse
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			s.logger.Warn("push gateway returned unparseable body",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("push delivered to gateway",
		zap.String("notification_id", n.ID.String()),
		zap.Int("status_code", resp.StatusCode),
		zap.String("message_id", out.MessageID),
	)

	return &domain.Receipt{Provider: s.Name(), MessageID: out.MessageID}, nil
}

func pushPriority(p domain.Priority) string {
	if p == domain.PriorityHigh || p == domain.PriorityUrgent {
		return "high"
	}
	return "normal"
}
