// Package events maps inbound broker messages onto intake requests and owns
// the consumer's redelivery and dead-letter policy.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/intake"
	"github.com/lalithlochan/courier/internal/template"
)

// Inbound topics.
const (
	TopicUserRegistered         = "user.registered"
	TopicEmailVerification      = "user.email.verification"
	TopicPasswordReset          = "user.password.reset"
	TopicUserWelcome            = "user.welcome"
	TopicAccountSuspended       = "user.account.suspended"
	TopicAccountReactivated     = "user.account.reactivated"
	TopicMagicLink              = "user.magic.link"
	TopicOTPEmail               = "user.otp.email"
	TopicOTPSMS                 = "user.otp.sms"
	TopicPaymentCreated         = "payment.created"
	TopicPaymentCompleted       = "payment.completed"
	TopicPaymentFailed          = "payment.failed"
	TopicPaymentRefundProcessed = "payment.refund.processed"
)

// Headers set on replayed messages.
const (
	HeaderReplayOf   = "x-replay-of"
	HeaderRetryCount = "x-retry-count"
)

var (
	ErrUnknownTopic     = errors.New("unknown topic")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Message is a broker-agnostic inbound event.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
	// ID identifies the message on its transport (partition/offset, SQS id).
	ID string
}

// Payload is a decoded event body.
type Payload map[string]any

// String returns the first non-empty scalar among keys, formatted as text.
func (p Payload) String(keys ...string) string {
	for _, k := range keys {
		switch v := p[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// Route describes how one topic becomes a notification.
type Route struct {
	Template string
	Type     domain.Type
	Priority domain.Priority
	// KeyFields are tried in order after idempotencyKey, eventId and id to
	// derive an idempotency key.
	KeyFields []string
	Vars      func(p Payload, s Settings) (map[string]any, error)
}

// Settings carries deployment values templates need.
type Settings struct {
	BaseURL string
	AppName string
}

type Router struct {
	routes   map[string]Route
	settings Settings
}

// NewRouter returns a router with the default topic table.
func NewRouter(s Settings) *Router {
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.AppName == "" {
		s.AppName = "Courier"
	}
	return &Router{routes: defaultRoutes(), settings: s}
}

// Handle registers or replaces the route for topic.
func (r *Router) Handle(topic string, route Route) {
	r.routes[topic] = route
}

// Topics lists routed topics, sorted.
func (r *Router) Topics() []string {
	topics := make([]string, 0, len(r.routes))
	for t := range r.routes {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Build decodes msg and turns it into an intake request.
func (r *Router) Build(msg Message) (intake.Request, error) {
	route, ok := r.routes[msg.Topic]
	if !ok {
		return intake.Request{}, fmt.Errorf("%w: %q", ErrUnknownTopic, msg.Topic)
	}

	var p Payload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return intake.Request{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p == nil {
		return intake.Request{}, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	vars, err := route.Vars(p, r.settings)
	if err != nil {
		return intake.Request{}, err
	}

	recipient := recipientOf(p, route.Type)

	metadata := map[string]any{"topic": msg.Topic}
	if id := p.String("eventId", "id"); id != "" {
		metadata["event_id"] = id
	}
	if msg.ID != "" {
		metadata["message_id"] = msg.ID
	}

	req := intake.Request{
		EventType:      msg.Topic,
		Type:           route.Type,
		Recipient:      recipient,
		UserID:         p.String("userId", "user_id"),
		Template:       route.Template,
		Variables:      vars,
		Priority:       route.Priority,
		Metadata:       metadata,
		IdempotencyKey: deriveKey(msg.Topic, recipient, p, route.KeyFields),
	}

	if msg.Headers[HeaderReplayOf] != "" {
		n, _ := strconv.Atoi(msg.Headers[HeaderRetryCount])
		req.Replay = n + 1
		req.ReplayOf = msg.Headers[HeaderReplayOf]
		metadata["replay_of"] = msg.Headers[HeaderReplayOf]
	}

	return req, nil
}

func recipientOf(p Payload, t domain.Type) string {
	if t == domain.TypeSMS {
		if phone := p.String("phone", "phoneNumber"); phone != "" {
			return phone
		}
	}
	return p.String("identifier", "email", "recipient")
}

// deriveKey builds <topic>:<recipient>:<value> from the first identifying
// field present. An explicit idempotencyKey is used verbatim.
func deriveKey(topic, recipient string, p Payload, fields []string) string {
	if k := p.String("idempotencyKey"); k != "" {
		return k
	}
	value := p.String(append([]string{"eventId", "id"}, fields...)...)
	if value == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s", topic, strings.ToLower(recipient), value)
}

func validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", intake.ErrValidation, fmt.Sprintf(format, args...))
}

func nameOf(p Payload) string {
	if n := p.String("name", "firstName", "userName", "username"); n != "" {
		return n
	}
	return "there"
}

func link(base, path, token string) string {
	return base + path + "?token=" + url.QueryEscape(token)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func welcomeVars(p Payload, s Settings) (map[string]any, error) {
	return map[string]any{"name": nameOf(p), "appName": s.AppName}, nil
}

func paymentVars(p Payload, _ Settings) (map[string]any, error) {
	paymentID := p.String("paymentId", "payment_id")
	if paymentID == "" {
		return nil, validation("paymentId is required")
	}
	vars := map[string]any{
		"name":      nameOf(p),
		"paymentId": paymentID,
		"amount":    p.String("amount"),
		"currency":  orDefault(p.String("currency"), "USD"),
	}
	if vars["amount"] == "" {
		return nil, validation("amount is required")
	}
	return vars, nil
}

func defaultRoutes() map[string]Route {
	return map[string]Route{
		TopicUserRegistered: {
			Template: template.Welcome,
			Type:     domain.TypeEmail,
			Priority: domain.PriorityNormal,
			Vars:     welcomeVars,
		},
		TopicUserWelcome: {
			Template: template.Welcome,
			Type:     domain.TypeEmail,
			Priority: domain.PriorityNormal,
			Vars:     welcomeVars,
		},
		TopicEmailVerification: {
			Template:  template.EmailVerification,
			Type:      domain.TypeEmail,
			Priority:  domain.PriorityHigh,
			KeyFields: []string{"token", "verificationToken"},
			Vars: func(p Payload, s Settings) (map[string]any, error) {
				verifyURL := p.String("verificationUrl")
				if verifyURL == "" {
					token := p.String("token", "verificationToken")
					if token == "" {
						return nil, validation("verification token is required")
					}
					verifyURL = link(s.BaseURL, "/verify-email", token)
				}
				return map[string]any{
					"name":            nameOf(p),
					"verificationUrl": verifyURL,
					"expiresIn":       orDefault(p.String("expiresIn"), "24 hours"),
				}, nil
			},
		},
		TopicPasswordReset: {
			Template:  template.PasswordReset,
			Type:      domain.TypeEmail,
			Priority:  domain.PriorityHigh,
			KeyFields: []string{"token", "resetToken"},
			Vars: func(p Payload, s Settings) (map[string]any, error) {
				resetURL := p.String("resetUrl")
				if resetURL == "" {
					token := p.String("token", "resetToken")
					if token == "" {
						return nil, validation("reset token is required")
					}
					resetURL = link(s.BaseURL, "/reset-password", token)
				}
				return map[string]any{
					"name":      nameOf(p),
					"resetUrl":  resetURL,
					"expiresIn": orDefault(p.String("expiresIn"), "1 hour"),
				}, nil
			},
		},
		TopicAccountSuspended: {
			Template: template.AccountSuspended,
			Type:     domain.TypeEmail,
			Priority: domain.PriorityHigh,
			Vars: func(p Payload, _ Settings) (map[string]any, error) {
				return map[string]any{
					"name":   nameOf(p),
					"reason": orDefault(p.String("reason"), "a violation of our terms of service"),
				}, nil
			},
		},
		TopicAccountReactivated: {
			Template: template.AccountReactivated,
			Type:     domain.TypeEmail,
			Priority: domain.PriorityNormal,
			Vars: func(p Payload, _ Settings) (map[string]any, error) {
				return map[string]any{"name": nameOf(p)}, nil
			},
		},
		TopicMagicLink: {
			Template:  template.MagicLink,
			Type:      domain.TypeEmail,
			Priority:  domain.PriorityHigh,
			KeyFields: []string{"token"},
			Vars: func(p Payload, s Settings) (map[string]any, error) {
				magicURL := p.String("magicLinkUrl")
				if magicURL == "" {
					token := p.String("token")
					if token == "" {
						return nil, validation("magic link token is required")
					}
					magicURL = link(s.BaseURL, "/auth/magic-link", token)
				}
				return map[string]any{
					"name":         nameOf(p),
					"magicLinkUrl": magicURL,
					"expiresIn":    orDefault(p.String("expiresIn"), "15 minutes"),
				}, nil
			},
		},
		TopicOTPEmail: {
			Template:  template.OTPEmail,
			Type:      domain.TypeEmail,
			Priority:  domain.PriorityUrgent,
			KeyFields: []string{"code", "otp"},
			Vars: func(p Payload, _ Settings) (map[string]any, error) {
				code := p.String("code", "otp")
				if code == "" {
					return nil, validation("otp code is required")
				}
				return map[string]any{"code": code, "expiresIn": orDefault(p.String("expiresIn"), "10 minutes")}, nil
			},
		},
		TopicOTPSMS: {
			Template:  template.OTPSMS,
			Type:      domain.TypeSMS,
			Priority:  domain.PriorityUrgent,
			KeyFields: []string{"code", "otp"},
			Vars: func(p Payload, s Settings) (map[string]any, error) {
				code := p.String("code", "otp")
				if code == "" {
					return nil, validation("otp code is required")
				}
				return map[string]any{
					"appName":   s.AppName,
					"code":      code,
					"expiresIn": orDefault(p.String("expiresIn"), "10 minutes"),
				}, nil
			},
		},
		TopicPaymentCreated: {
			Template:  template.PaymentCreated,
			Type:      domain.TypeEmail,
			Priority:  domain.PriorityNormal,
			KeyFields: []string{"paymentId", "payment_id"},
			Vars:      paymentVars,
		},
		TopicPaymentCompleted: {
			Template:  template.PaymentCompleted,
			Type:      domain.TypeEmail,
			Priority:  domain.PriorityNormal,
			KeyFields: []string{"paymentId", "payment_id"},
			Vars:      paymentVars,
		},
		TopicPaymentFailed: {
			Template:  template.PaymentFailed,
			Type:      domain.TypeEmail,
			Priority:  domain.PriorityHigh,
			KeyFields: []string{"paymentId", "payment_id"},
			Vars: func(p Payload, s Settings) (map[string]any, error) {
				vars, err := paymentVars(p, s)
				if err != nil {
					return nil, err
				}
				vars["reason"] = orDefault(p.String("reason", "failureReason"), "the payment could not be processed")
				return vars, nil
			},
		},
		TopicPaymentRefundProcessed: {
			Template:  template.PaymentRefunded,
			Type:      domain.TypeEmail,
			Priority:  domain.PriorityNormal,
			KeyFields: []string{"refundId", "paymentId", "payment_id"},
			Vars:      paymentVars,
		},
	}
}
