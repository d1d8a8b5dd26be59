package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/intake"
	"github.com/lalithlochan/courier/internal/template"
)

func testRouter() *Router {
	return NewRouter(Settings{BaseURL: "https://app.example.com/", AppName: "Acme"})
}

func TestRouter_CoversEveryTopicWithAKnownTemplate(t *testing.T) {
	r := testRouter()
	reg := template.NewRegistry(template.DefaultTemplates()...)

	topics := r.Topics()
	assert.Len(t, topics, 13)
	for _, topic := range topics {
		route := r.routes[topic]
		tpl, err := reg.Get(route.Template)
		require.NoError(t, err, topic)
		assert.Equal(t, tpl.Type, route.Type, topic)
	}
}

func TestRouter_BuildEmailVerification(t *testing.T) {
	req, err := testRouter().Build(Message{
		Topic:   TopicEmailVerification,
		Payload: []byte(`{"userId":"u-1","email":"Jane@Example.com","name":"Jane","token":"tok 1"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, TopicEmailVerification, req.EventType)
	assert.Equal(t, domain.TypeEmail, req.Type)
	assert.Equal(t, "Jane@Example.com", req.Recipient)
	assert.Equal(t, "u-1", req.UserID)
	assert.Equal(t, template.EmailVerification, req.Template)
	assert.Equal(t, domain.PriorityHigh, req.Priority)
	assert.Equal(t, "https://app.example.com/verify-email?token=tok+1", req.Variables["verificationUrl"])
	assert.Equal(t, "24 hours", req.Variables["expiresIn"])
	assert.Equal(t, "user.email.verification:jane@example.com:tok 1", req.IdempotencyKey)
	assert.Zero(t, req.Replay)
}

func TestRouter_URLs(t *testing.T) {
	tests := []struct {
		topic string
		field string
		want  string
	}{
		{TopicPasswordReset, "resetUrl", "https://app.example.com/reset-password?token=abc"},
		{TopicMagicLink, "magicLinkUrl", "https://app.example.com/auth/magic-link?token=abc"},
		{TopicEmailVerification, "verificationUrl", "https://app.example.com/verify-email?token=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			req, err := testRouter().Build(Message{
				Topic:   tt.topic,
				Payload: []byte(`{"email":"a@b.io","token":"abc"}`),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Variables[tt.field])
			assert.Equal(t, "there", req.Variables["name"])
		})
	}
}

func TestRouter_IdempotencyKeyDerivation(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		want    string
	}{
		{"explicit key wins", TopicPaymentCompleted, `{"email":"a@b.io","idempotencyKey":"given","eventId":"e1","paymentId":"p1","amount":5}`, "given"},
		{"event id", TopicPaymentCompleted, `{"email":"a@b.io","eventId":"e1","paymentId":"p1","amount":5}`, "payment.completed:a@b.io:e1"},
		{"payment id", TopicPaymentCompleted, `{"email":"a@b.io","paymentId":"p1","amount":5}`, "payment.completed:a@b.io:p1"},
		{"otp code", TopicOTPEmail, `{"email":"a@b.io","code":"123456"}`, "user.otp.email:a@b.io:123456"},
		{"none", TopicUserRegistered, `{"email":"a@b.io"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := testRouter().Build(Message{Topic: tt.topic, Payload: []byte(tt.payload)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.IdempotencyKey)
		})
	}
}

func TestRouter_SMSRecipientFromPhone(t *testing.T) {
	req, err := testRouter().Build(Message{
		Topic:   TopicOTPSMS,
		Payload: []byte(`{"phoneNumber":"+14155552671","email":"a@b.io","code":987654}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TypeSMS, req.Type)
	assert.Equal(t, "+14155552671", req.Recipient)
	assert.Equal(t, "987654", req.Variables["code"])
	assert.Equal(t, "Acme", req.Variables["appName"])
}

func TestRouter_PaymentFailedDefaults(t *testing.T) {
	req, err := testRouter().Build(Message{
		Topic:   TopicPaymentFailed,
		Payload: []byte(`{"email":"a@b.io","paymentId":"p-9","amount":"19.99"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", req.Variables["currency"])
	assert.Equal(t, "19.99", req.Variables["amount"])
	assert.NotEmpty(t, req.Variables["reason"])
}

func TestRouter_Errors(t *testing.T) {
	tests := []struct {
		name  string
		msg   Message
		check error
	}{
		{"unknown topic", Message{Topic: "order.shipped", Payload: []byte(`{}`)}, ErrUnknownTopic},
		{"not json", Message{Topic: TopicUserWelcome, Payload: []byte(`not json`)}, ErrMalformedPayload},
		{"null body", Message{Topic: TopicUserWelcome, Payload: []byte(`null`)}, ErrMalformedPayload},
		{"missing token", Message{Topic: TopicPasswordReset, Payload: []byte(`{"email":"a@b.io"}`)}, intake.ErrValidation},
		{"missing payment id", Message{Topic: TopicPaymentCreated, Payload: []byte(`{"email":"a@b.io","amount":1}`)}, intake.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testRouter().Build(tt.msg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.check), "got %v", err)
		})
	}
}

func TestRouter_ReplayHeaders(t *testing.T) {
	req, err := testRouter().Build(Message{
		Topic:   TopicUserWelcome,
		Payload: []byte(`{"email":"a@b.io","eventId":"e1"}`),
		Headers: map[string]string{HeaderReplayOf: "dlq-1", HeaderRetryCount: "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, req.Replay)
	assert.Equal(t, "dlq-1", req.ReplayOf)
	assert.Equal(t, "dlq-1", req.Metadata["replay_of"])
}
