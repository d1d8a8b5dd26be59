package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/mrz1836/postmark"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/retry"
)

func notif(t domain.Type, recipient string) *domain.Notification {
	return &domain.Notification{
		ID:        uuid.New(),
		Type:      t,
		Recipient: domain.Recipient{Type: t, Value: recipient},
		Subject:   "Subject",
		Content:   "Body",
		Priority:  domain.PriorityNormal,
		EventType: "user.registered",
		CreatedAt: time.Now(),
	}
}

// --- Router ---

type stubSender struct {
	name  string
	calls int
}

func (s *stubSender) Name() string { return s.name }
func (s *stubSender) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	s.calls++
	return &domain.Receipt{Provider: s.name}, nil
}

func TestRouter_DispatchesByType(t *testing.T) {
	email := &stubSender{name: "email"}
	sms := &stubSender{name: "sms"}
	r := NewRouter(zap.NewNop()).Route(domain.TypeEmail, email).Route(domain.TypeSMS, sms)

	tests := []struct {
		name     string
		typ      domain.Type
		provider string
		wantErr  bool
	}{
		{"email", domain.TypeEmail, "email", false},
		{"sms", domain.TypeSMS, "sms", false},
		{"push_not_registered", domain.TypePush, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipt, err := r.Send(context.Background(), notif(tt.typ, "x"))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if retry.Classify(err) != retry.ClassPermanent {
					t.Errorf("unrouted type should be permanent, got %s", retry.Classify(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if receipt.Provider != tt.provider {
				t.Errorf("routed to %s, want %s", receipt.Provider, tt.provider)
			}
		})
	}

	if !r.Supports(domain.TypeEmail) || r.Supports(domain.TypeInApp) {
		t.Error("Supports disagrees with registered routes")
	}
	if got := r.Types(); len(got) != 2 || got[0] != domain.TypeEmail || got[1] != domain.TypeSMS {
		t.Errorf("Types() = %v", got)
	}
}

// --- SES ---

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

func TestSESSender_Send(t *testing.T) {
	fake := &fakeSES{}
	s := newSESSender(fake, SESConfig{FromEmail: "no-reply@example.com", ReplyTo: "help@example.com"}, zap.NewNop())

	receipt, err := s.Send(context.Background(), notif(domain.TypeEmail, "user@example.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.MessageID != "ses-123" || receipt.Provider != "ses" {
		t.Errorf("receipt = %+v", receipt)
	}
	if aws.ToString(fake.input.Source) != "no-reply@example.com" {
		t.Errorf("source = %s", aws.ToString(fake.input.Source))
	}
	if fake.input.Destination.ToAddresses[0] != "user@example.com" {
		t.Errorf("to = %v", fake.input.Destination.ToAddresses)
	}
	if aws.ToString(fake.input.Message.Body.Text.Data) != "Body" {
		t.Errorf("body = %s", aws.ToString(fake.input.Message.Body.Text.Data))
	}
	if len(fake.input.ReplyToAddresses) != 1 {
		t.Errorf("reply-to = %v", fake.input.ReplyToAddresses)
	}
}

func TestSESSender_ErrorsClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Class
	}{
		{"throttled", &smithy.GenericAPIError{Code: "Throttling"}, retry.ClassRetryable},
		{"rejected", &smithy.GenericAPIError{Code: "MessageRejected"}, retry.ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSESSender(&fakeSES{err: tt.err}, SESConfig{FromEmail: "a@b.io"}, zap.NewNop())
			_, err := s.Send(context.Background(), notif(domain.TypeEmail, "user@example.com"))
			if got := retry.Classify(err); got != tt.want {
				t.Errorf("class = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSESSender_RejectsWrongType(t *testing.T) {
	fake := &fakeSES{}
	s := newSESSender(fake, SESConfig{FromEmail: "a@b.io"}, zap.NewNop())

	_, err := s.Send(context.Background(), notif(domain.TypeSMS, "+14155552671"))
	if retry.Classify(err) != retry.ClassPermanent {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if fake.input != nil {
		t.Fatal("SES should not be called for SMS")
	}
}

// --- Postmark ---

type fakePostmark struct {
	email postmark.Email
	resp  postmark.EmailResponse
	err   error
}

func (f *fakePostmark) SendEmail(ctx context.Context, e postmark.Email) (postmark.EmailResponse, error) {
	f.email = e
	return f.resp, f.err
}

func TestPostmarkSender_Send(t *testing.T) {
	fake := &fakePostmark{resp: postmark.EmailResponse{MessageID: "pm-1"}}
	s := newPostmarkSender(fake, PostmarkConfig{FromEmail: "no-reply@example.com"}, zap.NewNop())

	receipt, err := s.Send(context.Background(), notif(domain.TypeEmail, "user@example.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.MessageID != "pm-1" {
		t.Errorf("receipt = %+v", receipt)
	}
	if fake.email.To != "user@example.com" || fake.email.TextBody != "Body" || fake.email.Tag != "user.registered" {
		t.Errorf("email = %+v", fake.email)
	}
}

func TestPostmarkSender_InactiveRecipientIsPermanent(t *testing.T) {
	fake := &fakePostmark{resp: postmark.EmailResponse{ErrorCode: 406, Message: "Inactive recipient"}}
	s := newPostmarkSender(fake, PostmarkConfig{FromEmail: "a@b.io"}, zap.NewNop())

	_, err := s.Send(context.Background(), notif(domain.TypeEmail, "user@example.com"))
	if retry.Classify(err) != retry.ClassPermanent {
		t.Fatalf("expected permanent, got %v", err)
	}
}

func TestNewPostmarkSender_Validation(t *testing.T) {
	if _, err := NewPostmarkSender(PostmarkConfig{FromEmail: "a@b.io"}, zap.NewNop()); err == nil {
		t.Error("missing server token should fail")
	}
	if _, err := NewPostmarkSender(PostmarkConfig{ServerToken: "t"}, zap.NewNop()); err == nil {
		t.Error("missing from address should fail")
	}
}

// --- SNS ---

type fakeSNS struct {
	input *sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	return &sns.PublishOutput{MessageId: aws.String("sns-9")}, nil
}

func TestSNSSender_Send(t *testing.T) {
	fake := &fakeSNS{}
	s := newSNSSender(fake, SNSConfig{SenderID: "Courier"}, zap.NewNop())

	receipt, err := s.Send(context.Background(), notif(domain.TypeSMS, "+14155552671"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.MessageID != "sns-9" {
		t.Errorf("receipt = %+v", receipt)
	}
	if aws.ToString(fake.input.PhoneNumber) != "+14155552671" {
		t.Errorf("phone = %s", aws.ToString(fake.input.PhoneNumber))
	}
	attr, ok := fake.input.MessageAttributes["AWS.SNS.SMS.SMSType"]
	if !ok || aws.ToString(attr.StringValue) != "Transactional" {
		t.Errorf("sms type attribute missing: %+v", fake.input.MessageAttributes)
	}
	if _, ok := fake.input.MessageAttributes["AWS.SNS.SMS.SenderID"]; !ok {
		t.Error("sender id attribute missing")
	}
}

// --- Push ---

func TestPushSender_Send(t *testing.T) {
	var got pushRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"message_id":"push-77"}`))
	}))
	defer server.Close()

	s, err := NewPushSender(PushConfig{GatewayURL: server.URL, AuthToken: "secret"}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n := notif(domain.TypePush, "device-token-1")
	n.Priority = domain.PriorityUrgent
	receipt, err := s.Send(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.MessageID != "push-77" {
		t.Errorf("receipt = %+v", receipt)
	}
	if auth != "Bearer secret" {
		t.Errorf("authorization = %q", auth)
	}
	if got.Token != "device-token-1" || got.Priority != "high" || got.Data["notification_id"] != n.ID.String() {
		t.Errorf("request = %+v", got)
	}
}

func TestPushSender_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   retry.Class
	}{
		{"rate_limited", http.StatusTooManyRequests, retry.ClassRetryable},
		{"gateway_down", http.StatusServiceUnavailable, retry.ClassRetryable},
		{"bad_token", http.StatusBadRequest, retry.ClassPermanent},
		{"unregistered", http.StatusGone, retry.ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			s, _ := NewPushSender(PushConfig{GatewayURL: server.URL}, zap.NewNop())
			_, err := s.Send(context.Background(), notif(domain.TypePush, "tok"))

			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.StatusCode != tt.status {
				t.Fatalf("expected StatusError %d, got %v", tt.status, err)
			}
			if got := retry.Classify(err); got != tt.want {
				t.Errorf("class = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPushSender_TimeoutIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	s, _ := NewPushSender(PushConfig{GatewayURL: server.URL}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, notif(domain.TypePush, "tok"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if got := retry.Classify(err); got != retry.ClassRetryable {
		t.Errorf("class = %s, want retryable (%v)", got, err)
	}
}

func TestNewPushSender_RequiresURL(t *testing.T) {
	if _, err := NewPushSender(PushConfig{}, zap.NewNop()); err == nil {
		t.Fatal("expected error without gateway url")
	}
}

// --- In-app ---

func TestInAppSender_Send(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	inbox := redis.NewInbox(redis.NewFromClient(rdb, zap.NewNop()), 10)

	s := NewInAppSender(inbox, zap.NewNop())
	n := notif(domain.TypeInApp, "user-42")

	receipt, err := s.Send(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Provider != "inapp" || receipt.MessageID == "" {
		t.Errorf("receipt = %+v", receipt)
	}

	msgs, err := inbox.List(context.Background(), "user-42", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].NotificationID != n.ID.String() || msgs[0].Content != "Body" {
		t.Fatalf("inbox = %+v", msgs)
	}
}

// --- Log ---

func TestLogSender_AcceptsEverything(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	for _, typ := range []domain.Type{domain.TypeEmail, domain.TypeSMS, domain.TypePush, domain.TypeInApp} {
		receipt, err := s.Send(context.Background(), notif(typ, "x"))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if receipt.Provider != "log" {
			t.Errorf("%s: receipt = %+v", typ, receipt)
		}
	}
}
