package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewEmail(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "user@example.com", want: "user@example.com"},
		{in: "  USER@Example.com\t", want: "user@example.com"},
		{in: "first.last+tag@sub.example.org", want: "first.last+tag@sub.example.org"},
		{in: "", wantErr: true},
		{in: "not-an-email", wantErr: true},
		{in: "Bob <bob@example.com>", wantErr: true},
		{in: "user@localhost", wantErr: true},
		{in: "@example.com", wantErr: true},
	}

	for _, tt := range tests {
		got, err := NewEmail(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewEmail(%q) = %q, want error", tt.in, got)
			} else if !errors.Is(err, ErrInvalidRecipient) {
				t.Errorf("NewEmail(%q) error %v does not wrap ErrInvalidRecipient", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewEmail(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NewEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+14155552671", want: "+14155552671"},
		{in: "+1 (415) 555-2671", want: "+14155552671"},
		{in: "14155552671", want: "+14155552671"},
		{in: "+44.20.7183.8750", want: "+442071838750"},
		{in: "", wantErr: true},
		{in: "+123", wantErr: true},
		{in: "+1234567890123456", wantErr: true},
		{in: "+0123456789", wantErr: true},
		{in: "555-CALL-NOW", wantErr: true},
		{in: "1+4155552671", wantErr: true},
	}

	for _, tt := range tests {
		got, err := NewPhone(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewPhone(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewPhone(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NewPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRecipient_ByType(t *testing.T) {
	if _, err := NewRecipient(TypePush, "abc def"); err == nil {
		t.Error("device token with whitespace should be rejected")
	}
	if _, err := NewRecipient(TypePush, strings.Repeat("a", maxDeviceTokenLength+1)); err == nil {
		t.Error("oversized device token should be rejected")
	}
	if _, err := NewRecipient(TypeInApp, "  "); err == nil {
		t.Error("blank in-app user should be rejected")
	}
	if _, err := NewRecipient(Type("FAX"), "x"); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("unknown type error = %v, want ErrInvalidRecipient", err)
	}

	r, err := NewRecipient(TypePush, " fcm:token-123 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Value != "fcm:token-123" || r.Type != TypePush {
		t.Errorf("got %+v", r)
	}
}
