package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode"
)

// ErrInvalidRecipient is returned when a recipient does not validate for its channel.
var ErrInvalidRecipient = errors.New("invalid recipient")

const maxDeviceTokenLength = 4096

// Recipient is a validated, normalized delivery address for one notification type.
type Recipient struct {
	Type  Type
	Value string
}

func (r Recipient) String() string {
	return r.Value
}

// IsZero reports whether the recipient was never set.
func (r Recipient) IsZero() bool {
	return r.Value == ""
}

// NewRecipient validates raw against the rules of the given notification type.
func NewRecipient(t Type, raw string) (Recipient, error) {
	var (
		value string
		err   error
	)

	switch t {
	case TypeEmail:
		value, err = NewEmail(raw)
	case TypeSMS:
		value, err = NewPhone(raw)
	case TypePush:
		value, err = newDeviceToken(raw)
	case TypeInApp:
		value, err = newUserRef(raw)
	default:
		return Recipient{}, fmt.Errorf("%w: unsupported notification type %q", ErrInvalidRecipient, t)
	}
	if err != nil {
		return Recipient{}, err
	}

	return Recipient{Type: t, Value: value}, nil
}

// NewEmail trims and lowercases an address and rejects anything that is not a bare address.
func NewEmail(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("%w: email is empty", ErrInvalidRecipient)
	}

	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("%w: email %q: %v", ErrInvalidRecipient, raw, err)
	}
	// Display names ("Bob <bob@x.io>") are not accepted as recipients.
	if addr.Address != s || addr.Name != "" {
		return "", fmt.Errorf("%w: email %q is not a bare address", ErrInvalidRecipient, raw)
	}

	at := strings.LastIndex(s, "@")
	if at <= 0 || !strings.Contains(s[at+1:], ".") {
		return "", fmt.Errorf("%w: email %q has no domain", ErrInvalidRecipient, raw)
	}

	return s, nil
}

// NewPhone normalizes a phone number to E.164.
// Spaces, dashes, dots and parentheses are stripped. A number without a
// leading '+' is accepted only when it already carries a country code.
func NewPhone(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("%w: phone %q contains %q", ErrInvalidRecipient, raw, r)
		}
	}

	s := b.String()
	if !strings.HasPrefix(s, "+") {
		s = "+" + s
	}

	digits := len(s) - 1
	if digits < 8 || digits > 15 || s[1] == '0' {
		return "", fmt.Errorf("%w: phone %q is not a valid E.164 number", ErrInvalidRecipient, raw)
	}

	return s, nil
}

func newDeviceToken(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: device token is empty", ErrInvalidRecipient)
	}
	if len(s) > maxDeviceTokenLength || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: malformed device token", ErrInvalidRecipient)
	}
	return s, nil
}

func newUserRef(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: in-app recipient requires a user id", ErrInvalidRecipient)
	}
	return s, nil
}
