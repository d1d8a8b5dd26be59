package retry

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"

	"github.com/aws/smithy-go"
)

// Class is the retry verdict for an error.
type Class int

const (
	ClassUnknown Class = iota
	ClassRetryable
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ParseClass is the inverse of String. Unrecognized input is ClassUnknown.
func ParseClass(s string) Class {
	switch s {
	case "retryable":
		return ClassRetryable
	case "permanent":
		return ClassPermanent
	default:
		return ClassUnknown
	}
}

type classified struct {
	class Class
	err   error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Temporary marks err as safe to retry.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassRetryable, err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassPermanent, err: err}
}

var retryableAPICodes = map[string]struct{}{
	"Throttling":                             {},
	"ThrottlingException":                    {},
	"ThrottledException":                     {},
	"TooManyRequestsException":               {},
	"RequestLimitExceeded":                   {},
	"ServiceUnavailable":                     {},
	"ServiceUnavailableException":            {},
	"InternalFailure":                        {},
	"InternalError":                          {},
	"InternalErrorException":                 {},
	"RequestTimeout":                         {},
	"RequestTimeoutException":                {},
	"KMSThrottlingException":                 {},
	"KMSThrottling":                          {},
	"EndpointDisabled":                       {},
	"LimitExceeded":                          {},
	"LimitExceededException":                 {},
	"ProvisionedThroughputExceededException": {},
}

var permanentAPICodes = map[string]struct{}{
	"MessageRejected":              {},
	"MailFromDomainNotVerified":    {},
	"ConfigurationSetDoesNotExist": {},
	"InvalidParameter":             {},
	"InvalidParameterValue":        {},
	"InvalidParameterException":    {},
	"ValidationError":              {},
	"ValidationException":          {},
	"AccessDenied":                 {},
	"AccessDeniedException":        {},
	"AuthorizationError":           {},
	"OptedOut":                     {},
	"NotFound":                     {},
	"NotFoundException":            {},
}

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"too many requests",
	"rate limit",
	"throttl",
	"service unavailable",
	"bad gateway",
	"temporarily unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
}

var permanentPatterns = []string{
	"invalid recipient",
	"invalid email",
	"invalid phone",
	"invalid address",
	"malformed",
	"unauthorized",
	"forbidden",
	"unsubscribed",
	"opted out",
	"blacklisted",
}

var (
	retryableCode = regexp.MustCompile(`\b(408|429|5\d\d)\b`)
	permanentCode = regexp.MustCompile(`\b(400|401|403|404|422)\b`)
)

type httpStatusError interface {
	HTTPStatusCode() int
}

// Classify inspects err from the most to the least specific signal. Explicit
// markers win, then context deadlines and network timeouts, then AWS API
// codes and HTTP status codes, and finally the error text.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var c *classified
	if errors.As(err, &c) {
		return c.class
	}

	if errors.Is(err, context.Canceled) {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := retryableAPICodes[apiErr.ErrorCode()]; ok {
			return ClassRetryable
		}
		if _, ok := permanentAPICodes[apiErr.ErrorCode()]; ok {
			return ClassPermanent
		}
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		if class, ok := classifyStatus(statusErr.HTTPStatusCode()); ok {
			return class
		}
	}

	if apiErr != nil {
		switch apiErr.ErrorFault() {
		case smithy.FaultServer:
			return ClassRetryable
		case smithy.FaultClient:
			return ClassPermanent
		}
	}

	return classifyMessage(err.Error())
}

// ClassifyStatus maps an HTTP status code to a retry class.
func ClassifyStatus(code int) Class {
	class, _ := classifyStatus(code)
	return class
}

func classifyStatus(code int) (Class, bool) {
	switch {
	case code == 408 || code == 425 || code == 429:
		return ClassRetryable, true
	case code >= 500:
		return ClassRetryable, true
	case code >= 400:
		return ClassPermanent, true
	}
	return ClassUnknown, false
}

func classifyMessage(msg string) Class {
	msg = strings.ToLower(msg)
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return ClassRetryable
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return ClassPermanent
		}
	}
	if retryableCode.MatchString(msg) {
		return ClassRetryable
	}
	if permanentCode.MatchString(msg) {
		return ClassPermanent
	}
	return ClassUnknown
}

// IsRetryable is shorthand for Classify(err) == ClassRetryable.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}
