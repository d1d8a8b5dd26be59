package template

import "github.com/lalithlochan/courier/internal/domain"

// Built-in template names.
const (
	Welcome            = "welcome"
	EmailVerification  = "email_verification"
	PasswordReset      = "password_reset"
	AccountSuspended   = "account_suspended"
	AccountReactivated = "account_reactivated"
	MagicLink          = "magic_link"
	OTPEmail           = "otp_email"
	OTPSMS             = "otp_sms"
	PaymentCreated     = "payment_created"
	PaymentCompleted   = "payment_completed"
	PaymentFailed      = "payment_failed"
	PaymentRefunded    = "payment_refunded"
)

// DefaultTemplates returns the templates used by the inbound event routes.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:              Welcome,
			Type:              domain.TypeEmail,
			Subject:           "Welcome to {{appName}}, {{name}}!",
			Content:           "Hi {{name}},\n\nThanks for joining {{appName}}. Your account is ready to use.\n\nThe {{appName}} team",
			RequiredVariables: []string{"name", "appName"},
		},
		{
			Name:              EmailVerification,
			Type:              domain.TypeEmail,
			Subject:           "Verify your email address",
			Content:           "Hi {{name}},\n\nPlease confirm your email address by opening the link below:\n\n{{verificationUrl}}\n\nThis link expires in {{expiresIn}}.",
			RequiredVariables: []string{"name", "verificationUrl", "expiresIn"},
		},
		{
			Name:              PasswordReset,
			Type:              domain.TypeEmail,
			Subject:           "Reset your password",
			Content:           "Hi {{name}},\n\nWe received a request to reset your password. Use the link below to choose a new one:\n\n{{resetUrl}}\n\nIf you did not ask for this, you can ignore this email. The link expires in {{expiresIn}}.",
			RequiredVariables: []string{"name", "resetUrl", "expiresIn"},
		},
		{
			Name:              AccountSuspended,
			Type:              domain.TypeEmail,
			Subject:           "Your account has been suspended",
			Content:           "Hi {{name}},\n\nYour account was suspended. Reason: {{reason}}\n\nContact support if you believe this is a mistake.",
			RequiredVariables: []string{"name", "reason"},
		},
		{
			Name:              AccountReactivated,
			Type:              domain.TypeEmail,
			Subject:           "Your account is active again",
			Content:           "Hi {{name}},\n\nYour account has been reactivated. Welcome back!",
			RequiredVariables: []string{"name"},
		},
		{
			Name:              MagicLink,
			Type:              domain.TypeEmail,
			Subject:           "Your sign-in link",
			Content:           "Hi {{name}},\n\nSign in with the link below:\n\n{{magicLinkUrl}}\n\nIt can be used once and expires in {{expiresIn}}.",
			RequiredVariables: []string{"name", "magicLinkUrl", "expiresIn"},
		},
		{
			Name:              OTPEmail,
			Type:              domain.TypeEmail,
			Subject:           "Your verification code",
			Content:           "Your verification code is {{code}}. It expires in {{expiresIn}}.",
			RequiredVariables: []string{"code", "expiresIn"},
		},
		{
			Name:              OTPSMS,
			Type:              domain.TypeSMS,
			Content:           "{{appName}} code: {{code}}. Expires in {{expiresIn}}.",
			RequiredVariables: []string{"appName", "code", "expiresIn"},
		},
		{
			Name:              PaymentCreated,
			Type:              domain.TypeEmail,
			Subject:           "Payment {{paymentId}} received",
			Content:           "Hi {{name}},\n\nWe received your payment of {{amount}} {{currency}}. We'll let you know once it clears.",
			RequiredVariables: []string{"name", "paymentId", "amount", "currency"},
		},
		{
			Name:              PaymentCompleted,
			Type:              domain.TypeEmail,
			Subject:           "Payment {{paymentId}} completed",
			Content:           "Hi {{name}},\n\nYour payment of {{amount}} {{currency}} was completed successfully.",
			RequiredVariables: []string{"name", "paymentId", "amount", "currency"},
		},
		{
			Name:              PaymentFailed,
			Type:              domain.TypeEmail,
			Subject:           "Payment {{paymentId}} failed",
			Content:           "Hi {{name}},\n\nYour payment of {{amount}} {{currency}} could not be processed. Reason: {{reason}}",
			RequiredVariables: []string{"name", "paymentId", "amount", "currency", "reason"},
		},
		{
			Name:              PaymentRefunded,
			Type:              domain.TypeEmail,
			Subject:           "Refund for payment {{paymentId}} processed",
			Content:           "Hi {{name}},\n\nA refund of {{amount}} {{currency}} has been issued for payment {{paymentId}}.",
			RequiredVariables: []string{"name", "paymentId", "amount", "currency"},
		},
	}
}
