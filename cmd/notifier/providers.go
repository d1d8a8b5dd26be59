package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/provider"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/retry"
)

// channels is the provider chain for every notification type.
type channels struct {
	router  *provider.Router
	senders []*circuitbreaker.ResilientSender
}

// Stats reports every breaker, in registration order.
func (c *channels) Stats() []circuitbreaker.Stats {
	stats := make([]circuitbreaker.Stats, 0, len(c.senders))
	for _, s := range c.senders {
		stats = append(stats, s.Breaker().Stats())
	}
	return stats
}

func buildChannels(ctx context.Context, cfg *config.Config, inbox *redis.Inbox, logger *zap.Logger) (*channels, error) {
	res := cfg.Resilience
	policy := retry.Policy{
		MaxAttempts: res.RetryMaxAttempts,
		BaseDelay:   res.RetryBaseDelay,
		Multiplier:  2,
		MaxDelay:    res.RetryMaxDelay,
	}

	email, err := emailSender(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	sms, err := smsSender(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var push provider.Sender = provider.NewLogSender(logger)
	if cfg.Providers.PushGatewayURL != "" {
		push, err = provider.NewPushSender(provider.PushConfig{
			GatewayURL: cfg.Providers.PushGatewayURL,
			AuthToken:  cfg.Providers.PushAuthToken,
			Timeout:    res.PushTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	c := &channels{router: provider.NewRouter(logger)}
	for _, ch := range []struct {
		typ     domain.Type
		sender  provider.Sender
		timeout time.Duration
		reset   time.Duration
	}{
		{domain.TypeEmail, email, res.EmailTimeout, res.EmailBreakerReset},
		{domain.TypeSMS, sms, res.SMSTimeout, res.SMSBreakerReset},
		{domain.TypePush, push, res.PushTimeout, res.PushBreakerReset},
		{domain.TypeInApp, provider.NewInAppSender(inbox, logger), res.InAppTimeout, res.InAppBreakerReset},
	} {
		name := strings.ToLower(string(ch.typ)) + ":" + ch.sender.Name()

		bcfg := circuitbreaker.Config{
			Name:                     name,
			WindowSize:               res.BreakerWindowSize,
			ErrorThresholdPercentage: res.BreakerErrorThreshold,
			MinimumRequests:          res.BreakerMinRequests,
			ResetTimeout:             ch.reset,
			HalfOpenMaxRequests:      1,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				metrics.SetCircuitState(name, int(to))
			},
		}
		metrics.SetCircuitState(name, int(circuitbreaker.StateClosed))

		rs := circuitbreaker.NewResilientSender(ch.sender, circuitbreaker.New(bcfg, logger), policy, ch.timeout, logger)
		c.senders = append(c.senders, rs)
		c.router.Route(ch.typ, rs)
	}

	logger.Info("provider chain ready",
		zap.String("email", email.Name()),
		zap.String("sms", sms.Name()),
		zap.String("push", push.Name()),
	)
	return c, nil
}

func emailSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (provider.Sender, error) {
	p := cfg.Providers
	switch p.Email {
	case "ses":
		s, err := provider.NewSESSender(ctx, provider.SESConfig{
			Region:           cfg.AWSRegion,
			FromEmail:        p.SESFromEmail,
			ReplyTo:          p.SESReplyTo,
			ConfigurationSet: p.SESConfigurationSet,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("ses sender: %w", err)
		}
		return s, nil
	case "postmark":
		s, err := provider.NewPostmarkSender(provider.PostmarkConfig{
			ServerToken:  p.PostmarkServerToken,
			AccountToken: p.PostmarkAccountToken,
			FromEmail:    p.SESFromEmail,
			ReplyTo:      p.SESReplyTo,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("postmark sender: %w", err)
		}
		return s, nil
	default:
		return provider.NewLogSender(logger), nil
	}
}

func smsSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (provider.Sender, error) {
	if cfg.Providers.SMS != "sns" {
		return provider.NewLogSender(logger), nil
	}
	s, err := provider.NewSNSSender(ctx, provider.SNSConfig{
		Region:   cfg.Providers.SNSRegion,
		SenderID: cfg.Providers.SNSSenderID,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("sns sender: %w", err)
	}
	return s, nil
}
