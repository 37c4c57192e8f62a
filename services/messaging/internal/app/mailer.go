package app

import (
	"context"
	"strings"
	"time"

	"memome/internal/util"
)

// Mailer delivers one-time codes. Delivery itself lives outside this service.
type Mailer interface {
	SendOTP(ctx context.Context, email, code string, ttl time.Duration) error
}

// LogMailer records that a code would be sent, without the code.
type LogMailer struct{}

func (LogMailer) SendOTP(ctx context.Context, email, _ string, ttl time.Duration) error {
	util.LoggerFromContext(ctx).Info("otp mail queued", "email", maskEmail(email), "ttl", ttl)
	return nil
}

func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***"
	}
	switch len(local) {
	case 0:
		return "***@" + domain
	case 1, 2:
		return local[:1] + "***@" + domain
	default:
		return local[:1] + "***" + local[len(local)-1:] + "@" + domain
	}
}
