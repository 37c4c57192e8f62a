// Package otp keeps one-time passcode challenges in Redis.
package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"memome/pkg/auth"
)

var (
	ErrResendTooSoon = errors.New("verification code was requested too recently")
	ErrCodeInvalid   = errors.New("incorrect verification code")
	ErrCodeExpired   = errors.New("verification code expired")
	ErrNoChallenge   = errors.New("no verification code was requested")
)

type challenge struct {
	Email     string    `json:"email"`
	CodeHash  string    `json:"codeHash"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Config configures Store.
type Config struct {
	Client      *redis.Client
	KeyPrefix   string
	TTL         time.Duration
	ResendAfter time.Duration
	MaxAttempts int
}

// Store issues and verifies passcodes, one live challenge per email.
type Store struct {
	client      *redis.Client
	keyPrefix   string
	ttl         time.Duration
	resendAfter time.Duration
	maxAttempts int
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("otp store requires a redis client")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "memome:otp"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	resendAfter := cfg.ResendAfter
	if resendAfter <= 0 {
		resendAfter = time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Store{
		client:      cfg.Client,
		keyPrefix:   prefix,
		ttl:         ttl,
		resendAfter: resendAfter,
		maxAttempts: maxAttempts,
	}, nil
}

// TTL reports how long an issued code stays valid.
func (s *Store) TTL() time.Duration { return s.ttl }

// Issue creates a fresh code for email, replacing any earlier one.
func (s *Store) Issue(ctx context.Context, email string) (string, error) {
	resendKey := s.resendKey(email)
	allowed, err := s.client.SetNX(ctx, resendKey, "1", s.resendAfter).Result()
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", ErrResendTooSoon
	}

	code, err := auth.GenerateOTP()
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", err
	}
	hash, err := auth.HashOTP(code)
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", fmt.Errorf("hash otp code: %w", err)
	}
	raw, err := json.Marshal(challenge{
		Email:     email,
		CodeHash:  hash,
		ExpiresAt: time.Now().UTC().Add(s.ttl),
	})
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", fmt.Errorf("marshal otp challenge: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.challengeKey(email), raw, s.ttl+time.Minute)
		pipe.Del(ctx, s.attemptsKey(email))
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", err
	}
	return code, nil
}

// Verify consumes the challenge for email when code matches.
func (s *Store) Verify(ctx context.Context, email, code string) error {
	key := s.challengeKey(email)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNoChallenge
	}
	if err != nil {
		return err
	}
	var c challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("unmarshal otp challenge: %w", err)
	}
	if c.Email != email {
		return ErrNoChallenge
	}
	if time.Now().UTC().After(c.ExpiresAt) {
		s.drop(ctx, email)
		return ErrCodeExpired
	}
	// Each guess reserves an attempt before the code is checked, so concurrent
	// guesses never exceed maxAttempts checks.
	attempts, err := s.reserveAttempt(ctx, email)
	if err != nil {
		return err
	}
	if attempts > int64(s.maxAttempts) {
		s.drop(ctx, email)
		return ErrCodeInvalid
	}
	if !auth.CheckOTP(code, c.CodeHash) {
		if attempts >= int64(s.maxAttempts) {
			s.drop(ctx, email)
		}
		return ErrCodeInvalid
	}
	return s.client.Del(ctx, key, s.attemptsKey(email)).Err()
}

// reserveAttemptScript counts a guess only while the challenge exists and
// returns -1 once it is gone.
var reserveAttemptScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local count = redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], ARGV[1])
return count
`)

func (s *Store) reserveAttempt(ctx context.Context, email string) (int64, error) {
	keys := []string{s.challengeKey(email), s.attemptsKey(email)}
	n, err := reserveAttemptScript.Run(ctx, s.client, keys, (s.ttl + time.Minute).Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("count otp attempt: %w", err)
	}
	if n < 0 {
		return 0, ErrNoChallenge
	}
	return n, nil
}

func (s *Store) drop(ctx context.Context, email string) {
	_ = s.client.Del(ctx, s.challengeKey(email), s.attemptsKey(email)).Err()
}

func (s *Store) challengeKey(email string) string {
	return fmt.Sprintf("%s:challenge:%s", s.keyPrefix, email)
}

func (s *Store) attemptsKey(email string) string {
	return fmt.Sprintf("%s:attempts:%s", s.keyPrefix, email)
}

func (s *Store) resendKey(email string) string {
	return fmt.Sprintf("%s:resend:%s", s.keyPrefix, email)
}
