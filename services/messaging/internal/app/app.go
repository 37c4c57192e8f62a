package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"memome/internal/util"
	"memome/pkg/auth"
	"memome/pkg/domain"
	"memome/pkg/pipeline"
	"memome/pkg/seal"
	"memome/pkg/staging"
	"memome/pkg/storage"
	"memome/pkg/store"
	"memome/services/messaging/internal/otp"
)

const (
	pollPointsWithFiles    = 0.65
	pollPointsWithoutFiles = 0.55
	defaultListLimit       = 50
	maxListLimit           = 200
)

// OTPStore issues and verifies one-time codes.
type OTPStore interface {
	Issue(ctx context.Context, email string) (string, error)
	Verify(ctx context.Context, email, code string) error
	TTL() time.Duration
}

// Config holds runtime collaborators for the core application.
type Config struct {
	Store             store.Store
	Objects           storage.ObjectStore
	Orphans           staging.OrphanRecorder
	Sealer            *seal.Sealer
	OTP               OTPStore
	Mailer            Mailer
	Production        bool
	UploadConcurrency int
	MessageLimits     staging.Limits
	PollLimits        staging.Limits
	ShareBaseURL      string
}

// App is the core application service wiring together storage and domain logic.
type App struct {
	store         store.Store
	stager        *staging.Stager
	sealer        *seal.Sealer
	otp           OTPStore
	mailer        Mailer
	production    bool
	messageLimits staging.Limits
	pollLimits    staging.Limits
	shareBaseURL  string
	sanitizer     *bluemonday.Policy
	now           func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sealer == nil {
		return nil, errors.New("text sealer required")
	}
	stager, err := staging.New(staging.Config{
		Store:       cfg.Objects,
		Concurrency: cfg.UploadConcurrency,
		Orphans:     cfg.Orphans,
	})
	if err != nil {
		return nil, err
	}
	mailer := cfg.Mailer
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &App{
		store:         cfg.Store,
		stager:        stager,
		sealer:        cfg.Sealer,
		otp:           cfg.OTP,
		mailer:        mailer,
		production:    cfg.Production,
		messageLimits: cfg.MessageLimits,
		pollLimits:    cfg.PollLimits,
		shareBaseURL:  strings.TrimRight(strings.TrimSpace(cfg.ShareBaseURL), "/"),
		sanitizer:     bluemonday.StrictPolicy(),
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// cleanText strips markup and surrounding space. Entities escaped by the
// policy are decoded again so plain "&" or "<" survive.
func (a *App) cleanText(s string) string {
	return strings.TrimSpace(html.UnescapeString(a.sanitizer.Sanitize(s)))
}

// SendMessageInput is an anonymous message addressed to a username.
type SendMessageInput struct {
	Username string
	Text     string
	Files    []staging.RawFile
}

// SendMessage delivers a message to the recipient's inbox. Files or text the
// recipient does not accept are dropped before validation.
func (a *App) SendMessage(ctx context.Context, in SendMessageInput) (domain.Message, error) {
	recipient, err := a.store.GetRecipient(ctx, in.Username)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Message{}, ErrUserNotFound
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("resolve recipient: %w", err)
	}

	text := a.cleanText(in.Text)
	files := in.Files
	if !recipient.Settings.AllowTexts {
		text = ""
	}
	if !recipient.Settings.AllowFiles {
		files = nil
	}

	id := util.NewID()
	ownerID := recipient.User.ID
	return pipeline.Run(ctx, a.stager, pipeline.Plan[domain.Message]{
		Name: string(domain.KindMessage),
		Validate: func(context.Context) error {
			if recipient.AccountDisabled {
				return &pipeline.PermissionError{Reason: ErrAccountDisabled.Error()}
			}
			if text == "" && len(files) == 0 {
				return invalid(ErrBlankContent)
			}
			return nil
		},
		Files:  files,
		Scope:  staging.Scope{Kind: domain.KindMessage, OwnerID: ownerID, ParentID: id},
		Limits: a.messageLimits,
		Commit: func(ctx context.Context, attachments []domain.Attachment) (domain.Message, error) {
			sealed, err := a.sealer.Seal(text)
			if err != nil {
				return domain.Message{}, fmt.Errorf("seal text: %w", err)
			}
			msg := domain.Message{ID: id, OwnerID: ownerID, Text: sealed, Attachments: attachments, CreatedAt: a.now()}
			if err := a.store.CreateMessage(ctx, msg); err != nil {
				return domain.Message{}, err
			}
			msg.Text = text
			return msg, nil
		},
	})
}

// ListMessages returns the owner's inbox with text unsealed.
func (a *App) ListMessages(ctx context.Context, ownerID string, limit int) ([]domain.Message, error) {
	msgs, err := a.store.ListMessages(ctx, ownerID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		text, err := a.sealer.Open(msgs[i].Text)
		if err != nil {
			return nil, fmt.Errorf("open message %s: %w", msgs[i].ID, err)
		}
		msgs[i].Text = text
	}
	return msgs, nil
}

// DeleteMessage removes one of the owner's messages and its attachments.
func (a *App) DeleteMessage(ctx context.Context, ownerID, id string) (pipeline.DeleteReport, error) {
	return pipeline.Delete(ctx, a.stager, pipeline.DeletePlan{
		Name: string(domain.KindMessage),
		Fetch: func(ctx context.Context) ([]domain.Attachment, error) {
			msg, err := a.store.GetMessageForOwner(ctx, ownerID, id)
			if err != nil {
				return nil, mapNotFound(err)
			}
			return msg.Attachments, nil
		},
		Remove: func(ctx context.Context) error {
			return mapNotFound(a.store.DeleteMessage(ctx, ownerID, id))
		},
	})
}

// CreatePollInput is a poll draft from its owner.
type CreatePollInput struct {
	Title   string
	Options []string
	Files   []staging.RawFile
}

// CreatePollResult carries the committed poll and its public link.
type CreatePollResult struct {
	Poll     domain.Poll `json:"poll"`
	ShareURL string      `json:"url"`
}

// CreatePoll stores a poll with at least two non-blank options and credits
// the owner's poll points. The owner must still exist.
func (a *App) CreatePoll(ctx context.Context, ownerID string, in CreatePollInput) (CreatePollResult, error) {
	title := a.cleanText(in.Title)
	options := make([]string, 0, len(in.Options))
	for _, o := range in.Options {
		if o = a.cleanText(o); o != "" {
			options = append(options, o)
		}
	}

	id := util.NewID()
	poll, err := pipeline.Run(ctx, a.stager, pipeline.Plan[domain.Poll]{
		Name: string(domain.KindPoll),
		Validate: func(ctx context.Context) error {
			if _, err := a.store.GetUser(ctx, ownerID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrUserNotFound
				}
				return fmt.Errorf("resolve poll owner: %w", err)
			}
			if len(options) < 2 {
				return invalid(ErrInsufficientOptions)
			}
			return nil
		},
		Files:  in.Files,
		Scope:  staging.Scope{Kind: domain.KindPoll, OwnerID: ownerID, ParentID: id},
		Limits: a.pollLimits,
		Commit: func(ctx context.Context, attachments []domain.Attachment) (domain.Poll, error) {
			poll := domain.Poll{ID: id, OwnerID: ownerID, Title: title, Attachments: attachments, CreatedAt: a.now()}
			for _, text := range options {
				poll.Options = append(poll.Options, domain.Option{ID: util.NewID(), PollID: id, Text: text})
			}
			points := pollPointsWithoutFiles
			if len(attachments) > 0 {
				points = pollPointsWithFiles
			}
			if err := a.store.CreatePoll(ctx, poll, points); err != nil {
				return domain.Poll{}, err
			}
			return poll, nil
		},
	})
	if err != nil {
		return CreatePollResult{}, err
	}
	return CreatePollResult{Poll: poll, ShareURL: a.shareURL(ownerID, poll.ID)}, nil
}

func (a *App) shareURL(ownerID, pollID string) string {
	return fmt.Sprintf("%s/poll/%s/%s", a.shareBaseURL, ownerID, pollID)
}

// ListPolls returns the owner's polls.
func (a *App) ListPolls(ctx context.Context, ownerID string, limit int) ([]domain.Poll, error) {
	return a.store.ListPolls(ctx, ownerID, clampLimit(limit))
}

// DeletePoll removes one of the owner's polls with its options and attachments.
func (a *App) DeletePoll(ctx context.Context, ownerID, id string) (pipeline.DeleteReport, error) {
	return pipeline.Delete(ctx, a.stager, pipeline.DeletePlan{
		Name: string(domain.KindPoll),
		Fetch: func(ctx context.Context) ([]domain.Attachment, error) {
			poll, err := a.store.GetPollForOwner(ctx, ownerID, id)
			if err != nil {
				return nil, mapNotFound(err)
			}
			return poll.Attachments, nil
		},
		Remove: func(ctx context.Context) error {
			return mapNotFound(a.store.DeletePoll(ctx, ownerID, id))
		},
	})
}

// IssueOTP sends a fresh one-time code to an existing account. Mail only goes
// out in production.
func (a *App) IssueOTP(ctx context.Context, email string) error {
	if a.otp == nil {
		return errors.New("otp store not configured")
	}
	email, err := auth.NormalizeEmail(email)
	if err != nil {
		return invalid(ErrInvalidEmail)
	}
	if _, err := a.store.GetUserByEmail(ctx, email); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	code, err := a.otp.Issue(ctx, email)
	if errors.Is(err, otp.ErrResendTooSoon) {
		return ErrOTPCooldown
	}
	if err != nil {
		return fmt.Errorf("issue otp: %w", err)
	}
	if !a.production {
		util.LoggerFromContext(ctx).Info("otp issued, mail skipped outside production", "email", maskEmail(email))
		return nil
	}
	return a.mailer.SendOTP(ctx, email, code, a.otp.TTL())
}

// VerifyOTP consumes a previously issued code.
func (a *App) VerifyOTP(ctx context.Context, email, code string) error {
	if a.otp == nil {
		return errors.New("otp store not configured")
	}
	email, err := auth.NormalizeEmail(email)
	if err != nil {
		return invalid(ErrInvalidEmail)
	}
	err = a.otp.Verify(ctx, email, code)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, otp.ErrCodeInvalid), errors.Is(err, otp.ErrCodeExpired), errors.Is(err, otp.ErrNoChallenge):
		return invalid(ErrOTPInvalid)
	default:
		return fmt.Errorf("verify otp: %w", err)
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
