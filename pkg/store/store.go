package store

import (
	"context"
	"errors"

	"memome/pkg/domain"
)

// ErrNotFound is returned when a record is absent or not owned by the caller.
var ErrNotFound = errors.New("record not found")

// Store defines persistence operations for users, messages and polls.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User, settings domain.Settings) error
	SetAccountDisabled(ctx context.Context, userID string, disabled bool) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	// GetRecipient reads user, settings and account flags in one query.
	GetRecipient(ctx context.Context, username string) (domain.Recipient, error)
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)

	// messages
	CreateMessage(ctx context.Context, msg domain.Message) error
	GetMessageForOwner(ctx context.Context, ownerID, id string) (domain.Message, error)
	ListMessages(ctx context.Context, ownerID string, limit int) ([]domain.Message, error)
	DeleteMessage(ctx context.Context, ownerID, id string) error

	// polls
	// CreatePoll stores the poll, its options and the owner's point increment atomically.
	CreatePoll(ctx context.Context, poll domain.Poll, points float64) error
	GetPollForOwner(ctx context.Context, ownerID, id string) (domain.Poll, error)
	ListPolls(ctx context.Context, ownerID string, limit int) ([]domain.Poll, error)
	DeletePoll(ctx context.Context, ownerID, id string) error

	// RecordExists reports whether a message or poll row with id exists.
	RecordExists(ctx context.Context, kind domain.ResourceKind, id string) (bool, error)
}
