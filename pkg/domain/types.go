package domain

import "time"

// ResourceKind namespaces storage keys and pipeline metrics.
type ResourceKind string

const (
	KindMessage ResourceKind = "message"
	KindPoll    ResourceKind = "poll"
)

// Attachment points at one stored binary. It is owned by exactly one record.
type Attachment struct {
	StorageKey string `json:"-"`
	URL        string `json:"url"`
	MediaType  string `json:"type"`
}

// Keys returns the storage keys of attachments in order.
func Keys(attachments []Attachment) []string {
	keys := make([]string, 0, len(attachments))
	for _, a := range attachments {
		keys = append(keys, a.StorageKey)
	}
	return keys
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Settings are the owner's inbox preferences.
type Settings struct {
	AllowFiles bool `json:"allowFiles"`
	AllowTexts bool `json:"allowTexts"`
}

// Recipient is a user together with the flags read once per request.
type Recipient struct {
	User            User
	Settings        Settings
	AccountDisabled bool
}

type Message struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"ownerId"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"files"`
	CreatedAt   time.Time    `json:"createdAt"`
}

type Option struct {
	ID     string `json:"id"`
	PollID string `json:"pollId"`
	Text   string `json:"text"`
}

type Poll struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"ownerId"`
	Title       string       `json:"title,omitempty"`
	Options     []Option     `json:"options"`
	Attachments []Attachment `json:"files"`
	CreatedAt   time.Time    `json:"createdAt"`
}

type Profile struct {
	UserID     string  `json:"userId"`
	PollPoints float64 `json:"pollPoints"`
}
