package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"memome/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID         string    `gorm:"primaryKey"`
	Username   string    `gorm:"uniqueIndex;not null"`
	Email      string    `gorm:"uniqueIndex;not null"`
	AllowFiles bool      `gorm:"not null;default:true"`
	AllowTexts bool      `gorm:"not null;default:true"`
	Disabled   bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"not null"`
}

type ProfileModel struct {
	UserID     string  `gorm:"primaryKey"`
	PollPoints float64 `gorm:"not null;default:0"`
}

type MessageModel struct {
	ID      string `gorm:"primaryKey"`
	OwnerID string `gorm:"not null;index"`
	// Text holds the sealed message text.
	Text      string         `gorm:"type:text"`
	Files     datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

type PollModel struct {
	ID        string         `gorm:"primaryKey"`
	OwnerID   string         `gorm:"not null;index"`
	Title     string         `gorm:"type:text"`
	Files     datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

type OptionModel struct {
	ID       string `gorm:"primaryKey"`
	PollID   string `gorm:"not null;index"`
	Position int    `gorm:"not null"`
	Text     string `gorm:"type:text;not null"`
}

// fileRecord is the persisted form of an attachment. Unlike the API form it keeps the key.
type fileRecord struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

func filesToJSON(attachments []domain.Attachment) (datatypes.JSON, error) {
	records := make([]fileRecord, 0, len(attachments))
	for _, a := range attachments {
		records = append(records, fileRecord{Key: a.StorageKey, URL: a.URL, Type: a.MediaType})
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func filesFromJSON(raw datatypes.JSON) ([]domain.Attachment, error) {
	out := []domain.Attachment{}
	if len(raw) == 0 {
		return out, nil
	}
	var records []fileRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	for _, r := range records {
		out = append(out, domain.Attachment{StorageKey: r.Key, URL: r.URL, MediaType: r.Type})
	}
	return out, nil
}

func userFromModel(m UserModel) domain.User {
	return domain.User{ID: m.ID, Username: m.Username, Email: m.Email, CreatedAt: m.CreatedAt}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	files, err := filesToJSON(msg.Attachments)
	if err != nil {
		return MessageModel{}, err
	}
	return MessageModel{ID: msg.ID, OwnerID: msg.OwnerID, Text: msg.Text, Files: files, CreatedAt: msg.CreatedAt}, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	files, err := filesFromJSON(m.Files)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{ID: m.ID, OwnerID: m.OwnerID, Text: m.Text, Attachments: files, CreatedAt: m.CreatedAt}, nil
}

func pollFromModel(m PollModel, options []OptionModel) (domain.Poll, error) {
	files, err := filesFromJSON(m.Files)
	if err != nil {
		return domain.Poll{}, err
	}
	opts := make([]domain.Option, 0, len(options))
	for _, o := range options {
		opts = append(opts, domain.Option{ID: o.ID, PollID: o.PollID, Text: o.Text})
	}
	return domain.Poll{ID: m.ID, OwnerID: m.OwnerID, Title: m.Title, Options: opts, Attachments: files, CreatedAt: m.CreatedAt}, nil
}
