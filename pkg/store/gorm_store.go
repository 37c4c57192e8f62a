package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"memome/pkg/domain"
)

const migrateLockID int64 = 51705170

const sqlitePrefix = "sqlite:"

// GormStore implements Store using GORM. Postgres in production, SQLite when
// the DSN starts with "sqlite:".
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	sqlitePath, isSQLite := strings.CutPrefix(strings.TrimSpace(dsn), sqlitePrefix)
	var dialector gorm.Dialector
	if isSQLite {
		dialector = sqlite.Open(sqlitePath)
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ProfileModel{}, &MessageModel{}, &PollModel{}, &OptionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if isSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// One connection keeps ":memory:" databases shared across queries.
		sqlDB.SetMaxOpenConns(1)
		err = migrate(db)
	} else {
		err = withMigrationLock(db, migrate)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user with inbox settings.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User, settings domain.Settings) error {
	model := UserModel{
		ID:         u.ID,
		Username:   u.Username,
		Email:      strings.ToLower(strings.TrimSpace(u.Email)),
		AllowFiles: settings.AllowFiles,
		AllowTexts: settings.AllowTexts,
		CreatedAt:  u.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	// Map form so false settings are written rather than skipped as zero values.
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "email", "allow_files", "allow_texts"}),
	}).Model(&UserModel{}).Create(map[string]any{
		"id":          model.ID,
		"username":    model.Username,
		"email":       model.Email,
		"allow_files": model.AllowFiles,
		"allow_texts": model.AllowTexts,
		"disabled":    false,
		"created_at":  model.CreatedAt,
	}).Error
}

// SetAccountDisabled flips the owner-controlled disabled flag.
func (s *GormStore) SetAccountDisabled(ctx context.Context, userID string, disabled bool) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", userID).Update("disabled", disabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUser finds a user by id.
func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return domain.User{}, notFound(err)
	}
	return userFromModel(model), nil
}

// GetUserByEmail finds a user by normalized email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error; err != nil {
		return domain.User{}, notFound(err)
	}
	return userFromModel(model), nil
}

// GetRecipient resolves a username to the user and the flags that gate delivery.
func (s *GormStore) GetRecipient(ctx context.Context, username string) (domain.Recipient, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "username = ?", strings.TrimSpace(username)).Error; err != nil {
		return domain.Recipient{}, notFound(err)
	}
	return domain.Recipient{
		User:            userFromModel(model),
		Settings:        domain.Settings{AllowFiles: model.AllowFiles, AllowTexts: model.AllowTexts},
		AccountDisabled: model.Disabled,
	}, nil
}

// GetProfile returns the user's point counters. A user without polls has zero points.
func (s *GormStore) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var model ProfileModel
	err := s.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Profile{UserID: userID}, nil
	}
	if err != nil {
		return domain.Profile{}, err
	}
	return domain.Profile{UserID: model.UserID, PollPoints: model.PollPoints}, nil
}

// CreateMessage persists sealed text, descriptors and owner link in one insert.
func (s *GormStore) CreateMessage(ctx context.Context, msg domain.Message) error {
	model, err := messageToModel(msg)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetMessageForOwner returns ErrNotFound for both missing and foreign messages.
func (s *GormStore) GetMessageForOwner(ctx context.Context, ownerID, id string) (domain.Message, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		return domain.Message{}, notFound(err)
	}
	return messageFromModel(model)
}

// ListMessages returns the owner's newest messages first.
func (s *GormStore) ListMessages(ctx context.Context, ownerID string, limit int) ([]domain.Message, error) {
	var models []MessageModel
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg, err := messageFromModel(m)
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", m.ID, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// DeleteMessage removes the owner's message row.
func (s *GormStore) DeleteMessage(ctx context.Context, ownerID, id string) error {
	res := s.db.WithContext(ctx).Delete(&MessageModel{}, "id = ? AND owner_id = ?", id, ownerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePoll writes the poll row, its options and the profile point
// increment in one transaction. Any failure leaves no trace of the poll.
func (s *GormStore) CreatePoll(ctx context.Context, poll domain.Poll, points float64) error {
	files, err := filesToJSON(poll.Attachments)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := PollModel{ID: poll.ID, OwnerID: poll.OwnerID, Title: poll.Title, Files: files, CreatedAt: poll.CreatedAt}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("create poll: %w", err)
		}
		options := make([]OptionModel, 0, len(poll.Options))
		for i, o := range poll.Options {
			options = append(options, OptionModel{ID: o.ID, PollID: poll.ID, Position: i, Text: o.Text})
		}
		if len(options) > 0 {
			if err := tx.Create(&options).Error; err != nil {
				return fmt.Errorf("create options: %w", err)
			}
		}
		if points == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ProfileModel{UserID: poll.OwnerID}).Error; err != nil {
			return fmt.Errorf("ensure profile: %w", err)
		}
		if err := tx.Model(&ProfileModel{}).Where("user_id = ?", poll.OwnerID).
			UpdateColumn("poll_points", gorm.Expr("poll_points + ?", points)).Error; err != nil {
			return fmt.Errorf("increment poll points: %w", err)
		}
		return nil
	})
}

// GetPollForOwner returns ErrNotFound for both missing and foreign polls.
func (s *GormStore) GetPollForOwner(ctx context.Context, ownerID, id string) (domain.Poll, error) {
	db := s.db.WithContext(ctx)
	var model PollModel
	if err := db.First(&model, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		return domain.Poll{}, notFound(err)
	}
	var options []OptionModel
	if err := db.Where("poll_id = ?", id).Order("position ASC").Find(&options).Error; err != nil {
		return domain.Poll{}, err
	}
	return pollFromModel(model, options)
}

// ListPolls returns the owner's newest polls first, with options.
func (s *GormStore) ListPolls(ctx context.Context, ownerID string, limit int) ([]domain.Poll, error) {
	db := s.db.WithContext(ctx)
	var models []PollModel
	q := db.Where("owner_id = ?", ownerID).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return []domain.Poll{}, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var options []OptionModel
	if err := db.Where("poll_id IN ?", ids).Order("position ASC").Find(&options).Error; err != nil {
		return nil, err
	}
	byPoll := make(map[string][]OptionModel, len(models))
	for _, o := range options {
		byPoll[o.PollID] = append(byPoll[o.PollID], o)
	}
	out := make([]domain.Poll, 0, len(models))
	for _, m := range models {
		poll, err := pollFromModel(m, byPoll[m.ID])
		if err != nil {
			return nil, fmt.Errorf("decode poll %s: %w", m.ID, err)
		}
		out = append(out, poll)
	}
	return out, nil
}

// DeletePoll removes the owner's poll and its options.
func (s *GormStore) DeletePoll(ctx context.Context, ownerID, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&PollModel{}, "id = ? AND owner_id = ?", id, ownerID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Delete(&OptionModel{}, "poll_id = ?", id).Error
	})
}

// RecordExists reports whether a message or poll row with id exists.
func (s *GormStore) RecordExists(ctx context.Context, kind domain.ResourceKind, id string) (bool, error) {
	var model any
	switch kind {
	case domain.KindMessage:
		model = &MessageModel{}
	case domain.KindPoll:
		model = &PollModel{}
	default:
		return false, fmt.Errorf("unknown resource kind %q", kind)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
