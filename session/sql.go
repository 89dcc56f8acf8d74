package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry is one persisted session id.
type Entry struct {
	Key       string `gorm:"column:session_key;primaryKey;size:255"`
	Value     string `gorm:"column:session_id;size:64;not null"`
	CreatedAt time.Time
}

// TableName pins the table name regardless of naming strategy.
func (Entry) TableName() string { return "webchat_sessions" }

// SQLStore keeps session ids in a SQL database through GORM.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore migrates the sessions table on db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("session: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// OpenSQLite opens (or creates) a SQLite database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}
	return NewSQLStore(db)
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where("session_key = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return e.Value, true, nil
}

// SetIfAbsent inserts with ON CONFLICT DO NOTHING and reads back the winner.
func (s *SQLStore) SetIfAbsent(ctx context.Context, key, value string) (string, error) {
	e := Entry{Key: key, Value: value}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&e).Error; err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stored, ok, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return value, nil
	}
	return stored, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
