package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mindgraph/internal/db"
)

// GormStore persists session records through GORM. It supports the
// sqlite and postgres drivers.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (or creates) the database and runs migrations.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := db.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&sessionRow{})
}

type sessionRow struct {
	ID           string    `gorm:"primaryKey;size:191"`
	Context      string    `gorm:"size:191;index"`
	MessageCount int       `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	LastUsedAt   time.Time `gorm:"not null;index"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toRecord() SessionRecord {
	return SessionRecord{
		ID:           r.ID,
		Context:      r.Context,
		MessageCount: r.MessageCount,
		CreatedAt:    r.CreatedAt,
		LastUsedAt:   r.LastUsedAt,
	}
}

func rowFromRecord(rec SessionRecord) sessionRow {
	return sessionRow{
		ID:           rec.ID,
		Context:      rec.Context,
		MessageCount: rec.MessageCount,
		CreatedAt:    rec.CreatedAt,
		LastUsedAt:   rec.LastUsedAt,
	}
}

func (s *GormStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	row := rowFromRecord(rec)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) TouchSession(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", id).Updates(map[string]any{
		"message_count": gorm.Expr("message_count + ?", 1),
		"last_used_at":  time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("touch session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).Order("last_used_at DESC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) DeleteSession(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&sessionRow{})
	if res.Error != nil {
		return fmt.Errorf("delete session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
