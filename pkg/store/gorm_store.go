package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"mediagate/pkg/domain"
)

const migrateLockID int64 = 51724093

// GormCatalogStore implements CatalogStore on Postgres via GORM.
type GormCatalogStore struct {
	db *gorm.DB
}

// NewGormCatalogStore opens the DB and runs auto-migrations.
func NewGormCatalogStore(dsn string) (*GormCatalogStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&CatalogEntryModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormCatalogStore{db: db}, nil
}

// PutEntry inserts or overwrites an entry.
func (s *GormCatalogStore) PutEntry(ctx context.Context, entry domain.CatalogEntry) error {
	model, err := entryToModel(entry)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "media", "added_by", "created_at"}),
	}).Create(&model).Error
	if err != nil {
		return unavailable("put entry", err)
	}
	return nil
}

// GetEntry retrieves an entry by key.
func (s *GormCatalogStore) GetEntry(ctx context.Context, key string) (domain.CatalogEntry, bool, error) {
	var model CatalogEntryModel
	if err := s.db.WithContext(ctx).First(&model, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CatalogEntry{}, false, nil
		}
		return domain.CatalogEntry{}, false, unavailable("get entry", err)
	}
	entry, err := entryFromModel(model)
	if err != nil {
		return domain.CatalogEntry{}, false, err
	}
	return entry, true, nil
}

func (s *GormCatalogStore) DeleteEntry(ctx context.Context, key string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&CatalogEntryModel{}, "key = ?", key)
	if res.Error != nil {
		return false, unavailable("delete entry", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RandomKey picks a row by random offset. A concurrent delete between the
// count and the read is reported as an empty pick.
func (s *GormCatalogStore) RandomKey(ctx context.Context) (string, bool, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", false, nil
	}
	var keys []string
	err = s.db.WithContext(ctx).Model(&CatalogEntryModel{}).
		Order("key").
		Offset(rand.IntN(int(n))).
		Limit(1).
		Pluck("key", &keys).Error
	if err != nil {
		return "", false, unavailable("random key", err)
	}
	if len(keys) == 0 {
		return "", false, nil
	}
	return keys[0], true, nil
}

func (s *GormCatalogStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&CatalogEntryModel{}).Count(&n).Error; err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

// DropIndexKey is a no-op: rows are their own index.
func (s *GormCatalogStore) DropIndexKey(context.Context, string) error {
	return nil
}

func entryToModel(entry domain.CatalogEntry) (CatalogEntryModel, error) {
	media, err := json.Marshal(entry.Media)
	if err != nil {
		return CatalogEntryModel{}, fmt.Errorf("marshal media ref: %w", err)
	}
	return CatalogEntryModel{
		Key:       entry.Key,
		Kind:      string(entry.Media.Kind),
		Media:     datatypes.JSON(media),
		AddedBy:   entry.AddedBy,
		CreatedAt: entry.CreatedAt,
	}, nil
}

func entryFromModel(model CatalogEntryModel) (domain.CatalogEntry, error) {
	var media domain.MediaRef
	if err := json.Unmarshal(model.Media, &media); err != nil {
		return domain.CatalogEntry{}, fmt.Errorf("unmarshal media ref %s: %w", model.Key, err)
	}
	return domain.CatalogEntry{
		Key:       model.Key,
		Media:     media,
		AddedBy:   model.AddedBy,
		CreatedAt: model.CreatedAt,
	}, nil
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
