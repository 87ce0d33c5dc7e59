package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a setting does not exist.
var ErrNotFound = errors.New("not found")

// Store is the sqlite-backed persistence of the daemon: settings (fernet key,
// encrypted credentials) and the tunnel journal.
type Store struct {
	DB *gorm.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}, &TunnelRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) GetSetting(key string) (string, error) {
	var st Setting
	if err := s.DB.Where("key = ?", key).First(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return st.Value, nil
}

func (s *Store) SetSetting(key, value string) error {
	return s.DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func (s *Store) DeleteSetting(key string) error {
	return s.DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// Tunnel journal

// OpenTunnel records a newly opened tunnel and returns its record ID.
func (s *Store) OpenTunnel(resource, hosting string, port int, url string, at time.Time) (uint, error) {
	rec := TunnelRecord{
		Resource:        resource,
		HostingWorkload: hosting,
		LocalPort:       port,
		URL:             url,
		OpenedAt:        at,
	}
	if err := s.DB.Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("record tunnel open: %w", err)
	}
	return rec.ID, nil
}

// CloseTunnel stamps the record with its close time and reason.
func (s *Store) CloseTunnel(id uint, reason string, at time.Time) error {
	res := s.DB.Model(&TunnelRecord{}).Where("id = ? AND closed_at IS NULL", id).
		Updates(map[string]interface{}{"closed_at": at, "close_reason": reason})
	if res.Error != nil {
		return fmt.Errorf("record tunnel close: %w", res.Error)
	}
	return nil
}

// TunnelHistory returns the most recent records, newest first.
func (s *Store) TunnelHistory(limit int) ([]TunnelRecord, error) {
	var recs []TunnelRecord
	q := s.DB.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// CloseDangling marks records left open by an unclean shutdown.
func (s *Store) CloseDangling(at time.Time) (int64, error) {
	res := s.DB.Model(&TunnelRecord{}).Where("closed_at IS NULL").
		Updates(map[string]interface{}{"closed_at": at, "close_reason": "abandoned"})
	return res.RowsAffected, res.Error
}
