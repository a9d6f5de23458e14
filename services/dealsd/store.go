package dealsd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// IdempotencyRecord caches the response produced for a caller's key.
type IdempotencyRecord struct {
	Caller      string `gorm:"primaryKey;size:64"`
	Key         string `gorm:"column:idem_key;primaryKey;size:128"`
	RequestHash string `gorm:"size:64;not null"`
	Status      int    `gorm:"not null"`
	Response    []byte
	CreatedAt   time.Time `gorm:"index"`
}

// TableName pins the idempotency table name.
func (IdempotencyRecord) TableName() string { return "idempotency_keys" }

// AuditEntry is one mutating request seen by the API.
type AuditEntry struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp   time.Time `gorm:"index;not null" json:"timestamp"`
	Caller      string    `gorm:"size:64;index" json:"caller,omitempty"`
	RequestID   string    `gorm:"size:128" json:"requestId,omitempty"`
	Method      string    `gorm:"size:8;not null" json:"method"`
	Path        string    `gorm:"size:256;not null" json:"path"`
	RequestHash string    `gorm:"size:64" json:"requestHash,omitempty"`
	Status      int       `gorm:"not null" json:"status"`
}

// TableName pins the audit table name.
func (AuditEntry) TableName() string { return "audit_log" }

// Store manages idempotency keys and the request audit log.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (or creates) the SQLite store at path.
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	if err := singleWriter(db); err != nil {
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing gorm handle and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("store database required")
	}
	if err := db.AutoMigrate(&IdempotencyRecord{}, &AuditEntry{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// singleWriter funnels an embedded SQLite handle through one connection so
// concurrent writers queue instead of failing with SQLITE_BUSY.
func singleWriter(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(1)
	return nil
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for key, nil when unseen, or
// ErrIdempotencyMismatch when the key was used for a different request.
func (s *Store) LookupIdempotency(ctx context.Context, caller, key, requestHash string) (*StoredResponse, error) {
	var record IdempotencyRecord
	err := s.db.WithContext(ctx).Where("caller = ? AND idem_key = ?", caller, key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: record.Status, Body: record.Response}, nil
}

// SaveIdempotency caches the response produced for key.
func (s *Store) SaveIdempotency(ctx context.Context, caller, key, requestHash string, status int, body []byte) error {
	record := IdempotencyRecord{
		Caller:      caller,
		Key:         key,
		RequestHash: requestHash,
		Status:      status,
		Response:    body,
		CreatedAt:   time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

// PruneIdempotency drops cached responses older than cutoff.
func (s *Store) PruneIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

// InsertAuditLog appends entry to the audit log.
func (s *Store) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	entry.ID = 0
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return s.db.WithContext(ctx).Create(&entry).Error
}

// RecentAudit returns the newest entries first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []AuditEntry
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func hashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
