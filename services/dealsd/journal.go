package dealsd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sponsorvault/core/types"
	"sponsorvault/services/dealsd/config"
)

const maxJournalPage = 500

// Notification is one committed deal event as recorded in the journal.
type Notification struct {
	Seq        uint64            `gorm:"primaryKey;autoIncrement" json:"seq"`
	Type       string            `gorm:"size:64;index;not null" json:"type"`
	DealID     string            `gorm:"size:128;index" json:"dealId,omitempty"`
	Payload    string            `gorm:"type:text;not null" json:"-"`
	Attributes map[string]string `gorm:"-" json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// TableName pins the journal table name.
func (Notification) TableName() string { return "deal_notifications" }

// Journal is the append-only notification log backing GET /v1/events and the
// stream backlog.
type Journal struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// OpenJournal connects to the configured backend and migrates the schema.
func OpenJournal(driver, dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	embedded := false
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case config.JournalSQLite, "":
		dialector = sqlite.Open(dsn)
		embedded = true
	case config.JournalPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	journal, err := NewJournal(db)
	if err != nil {
		return nil, err
	}
	if embedded {
		if err := singleWriter(db); err != nil {
			return nil, err
		}
	}
	return journal, nil
}

// NewJournal wraps an existing gorm handle.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal database required")
	}
	if err := db.AutoMigrate(&Notification{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, nowFn: time.Now}, nil
}

// Append records evt and returns the stored notification with its sequence.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (Notification, error) {
	if evt == nil {
		return Notification{}, errors.New("nil event")
	}
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		return Notification{}, err
	}
	record := Notification{
		Type:       evt.Type,
		DealID:     evt.Attr("dealId"),
		Payload:    string(payload),
		Attributes: copyAttributes(evt.Attributes),
		CreatedAt:  j.nowFn().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Notification{}, fmt.Errorf("append notification: %w", err)
	}
	return record, nil
}

// Since returns notifications with a sequence greater than after, oldest first.
// A blank dealID matches every deal.
func (j *Journal) Since(ctx context.Context, after uint64, dealID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > maxJournalPage {
		limit = maxJournalPage
	}
	query := j.db.WithContext(ctx).Where("seq > ?", after)
	if id := strings.TrimSpace(dealID); id != "" {
		query = query.Where("deal_id = ?", id)
	}
	var rows []Notification
	if err := query.Order("seq ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	for i := range rows {
		if err := json.Unmarshal([]byte(rows[i].Payload), &rows[i].Attributes); err != nil {
			return nil, fmt.Errorf("decode notification %d: %w", rows[i].Seq, err)
		}
	}
	return rows, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
