package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"clonechain/core/events"
	"clonechain/core/types"
)

var (
	// ErrPathRequired is returned when the sqlite path is missing.
	ErrPathRequired = errors.New("cloned storage path must be configured")
	// ErrUnsupportedDriver is returned for drivers other than sqlite and postgres.
	ErrUnsupportedDriver = errors.New("cloned storage driver not supported")
	// ErrIdempotencyNotFound is returned when no response is stored for a key.
	ErrIdempotencyNotFound = errors.New("idempotency key not found")
)

// Storage wraps the gorm handle backing the event index and idempotency
// records.
type Storage struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Storage, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			return nil, ErrPathRequired
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db, logger: slog.Default()}, nil
}

// SetLogger overrides the logger used for indexing failures.
func (s *Storage) SetLogger(logger *slog.Logger) {
	if s == nil || logger == nil {
		return
	}
	s.logger = logger
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter by indexing e. Duplicate sequences are
// ignored so replays after a restart are harmless.
func (s *Storage) Emit(e events.Event) {
	if s == nil || e == nil {
		return
	}
	if err := s.RecordEvent(context.Background(), e.Event()); err != nil {
		s.logger.Error("index event", slog.String("type", e.EventType()), slog.Any("error", err))
	}
}

// RecordEvent persists evt keyed by its sequence.
func (s *Storage) RecordEvent(ctx context.Context, evt *types.Event) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if evt == nil {
		return nil
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	record := EventRecord{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		Account:    evt.Attributes["user"],
		Attributes: string(attrs),
		CreatedAt:  time.Now().UTC(),
	}
	if raw, ok := evt.Attributes["poolIndex"]; ok {
		if v, err := strconv.Atoi(raw); err == nil {
			record.PoolIndex = &v
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// EventQuery filters EventsAfter. Zero values match everything.
type EventQuery struct {
	After   uint64
	Type    string
	Account string
	Limit   int
}

// EventsAfter returns indexed events with sequence greater than q.After in
// ascending order.
func (s *Storage) EventsAfter(ctx context.Context, q EventQuery) ([]types.Event, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	tx := s.db.WithContext(ctx).Where("sequence > ?", q.After)
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Account != "" {
		tx = tx.Where("account = ?", q.Account)
	}
	var records []EventRecord
	if err := tx.Order("sequence asc").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	out := make([]types.Event, 0, len(records))
	for _, record := range records {
		evt := types.Event{Sequence: record.Sequence, Type: record.Type}
		if err := json.Unmarshal([]byte(record.Attributes), &evt.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", record.Sequence, err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// LastSequence returns the highest indexed event id, or zero when empty.
func (s *Storage) LastSequence(ctx context.Context) (uint64, error) {
	var last sql.NullInt64
	if err := s.db.WithContext(ctx).Model(&EventRecord{}).Select("MAX(sequence)").Row().Scan(&last); err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

// Fingerprint hashes the parts of a request that must match for a key to be
// replayed.
func Fingerprint(principal, method, path string, body []byte) string {
	h := blake3.New(32, nil)
	for _, part := range []string{principal, method, path} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// LookupIdempotency returns the stored response for key.
func (s *Storage) LookupIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIdempotencyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return &record, nil
}

// SaveIdempotency stores the first response for a key. A concurrent insert
// of the same key keeps the earlier record.
func (s *Storage) SaveIdempotency(ctx context.Context, record *IdempotencyRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record).Error
}

// PruneIdempotency deletes records older than cutoff and returns the count.
func (s *Storage) PruneIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
