package storage

import (
	"time"

	"gorm.io/gorm"
)

// EventRecord indexes one committed protocol event. Sequence is the
// protocol event id and orders the stream.
type EventRecord struct {
	Sequence   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Type       string `gorm:"size:64;index"`
	Account    string `gorm:"size:42;index"`
	PoolIndex  *int   `gorm:"index"`
	Attributes string `gorm:"type:text"`
	CreatedAt  time.Time
}

// IdempotencyRecord stores the first response for an Idempotency-Key.
// Fingerprint binds the key to the request it was first used with.
type IdempotencyRecord struct {
	Key         string `gorm:"primaryKey;size:128"`
	Principal   string `gorm:"size:42;index"`
	Fingerprint string `gorm:"size:64"`
	RequestID   string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EventRecord{},
		&IdempotencyRecord{},
	)
}
