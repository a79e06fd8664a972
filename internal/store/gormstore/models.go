package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance and version change together
// through the conditional update in ApplyDelta only.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Rows are append-only; seq
// fixes insertion order within a timestamp. Purchase rows deduplicate per
// operation id, reservation-scoped rows per reservation, so an operation id
// may hold again after its previous reservation went terminal.
type LedgerEntry struct {
	Seq              int64          `gorm:"primaryKey;autoIncrement"`
	EntryID          string         `gorm:"type:uuid;not null;uniqueIndex"`
	AccountID        string         `gorm:"not null;index:idx_entries_account_created,priority:1;index:uniq_entry_op,unique,priority:1,where:reservation_id is null"`
	Kind             string         `gorm:"not null;index:uniq_entry_op,unique,priority:2;index:uniq_entry_reservation,unique,priority:1"`
	Amount           int64          `gorm:"not null"`
	OperationID      string         `gorm:"not null;index:uniq_entry_op,unique,priority:3"`
	ReservationID    *string        `gorm:"index:uniq_entry_reservation,unique,priority:2"`
	ResultingBalance int64          `gorm:"not null"`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table. Terminal rows stay behind as
// audit records; the partial unique index allows at most one pending hold per
// operation id and lets a later reserve reuse the id once that hold ends.
type Reservation struct {
	ReservationID string    `gorm:"type:uuid;primaryKey"`
	AccountID     string    `gorm:"not null;index:uniq_reservation_pending,unique,priority:1,where:state = 'pending'"`
	OperationID   string    `gorm:"not null;index:uniq_reservation_pending,unique,priority:2"`
	HeldAmount    int64     `gorm:"not null"`
	State         string    `gorm:"not null;index"`
	ExpiresAt     time.Time `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }
