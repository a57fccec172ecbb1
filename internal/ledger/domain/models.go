package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	SourceTypeDeposit LedgerSourceType = "deposit" // attached payment held in escrow
	SourceTypeRefund  LedgerSourceType = "refund"  // escrow returned to a consumer
)

const (
	// AccountCodeEscrow holds consumer deposits until they are refunded or earned.
	AccountCodeEscrow = "escrow"

	accountCodePrefix = "account:"
)

// AccountCode returns the ledger account code for an external address.
func AccountCode(address string) string {
	return accountCodePrefix + address
}

// LedgerAccount defines a chart-of-accounts entry.
type LedgerAccount struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Code      string       `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_code"`
	Name      string       `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry captures the immutable header for a financial event.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	SourceType LedgerSourceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceID   string           `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	Currency   string           `gorm:"type:text;not null"`
	OccurredAt time.Time        `gorm:"not null"`
	CreatedAt  time.Time        `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Amount        int64                `gorm:"not null"`
	CreatedAt     time.Time            `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }

type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusSucceeded TransferStatus = "succeeded"
	TransferStatusFailed    TransferStatus = "failed"
)

// LedgerTransfer is an outbound movement of escrowed funds to an address.
// It is requested first and settled by a later confirmation.
type LedgerTransfer struct {
	ID            string         `gorm:"primaryKey;type:text"`
	ToAddress     string         `gorm:"type:text;not null;index"`
	Amount        int64          `gorm:"not null"`
	Reference     string         `gorm:"type:text;not null;uniqueIndex:idx_ledger_transfers_reference"`
	Status        TransferStatus `gorm:"type:text;not null;index"`
	FailureReason string         `gorm:"type:text;not null;default:''"`
	RequestedAt   time.Time      `gorm:"not null"`
	SettledAt     *time.Time
}

// TableName sets the database table name.
func (LedgerTransfer) TableName() string { return "ledger_transfers" }
