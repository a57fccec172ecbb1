package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type DepositRequest struct {
	From      string
	Amount    int64
	Reference string
}

type TransferRequest struct {
	To        string
	Amount    int64
	Reference string
}

// TransferOutcome is the observed result of a confirmed transfer.
type TransferOutcome struct {
	TransferID string
	Status     TransferStatus
	Reason     string
}

func (o TransferOutcome) Succeeded() bool {
	return o.Status == TransferStatusSucceeded
}

// Service moves value between accounts. Transfers are two-phase: a request
// is recorded first and its outcome is observed through ConfirmTransfer.
type Service interface {
	WithTx(tx *gorm.DB) Service
	RecordDeposit(ctx context.Context, req DepositRequest) error
	RequestTransfer(ctx context.Context, req TransferRequest) (string, error)
	ConfirmTransfer(ctx context.Context, transferID string) (TransferOutcome, error)
	Balance(ctx context.Context, address string) (int64, error)
	EscrowBalance(ctx context.Context) (int64, error)
}

type Repository interface {
	EnsureAccount(ctx context.Context, db *gorm.DB, account *LedgerAccount) (*LedgerAccount, error)
	InsertEntry(ctx context.Context, db *gorm.DB, entry *LedgerEntry) (bool, error)
	InsertLine(ctx context.Context, db *gorm.DB, line *LedgerEntryLine) error
	AccountBalance(ctx context.Context, db *gorm.DB, code string) (int64, error)
	InsertTransfer(ctx context.Context, db *gorm.DB, transfer *LedgerTransfer) (bool, error)
	FindTransfer(ctx context.Context, db *gorm.DB, id string) (*LedgerTransfer, error)
	FindTransferByReference(ctx context.Context, db *gorm.DB, reference string) (*LedgerTransfer, error)
	UpdateTransferStatus(ctx context.Context, db *gorm.DB, transfer *LedgerTransfer) error
}

var (
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidAmount        = errors.New("invalid_transfer_amount")
	ErrInvalidReference     = errors.New("invalid_reference")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
	ErrTransferNotFound     = errors.New("transfer_not_found")
	ErrReferenceConflict    = errors.New("transfer_reference_conflict")
)

const FailureReasonInsufficientEscrow = "insufficient_escrow"

// ValidateBalanced checks that total debits equal total credits.
func ValidateBalanced(lines []LedgerEntryLine) error {
	if len(lines) < 2 {
		return ErrInvalidEntryLines
	}
	var debit, credit int64
	for _, line := range lines {
		if line.Amount <= 0 {
			return ErrInvalidLineAmount
		}
		switch line.Direction {
		case LedgerEntryDirectionDebit:
			debit += line.Amount
		case LedgerEntryDirectionCredit:
			credit += line.Amount
		default:
			return ErrInvalidLineDirection
		}
	}
	if debit != credit {
		return ErrUnbalancedEntry
	}
	return nil
}
