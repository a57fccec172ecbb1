package repository

import (
	"context"

	ledgerdomain "github.com/smallbiznis/minutely/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) EnsureAccount(ctx context.Context, db *gorm.DB, account *ledgerdomain.LedgerAccount) (*ledgerdomain.LedgerAccount, error) {
	if err := db.WithContext(ctx).Exec(
		`INSERT INTO ledger_accounts (id, code, name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (code) DO NOTHING`,
		account.ID,
		account.Code,
		account.Name,
		account.CreatedAt,
	).Error; err != nil {
		return nil, err
	}

	var existing ledgerdomain.LedgerAccount
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, created_at FROM ledger_accounts WHERE code = ? LIMIT 1`,
		account.Code,
	).Scan(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing.ID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	return &existing, nil
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *ledgerdomain.LedgerEntry) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, source_type, source_id, currency, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_type, source_id) DO NOTHING`,
		entry.ID,
		entry.SourceType,
		entry.SourceID,
		entry.Currency,
		entry.OccurredAt,
		entry.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertLine(ctx context.Context, db *gorm.DB, line *ledgerdomain.LedgerEntryLine) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_entry_lines (
			id, ledger_entry_id, account_id, direction, amount, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		line.ID,
		line.LedgerEntryID,
		line.AccountID,
		string(line.Direction),
		line.Amount,
		line.CreatedAt,
	).Error
}

func (r *repo) AccountBalance(ctx context.Context, db *gorm.DB, code string) (int64, error) {
	var balance int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE WHEN l.direction = 'credit' THEN l.amount ELSE -l.amount END), 0)
		 FROM ledger_entry_lines l
		 JOIN ledger_accounts a ON a.id = l.account_id
		 WHERE a.code = ?`,
		code,
	).Scan(&balance).Error
	return balance, err
}

// InsertTransfer reports false when a transfer with the same reference
// already exists.
func (r *repo) InsertTransfer(ctx context.Context, db *gorm.DB, transfer *ledgerdomain.LedgerTransfer) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO ledger_transfers (
			id, to_address, amount, reference, status, failure_reason, requested_at, settled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (reference) DO NOTHING`,
		transfer.ID,
		transfer.ToAddress,
		transfer.Amount,
		transfer.Reference,
		string(transfer.Status),
		transfer.FailureReason,
		transfer.RequestedAt,
		transfer.SettledAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindTransfer(ctx context.Context, db *gorm.DB, id string) (*ledgerdomain.LedgerTransfer, error) {
	return r.findTransfer(ctx, db, "id", id)
}

func (r *repo) FindTransferByReference(ctx context.Context, db *gorm.DB, reference string) (*ledgerdomain.LedgerTransfer, error) {
	return r.findTransfer(ctx, db, "reference", reference)
}

func (r *repo) findTransfer(ctx context.Context, db *gorm.DB, column, value string) (*ledgerdomain.LedgerTransfer, error) {
	var transfer ledgerdomain.LedgerTransfer
	err := db.WithContext(ctx).Raw(
		`SELECT id, to_address, amount, reference, status, failure_reason, requested_at, settled_at
		 FROM ledger_transfers WHERE `+column+` = ? LIMIT 1`,
		value,
	).Scan(&transfer).Error
	if err != nil {
		return nil, err
	}
	if transfer.ID == "" {
		return nil, nil
	}
	return &transfer, nil
}

func (r *repo) UpdateTransferStatus(ctx context.Context, db *gorm.DB, transfer *ledgerdomain.LedgerTransfer) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ledger_transfers
		 SET status = ?, failure_reason = ?, settled_at = ?
		 WHERE id = ? AND status = ?`,
		string(transfer.Status),
		transfer.FailureReason,
		transfer.SettledAt,
		transfer.ID,
		string(ledgerdomain.TransferStatusPending),
	).Error
}
