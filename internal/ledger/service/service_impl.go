package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/minutely/internal/config"
	ledgerdomain "github.com/smallbiznis/minutely/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/minutely/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Repo           ledgerdomain.Repository
	MarketplaceCfg *config.MarketplaceConfigHolder `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics             `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	repo           ledgerdomain.Repository
	marketplaceCfg *config.MarketplaceConfigHolder
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("ledger.service"),
		genID:          p.GenID,
		repo:           p.Repo,
		marketplaceCfg: p.MarketplaceCfg,
		obsMetrics:     p.ObsMetrics,
	}
}

// WithTx returns a copy of the service bound to tx.
func (s *Service) WithTx(tx *gorm.DB) ledgerdomain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) RecordDeposit(ctx context.Context, req ledgerdomain.DepositRequest) error {
	from := strings.TrimSpace(req.From)
	if from == "" {
		return ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return ledgerdomain.ErrInvalidReference
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.postEntry(ctx, tx, ledgerdomain.SourceTypeDeposit, reference, ledgerdomain.AccountCode(from), ledgerdomain.AccountCodeEscrow, req.Amount)
	})
}

func (s *Service) RequestTransfer(ctx context.Context, req ledgerdomain.TransferRequest) (string, error) {
	to := strings.TrimSpace(req.To)
	if to == "" {
		return "", ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return "", ledgerdomain.ErrInvalidAmount
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return "", ledgerdomain.ErrInvalidReference
	}

	transfer := &ledgerdomain.LedgerTransfer{
		ID:          ulid.Make().String(),
		ToAddress:   to,
		Amount:      req.Amount,
		Reference:   reference,
		Status:      ledgerdomain.TransferStatusPending,
		RequestedAt: time.Now().UTC(),
	}
	inserted, err := s.repo.InsertTransfer(ctx, s.db, transfer)
	if err != nil {
		return "", fmt.Errorf("insert transfer: %w", err)
	}
	if !inserted {
		return s.existingTransfer(ctx, transfer)
	}

	s.log.Debug("transfer requested",
		zap.String("transfer_id", transfer.ID),
		zap.String("to", to),
		zap.Int64("amount", req.Amount),
		zap.String("reference", reference),
	)
	return transfer.ID, nil
}

// existingTransfer resolves a repeated request for the same reference to the
// transfer already on record. The same reference with a different payee or
// amount is rejected.
func (s *Service) existingTransfer(ctx context.Context, req *ledgerdomain.LedgerTransfer) (string, error) {
	existing, err := s.repo.FindTransferByReference(ctx, s.db, req.Reference)
	if err != nil {
		return "", fmt.Errorf("find transfer: %w", err)
	}
	if existing == nil {
		return "", ledgerdomain.ErrTransferNotFound
	}
	if existing.ToAddress != req.ToAddress || existing.Amount != req.Amount {
		return "", ledgerdomain.ErrReferenceConflict
	}
	s.log.Debug("transfer request replayed",
		zap.String("transfer_id", existing.ID),
		zap.String("reference", existing.Reference),
	)
	return existing.ID, nil
}

// ConfirmTransfer settles a pending transfer. Settled transfers return their
// recorded outcome unchanged.
func (s *Service) ConfirmTransfer(ctx context.Context, transferID string) (ledgerdomain.TransferOutcome, error) {
	transferID = strings.TrimSpace(transferID)
	if transferID == "" {
		return ledgerdomain.TransferOutcome{}, ledgerdomain.ErrTransferNotFound
	}

	var outcome ledgerdomain.TransferOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		transfer, err := s.repo.FindTransfer(ctx, tx, transferID)
		if err != nil {
			return err
		}
		if transfer == nil {
			return ledgerdomain.ErrTransferNotFound
		}
		if transfer.Status != ledgerdomain.TransferStatusPending {
			outcome = toOutcome(transfer)
			return nil
		}

		escrow, err := s.repo.AccountBalance(ctx, tx, ledgerdomain.AccountCodeEscrow)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		transfer.SettledAt = &now
		if escrow < transfer.Amount {
			transfer.Status = ledgerdomain.TransferStatusFailed
			transfer.FailureReason = ledgerdomain.FailureReasonInsufficientEscrow
		} else {
			if err := s.postEntry(ctx, tx, ledgerdomain.SourceTypeRefund, transfer.ID, ledgerdomain.AccountCodeEscrow, ledgerdomain.AccountCode(transfer.ToAddress), transfer.Amount); err != nil {
				return err
			}
			transfer.Status = ledgerdomain.TransferStatusSucceeded
		}

		if err := s.repo.UpdateTransferStatus(ctx, tx, transfer); err != nil {
			return err
		}
		outcome = toOutcome(transfer)
		return nil
	})
	if err != nil {
		return ledgerdomain.TransferOutcome{}, err
	}
	return outcome, nil
}

func (s *Service) Balance(ctx context.Context, address string) (int64, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return 0, ledgerdomain.ErrInvalidAccount
	}
	return s.repo.AccountBalance(ctx, s.db, ledgerdomain.AccountCode(address))
}

func (s *Service) EscrowBalance(ctx context.Context) (int64, error) {
	return s.repo.AccountBalance(ctx, s.db, ledgerdomain.AccountCodeEscrow)
}

// postEntry writes a two-line entry moving amount from debitCode to creditCode.
func (s *Service) postEntry(ctx context.Context, tx *gorm.DB, sourceType ledgerdomain.LedgerSourceType, sourceID string, debitCode string, creditCode string, amount int64) error {
	debitAccount, err := s.ensureAccount(ctx, tx, debitCode)
	if err != nil {
		return err
	}
	creditAccount, err := s.ensureAccount(ctx, tx, creditCode)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	lines := []ledgerdomain.LedgerEntryLine{
		{ID: s.genID.Generate(), AccountID: debitAccount.ID, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: amount, CreatedAt: now},
		{ID: s.genID.Generate(), AccountID: creditAccount.ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: amount, CreatedAt: now},
	}
	if err := ledgerdomain.ValidateBalanced(lines); err != nil {
		return err
	}

	entry := &ledgerdomain.LedgerEntry{
		ID:         s.genID.Generate(),
		SourceType: sourceType,
		SourceID:   sourceID,
		Currency:   s.currency(),
		OccurredAt: now,
		CreatedAt:  now,
	}
	inserted, err := s.repo.InsertEntry(ctx, tx, entry)
	if err != nil {
		return err
	}
	if !inserted {
		// Same source already posted.
		return nil
	}

	for i := range lines {
		lines[i].LedgerEntryID = entry.ID
		if err := s.repo.InsertLine(ctx, tx, &lines[i]); err != nil {
			return err
		}
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(sourceType))
	return nil
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, code string) (*ledgerdomain.LedgerAccount, error) {
	return s.repo.EnsureAccount(ctx, tx, &ledgerdomain.LedgerAccount{
		ID:        s.genID.Generate(),
		Code:      code,
		Name:      code,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Service) currency() string {
	return s.marketplaceCfg.Get().Currency
}

func toOutcome(transfer *ledgerdomain.LedgerTransfer) ledgerdomain.TransferOutcome {
	return ledgerdomain.TransferOutcome{
		TransferID: transfer.ID,
		Status:     transfer.Status,
		Reason:     transfer.FailureReason,
	}
}
