package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateBalanced(t *testing.T) {
	tests := []struct {
		name    string
		lines   []LedgerEntryLine
		wantErr error
	}{
		{
			name: "balanced",
			lines: []LedgerEntryLine{
				{Direction: LedgerEntryDirectionDebit, Amount: 100},
				{Direction: LedgerEntryDirectionCredit, Amount: 60},
				{Direction: LedgerEntryDirectionCredit, Amount: 40},
			},
		},
		{
			name:    "single line",
			lines:   []LedgerEntryLine{{Direction: LedgerEntryDirectionDebit, Amount: 100}},
			wantErr: ErrInvalidEntryLines,
		},
		{
			name: "unbalanced",
			lines: []LedgerEntryLine{
				{Direction: LedgerEntryDirectionDebit, Amount: 100},
				{Direction: LedgerEntryDirectionCredit, Amount: 99},
			},
			wantErr: ErrUnbalancedEntry,
		},
		{
			name: "zero amount",
			lines: []LedgerEntryLine{
				{Direction: LedgerEntryDirectionDebit, Amount: 0},
				{Direction: LedgerEntryDirectionCredit, Amount: 0},
			},
			wantErr: ErrInvalidLineAmount,
		},
		{
			name: "bad direction",
			lines: []LedgerEntryLine{
				{Direction: "sideways", Amount: 1},
				{Direction: LedgerEntryDirectionCredit, Amount: 1},
			},
			wantErr: ErrInvalidLineDirection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBalanced(tt.lines)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAccountCode(t *testing.T) {
	assert.Equal(t, "account:alice.testnet", AccountCode("alice.testnet"))
}
