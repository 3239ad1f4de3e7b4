package ledger_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/atmx/vault-ledger/internal/ledger"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ledger.ErrInvalidAmount, "invalid_amount"},
		{fmt.Errorf("vault of bob: %w", ledger.ErrVaultNotFound), "vault_not_found"},
		{fmt.Errorf("market %q: %w", "X", ledger.ErrMarketAlreadyResolved), "market_already_resolved"},
		{ledger.ErrTransferFailed, "transfer_failed"},
		{errors.New("connection reset"), "internal"},
	}
	for _, tt := range tests {
		if got := ledger.Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrorClasses(t *testing.T) {
	if !ledger.IsNotFound(fmt.Errorf("x: %w", ledger.ErrPositionNotFound)) {
		t.Error("position not found should be a not-found error")
	}
	if !ledger.IsConflict(ledger.ErrAlreadySettled) || !ledger.IsConflict(ledger.ErrOracleInactive) {
		t.Error("settlement and oracle state errors should be conflicts")
	}
	if !ledger.IsValidation(ledger.ErrStringTooLong) {
		t.Error("string too long should be a validation error")
	}
	if !ledger.IsFunds(ledger.ErrTransferFailed) || !ledger.IsFunds(ledger.ErrInsufficientBalance) {
		t.Error("transfer and balance errors should be funds errors")
	}
	if !ledger.IsAuthError(ledger.ErrUnauthorized) || ledger.IsAuthError(ledger.ErrVaultNotFound) {
		t.Error("only unauthorized is an auth error")
	}
	if ledger.IsValidation(ledger.ErrOverflow) || ledger.IsConflict(ledger.ErrOverflow) {
		t.Error("overflow belongs to no client class")
	}
}
