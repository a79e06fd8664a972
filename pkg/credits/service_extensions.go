package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ApplyPurchase credits an account from an external payment confirmation.
// paymentID is the idempotency key: replaying a confirmed payment returns the
// current account unchanged. Purchases are never denied for balance reasons.
func (service *Service) ApplyPurchase(ctx context.Context, accountID string, amount Credits, paymentID string, metadataJSON string) (Account, error) {
	if err := validateAccountID(accountID); err != nil {
		return Account{}, err
	}
	if amount <= 0 {
		return Account{}, fmt.Errorf("%w: purchase amount must be positive", ErrInvalidAmount)
	}
	if strings.TrimSpace(paymentID) == "" {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentID)
	}
	metadata, err := normalizeMetadataJSON(metadataJSON)
	if err != nil {
		return Account{}, err
	}
	var account Account
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetOrCreateAccount(ctx, accountID)
		if err != nil {
			return err
		}
		_, found, err := transactionStore.FindEntry(ctx, accountID, EntryPurchase, paymentID)
		if err != nil {
			return err
		}
		if found {
			account = current
			return nil
		}
		entry := Entry{
			AccountID:        current.AccountID,
			Kind:             EntryPurchase,
			Amount:           amount,
			OperationID:      paymentID,
			ResultingBalance: current.Balance + amount,
			MetadataJSON:     metadata,
			CreatedUnixUTC:   service.nowFn(),
		}
		if err := transactionStore.AppendEntry(ctx, entry); err != nil {
			return err
		}
		updated, err := transactionStore.ApplyDelta(ctx, current.AccountID, amount, current.Version)
		if err != nil {
			return err
		}
		account = updated
		return nil
	})
	if errors.Is(operationError, ErrDuplicateEntry) {
		// Another process confirmed the same payment between our dedup read
		// and the append; the unique index turned the retry into a replay.
		account, operationError = service.store.GetOrCreateAccount(ctx, accountID)
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationPurchase,
		AccountID:   accountID,
		OperationID: paymentID,
		Amount:      amount,
		Error:       operationError,
	})
	return account, operationError
}

// Balance returns the stored balance and the available figure (balance minus
// pending holds).
func (service *Service) Balance(ctx context.Context, accountID string) (Balance, error) {
	if err := validateAccountID(accountID); err != nil {
		return Balance{}, err
	}
	account, err := service.store.GetOrCreateAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	holds, err := service.store.SumPendingHolds(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	available := account.Balance - holds
	if available < 0 {
		return Balance{}, WrapError("service", "balance", "negative_available", ErrNegativeBalance)
	}
	return Balance{Total: account.Balance, Available: available}, nil
}

// ListEntries lists ledger entries for an account in reverse creation order.
func (service *Service) ListEntries(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, limit)
}

func normalizeMetadataJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return defaultMetadataJSON, nil
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return normalized, nil
}
