package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Service contains the metering logic over a Store. All balance-affecting
// operations on one account are serialized by the store transaction plus a
// version compare-and-swap; conflicting windows are retried a bounded number
// of times.
type Service struct {
	store          Store
	nowFn          func() int64
	holdTTLSeconds int64
	logger         OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, holdTTLSeconds: DefaultHoldTTLSeconds}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.holdTTLSeconds <= 0 {
		return nil, fmt.Errorf("%w: hold ttl must be positive", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Reserve places a hold of amount credits for operationID. Replaying an
// operationID with a pending reservation returns that reservation unchanged;
// once that hold commits, releases, or expires the operationID may hold again.
// The hold shrinks available balance only; the stored balance is untouched.
func (service *Service) Reserve(ctx context.Context, accountID string, amount Credits, operationID string) (Reservation, error) {
	if err := validateAccountID(accountID); err != nil {
		return Reservation{}, err
	}
	if err := validateOperationID(operationID); err != nil {
		return Reservation{}, err
	}
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("%w: hold amount must be positive", ErrInvalidAmount)
	}
	var reservation Reservation
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, accountID)
		if err != nil {
			return err
		}
		existing, found, err := transactionStore.FindPendingReservation(ctx, accountID, operationID)
		if err != nil {
			return err
		}
		if found {
			reservation = existing
			return nil
		}
		holds, err := transactionStore.SumPendingHolds(ctx, accountID)
		if err != nil {
			return err
		}
		available := account.Balance - holds
		if available < amount {
			return ErrInsufficientCredits
		}
		nowUnixUTC := service.nowFn()
		candidate := Reservation{
			ReservationID:    uuid.NewString(),
			AccountID:        account.AccountID,
			OperationID:      operationID,
			HeldAmount:       amount,
			State:            ReservationPending,
			CreatedUnixUTC:   nowUnixUTC,
			ExpiresAtUnixUTC: nowUnixUTC + service.holdTTLSeconds,
		}
		if err := transactionStore.CreateReservation(ctx, candidate); err != nil {
			return err
		}
		entry := Entry{
			AccountID:        account.AccountID,
			Kind:             EntryReserve,
			Amount:           amount,
			OperationID:      operationID,
			ReservationID:    candidate.ReservationID,
			ResultingBalance: account.Balance,
			MetadataJSON:     defaultMetadataJSON,
			CreatedUnixUTC:   nowUnixUTC,
		}
		if err := transactionStore.AppendEntry(ctx, entry); err != nil {
			return err
		}
		// Zero delta: the balance is unchanged, but the version bump fences
		// concurrent reserves that read the same available figure.
		if _, err := transactionStore.ApplyDelta(ctx, account.AccountID, 0, account.Version); err != nil {
			return err
		}
		reservation = candidate
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		AccountID:     accountID,
		OperationID:   operationID,
		ReservationID: reservation.ReservationID,
		Amount:        amount,
		Error:         operationError,
	})
	return reservation, operationError
}

// Commit finalizes a reservation at its actual cost, which may be lower than
// the held amount but never higher. The reservation must belong to accountID;
// other callers see not-found. Replaying a committed reservation returns the
// original outcome without touching the balance again.
func (service *Service) Commit(ctx context.Context, accountID string, reservationID string, actualAmount Credits) (Reservation, error) {
	if err := validateAccountID(accountID); err != nil {
		return Reservation{}, err
	}
	if err := validateReservationID(reservationID); err != nil {
		return Reservation{}, err
	}
	if actualAmount < 0 {
		return Reservation{}, fmt.Errorf("%w: actual amount must not be negative", ErrInvalidAmount)
	}
	var reservation Reservation
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		stored, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if stored.AccountID != accountID {
			return ErrReservationNotFound
		}
		switch stored.State {
		case ReservationCommitted:
			reservation = stored
			return nil
		case ReservationReleased, ReservationExpired:
			reservation = stored
			return ErrAlreadyTerminal
		}
		nowUnixUTC := service.nowFn()
		if nowUnixUTC > stored.ExpiresAtUnixUTC {
			// The hold stays pending until the sweep reclaims it; committing
			// past the expiry is refused either way.
			reservation = stored
			return ErrReservationExpired
		}
		if actualAmount > stored.HeldAmount {
			return fmt.Errorf("%w: actual amount exceeds held amount", ErrInvalidAmount)
		}
		if err := transactionStore.TransitionReservation(ctx, reservationID, ReservationPending, ReservationCommitted); err != nil {
			return err
		}
		account, err := transactionStore.GetOrCreateAccount(ctx, stored.AccountID)
		if err != nil {
			return err
		}
		resultingBalance := account.Balance - actualAmount
		commitEntry := Entry{
			AccountID:        account.AccountID,
			Kind:             EntryCommit,
			Amount:           -actualAmount,
			OperationID:      stored.OperationID,
			ReservationID:    stored.ReservationID,
			ResultingBalance: resultingBalance,
			MetadataJSON:     defaultMetadataJSON,
			CreatedUnixUTC:   nowUnixUTC,
		}
		if err := transactionStore.AppendEntry(ctx, commitEntry); err != nil {
			return err
		}
		if actualAmount < stored.HeldAmount {
			refundEntry := Entry{
				AccountID:        account.AccountID,
				Kind:             EntryRefund,
				Amount:           stored.HeldAmount - actualAmount,
				OperationID:      stored.OperationID,
				ReservationID:    stored.ReservationID,
				ResultingBalance: resultingBalance,
				MetadataJSON:     defaultMetadataJSON,
				CreatedUnixUTC:   nowUnixUTC,
			}
			if err := transactionStore.AppendEntry(ctx, refundEntry); err != nil {
				return err
			}
		}
		if _, err := transactionStore.ApplyDelta(ctx, account.AccountID, -actualAmount, account.Version); err != nil {
			return err
		}
		stored.State = ReservationCommitted
		reservation = stored
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		AccountID:     accountID,
		OperationID:   reservation.OperationID,
		ReservationID: reservationID,
		Amount:        actualAmount,
		Error:         operationError,
	})
	return reservation, operationError
}

// Release cancels a pending hold. Nothing was deducted, so the balance is
// untouched; only available grows back. The reservation must belong to
// accountID. Replaying a released reservation returns the original outcome.
func (service *Service) Release(ctx context.Context, accountID string, reservationID string) (Reservation, error) {
	if err := validateAccountID(accountID); err != nil {
		return Reservation{}, err
	}
	if err := validateReservationID(reservationID); err != nil {
		return Reservation{}, err
	}
	var reservation Reservation
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		stored, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if stored.AccountID != accountID {
			return ErrReservationNotFound
		}
		switch stored.State {
		case ReservationReleased:
			reservation = stored
			return nil
		case ReservationCommitted, ReservationExpired:
			reservation = stored
			return ErrAlreadyTerminal
		}
		if err := transactionStore.TransitionReservation(ctx, reservationID, ReservationPending, ReservationReleased); err != nil {
			return err
		}
		account, err := transactionStore.GetOrCreateAccount(ctx, stored.AccountID)
		if err != nil {
			return err
		}
		entry := Entry{
			AccountID:        account.AccountID,
			Kind:             EntryRelease,
			Amount:           stored.HeldAmount,
			OperationID:      stored.OperationID,
			ReservationID:    stored.ReservationID,
			ResultingBalance: account.Balance,
			MetadataJSON:     defaultMetadataJSON,
			CreatedUnixUTC:   service.nowFn(),
		}
		if err := transactionStore.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if _, err := transactionStore.ApplyDelta(ctx, account.AccountID, 0, account.Version); err != nil {
			return err
		}
		stored.State = ReservationReleased
		reservation = stored
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRelease,
		AccountID:     accountID,
		OperationID:   reservation.OperationID,
		ReservationID: reservationID,
		Amount:        reservation.HeldAmount,
		Error:         operationError,
	})
	return reservation, operationError
}

// ExpireSweep transitions every pending reservation past its expiry to
// expired, freeing its hold from the available computation. A commit or
// release racing the sweep keeps whichever terminal transition lands first.
func (service *Service) ExpireSweep(ctx context.Context, nowUnixUTC int64) (int64, error) {
	count, err := service.store.ExpirePendingBefore(ctx, nowUnixUTC)
	service.logOperation(ctx, OperationLog{
		Operation: operationSweep,
		Amount:    Credits(count),
		Error:     err,
	})
	return count, err
}

// withConflictRetry runs fn inside a store transaction, re-running the whole
// window up to maxConflictRetries times before surfacing. Version conflicts
// mean another writer won the account's read-compute-write race; a reservation
// uniqueness conflict means a concurrent reserve landed the same operation id,
// and the re-run resolves it as an idempotent replay.
func (service *Service) withConflictRetry(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if !errors.Is(lastErr, ErrVersionConflict) && !errors.Is(lastErr, ErrReservationExists) {
			return lastErr
		}
	}
	return lastErr
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateAccountID(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return nil
}

func validateOperationID(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidOperationID)
	}
	return nil
}

func validateReservationID(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return nil
}
