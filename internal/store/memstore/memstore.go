// Package memstore implements credits.Store in process memory. It backs the
// dev server and the deterministic concurrency tests; transactions stage
// writes on a copy of the state and swap it in on success.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luminapix/creditd/pkg/credits"
)

// Store is a mutex-guarded in-memory credits.Store.
type Store struct {
	mu    sync.Mutex
	state *storeState
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: newStoreState()}
}

// WithTx stages fn's writes on a copy of the state and publishes the copy only
// when fn succeeds. The store mutex is held for the whole window, which is the
// per-account serialization (coarsened to the store) the memory backend offers.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	staged := store.state.clone()
	if err := fn(ctx, &txView{state: staged}); err != nil {
		return err
	}
	store.state = staged
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID string) (credits.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getOrCreateAccount(accountID)
}

func (store *Store) ApplyDelta(ctx context.Context, accountID string, delta credits.Credits, expectedVersion int64) (credits.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.applyDelta(accountID, delta, expectedVersion)
}

func (store *Store) AppendEntry(ctx context.Context, entry credits.Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.appendEntry(entry)
}

func (store *Store) FindEntry(ctx context.Context, accountID string, kind credits.EntryKind, operationID string) (credits.Entry, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.findEntry(accountID, kind, operationID)
}

func (store *Store) ListEntries(ctx context.Context, accountID string, limit int) ([]credits.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listEntries(accountID, limit)
}

func (store *Store) SumBalanceEntries(ctx context.Context, accountID string) (credits.Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.sumBalanceEntries(accountID)
}

func (store *Store) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createReservation(reservation)
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (credits.Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getReservation(reservationID)
}

func (store *Store) FindPendingReservation(ctx context.Context, accountID string, operationID string) (credits.Reservation, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.findPendingReservation(accountID, operationID)
}

func (store *Store) SumPendingHolds(ctx context.Context, accountID string) (credits.Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.sumPendingHolds(accountID)
}

func (store *Store) TransitionReservation(ctx context.Context, reservationID string, from, to credits.ReservationState) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.transitionReservation(reservationID, from, to)
}

func (store *Store) ExpirePendingBefore(ctx context.Context, nowUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.expirePendingBefore(nowUnixUTC)
}

func (store *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listAccountIDs()
}

// txView exposes a staged state as a credits.Store without re-locking; the
// outer WithTx already holds the store mutex.
type txView struct {
	state *storeState
}

func (view *txView) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, view)
}

func (view *txView) GetOrCreateAccount(ctx context.Context, accountID string) (credits.Account, error) {
	return view.state.getOrCreateAccount(accountID)
}

func (view *txView) ApplyDelta(ctx context.Context, accountID string, delta credits.Credits, expectedVersion int64) (credits.Account, error) {
	return view.state.applyDelta(accountID, delta, expectedVersion)
}

func (view *txView) AppendEntry(ctx context.Context, entry credits.Entry) error {
	return view.state.appendEntry(entry)
}

func (view *txView) FindEntry(ctx context.Context, accountID string, kind credits.EntryKind, operationID string) (credits.Entry, bool, error) {
	return view.state.findEntry(accountID, kind, operationID)
}

func (view *txView) ListEntries(ctx context.Context, accountID string, limit int) ([]credits.Entry, error) {
	return view.state.listEntries(accountID, limit)
}

func (view *txView) SumBalanceEntries(ctx context.Context, accountID string) (credits.Credits, error) {
	return view.state.sumBalanceEntries(accountID)
}

func (view *txView) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	return view.state.createReservation(reservation)
}

func (view *txView) GetReservation(ctx context.Context, reservationID string) (credits.Reservation, error) {
	return view.state.getReservation(reservationID)
}

func (view *txView) FindPendingReservation(ctx context.Context, accountID string, operationID string) (credits.Reservation, bool, error) {
	return view.state.findPendingReservation(accountID, operationID)
}

func (view *txView) SumPendingHolds(ctx context.Context, accountID string) (credits.Credits, error) {
	return view.state.sumPendingHolds(accountID)
}

func (view *txView) TransitionReservation(ctx context.Context, reservationID string, from, to credits.ReservationState) error {
	return view.state.transitionReservation(reservationID, from, to)
}

func (view *txView) ExpirePendingBefore(ctx context.Context, nowUnixUTC int64) (int64, error) {
	return view.state.expirePendingBefore(nowUnixUTC)
}

func (view *txView) ListAccountIDs(ctx context.Context) ([]string, error) {
	return view.state.listAccountIDs()
}

type storeState struct {
	accounts     map[string]credits.Account
	entries      []credits.Entry
	entryKeys    map[string]struct{}
	reservations map[string]credits.Reservation
}

func newStoreState() *storeState {
	return &storeState{
		accounts:     make(map[string]credits.Account),
		entryKeys:    make(map[string]struct{}),
		reservations: make(map[string]credits.Reservation),
	}
}

// entryDedupKey mirrors the SQL unique indexes: reservation-scoped entries
// deduplicate per (kind, reservation), purchase entries per
// (account, kind, operation).
func entryDedupKey(entry credits.Entry) string {
	if entry.ReservationID != "" {
		return entry.Kind.String() + "|" + entry.ReservationID
	}
	return entry.AccountID + "|" + entry.Kind.String() + "|" + entry.OperationID
}

func (state *storeState) clone() *storeState {
	cloned := &storeState{
		accounts:     make(map[string]credits.Account, len(state.accounts)),
		entries:      append([]credits.Entry(nil), state.entries...),
		entryKeys:    make(map[string]struct{}, len(state.entryKeys)),
		reservations: make(map[string]credits.Reservation, len(state.reservations)),
	}
	for id, account := range state.accounts {
		cloned.accounts[id] = account
	}
	for key := range state.entryKeys {
		cloned.entryKeys[key] = struct{}{}
	}
	for id, reservation := range state.reservations {
		cloned.reservations[id] = reservation
	}
	return cloned
}

func (state *storeState) getOrCreateAccount(accountID string) (credits.Account, error) {
	if account, exists := state.accounts[accountID]; exists {
		return account, nil
	}
	account := credits.Account{
		AccountID:      accountID,
		CreatedUnixUTC: time.Now().UTC().Unix(),
	}
	state.accounts[accountID] = account
	return account, nil
}

func (state *storeState) applyDelta(accountID string, delta credits.Credits, expectedVersion int64) (credits.Account, error) {
	account, exists := state.accounts[accountID]
	if !exists {
		return credits.Account{}, fmt.Errorf("%w: %s", credits.ErrInvalidAccountID, accountID)
	}
	if account.Version != expectedVersion {
		return credits.Account{}, credits.ErrVersionConflict
	}
	updatedBalance := account.Balance + delta
	if updatedBalance < 0 {
		return credits.Account{}, credits.ErrNegativeBalance
	}
	account.Balance = updatedBalance
	account.Version++
	state.accounts[accountID] = account
	return account, nil
}

func (state *storeState) appendEntry(entry credits.Entry) error {
	key := entryDedupKey(entry)
	if _, exists := state.entryKeys[key]; exists {
		return credits.ErrDuplicateEntry
	}
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	state.entryKeys[key] = struct{}{}
	state.entries = append(state.entries, entry)
	return nil
}

func (state *storeState) findEntry(accountID string, kind credits.EntryKind, operationID string) (credits.Entry, bool, error) {
	for _, entry := range state.entries {
		if entry.AccountID == accountID && entry.Kind == kind && entry.OperationID == operationID {
			return entry, true, nil
		}
	}
	return credits.Entry{}, false, nil
}

func (state *storeState) listEntries(accountID string, limit int) ([]credits.Entry, error) {
	matched := make([]credits.Entry, 0)
	for position := len(state.entries) - 1; position >= 0; position-- {
		if state.entries[position].AccountID != accountID {
			continue
		}
		matched = append(matched, state.entries[position])
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (state *storeState) sumBalanceEntries(accountID string) (credits.Credits, error) {
	var sum credits.Credits
	for _, entry := range state.entries {
		if entry.AccountID == accountID && entry.Kind.MovesBalance() {
			sum += entry.Amount
		}
	}
	return sum, nil
}

func (state *storeState) createReservation(reservation credits.Reservation) error {
	if _, exists := state.reservations[reservation.ReservationID]; exists {
		return credits.ErrReservationExists
	}
	// At most one pending hold per (account, operation); terminal holds do not
	// block a fresh reserve under the same operation id.
	for _, existing := range state.reservations {
		if existing.AccountID == reservation.AccountID &&
			existing.OperationID == reservation.OperationID &&
			existing.State == credits.ReservationPending {
			return credits.ErrReservationExists
		}
	}
	state.reservations[reservation.ReservationID] = reservation
	return nil
}

func (state *storeState) getReservation(reservationID string) (credits.Reservation, error) {
	reservation, exists := state.reservations[reservationID]
	if !exists {
		return credits.Reservation{}, credits.ErrReservationNotFound
	}
	return reservation, nil
}

func (state *storeState) findPendingReservation(accountID string, operationID string) (credits.Reservation, bool, error) {
	for _, reservation := range state.reservations {
		if reservation.AccountID == accountID && reservation.OperationID == operationID && reservation.State == credits.ReservationPending {
			return reservation, true, nil
		}
	}
	return credits.Reservation{}, false, nil
}

func (state *storeState) sumPendingHolds(accountID string) (credits.Credits, error) {
	var sum credits.Credits
	for _, reservation := range state.reservations {
		if reservation.AccountID == accountID && reservation.State == credits.ReservationPending {
			sum += reservation.HeldAmount
		}
	}
	return sum, nil
}

func (state *storeState) transitionReservation(reservationID string, from, to credits.ReservationState) error {
	reservation, exists := state.reservations[reservationID]
	if !exists {
		return credits.ErrReservationNotFound
	}
	if reservation.State != from {
		return credits.ErrAlreadyTerminal
	}
	reservation.State = to
	state.reservations[reservationID] = reservation
	return nil
}

func (state *storeState) expirePendingBefore(nowUnixUTC int64) (int64, error) {
	var count int64
	for reservationID, reservation := range state.reservations {
		if reservation.State == credits.ReservationPending && reservation.ExpiresAtUnixUTC < nowUnixUTC {
			reservation.State = credits.ReservationExpired
			state.reservations[reservationID] = reservation
			count++
		}
	}
	return count, nil
}

func (state *storeState) listAccountIDs() ([]string, error) {
	accountIDs := make([]string, 0, len(state.accounts))
	for accountID := range state.accounts {
		accountIDs = append(accountIDs, accountID)
	}
	sort.Strings(accountIDs)
	return accountIDs, nil
}
