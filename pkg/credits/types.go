package credits

import "context"

// Credits is an integer number of spendable credit units.
type Credits int64

// Int64 returns the raw credit count.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryPurchase EntryKind = "purchase"
	EntryReserve  EntryKind = "reserve"
	EntryCommit   EntryKind = "commit"
	EntryRelease  EntryKind = "release"
	EntryRefund   EntryKind = "refund"
)

// String returns the stored representation of the kind.
func (kind EntryKind) String() string {
	return string(kind)
}

// MovesBalance reports whether entries of this kind contribute to the stored
// balance. Reserve, release, and refund entries record hold magnitudes for
// audit only; the balance fold skips them.
func (kind EntryKind) MovesBalance() bool {
	return kind == EntryPurchase || kind == EntryCommit
}

// ReservationState defines the reservation lifecycle.
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
	ReservationExpired   ReservationState = "expired"
)

// String returns the stored representation of the state.
func (state ReservationState) String() string {
	return string(state)
}

// Terminal reports whether the state admits no further transition.
func (state ReservationState) Terminal() bool {
	return state == ReservationCommitted || state == ReservationReleased || state == ReservationExpired
}

// Account is the current balance and version for one account. Balance mutation
// goes through Store.ApplyDelta only.
type Account struct {
	AccountID      string
	Balance        Credits
	Version        int64
	CreatedUnixUTC int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID          string
	AccountID        string
	Kind             EntryKind
	Amount           Credits
	OperationID      string
	ReservationID    string
	ResultingBalance Credits
	MetadataJSON     string
	CreatedUnixUTC   int64
}

// Reservation is a time-bounded hold against an account's available balance.
type Reservation struct {
	ReservationID    string
	AccountID        string
	OperationID      string
	HeldAmount       Credits
	State            ReservationState
	CreatedUnixUTC   int64
	ExpiresAtUnixUTC int64
}

// Balance is the read-side view of an account.
type Balance struct {
	Total     Credits
	Available Credits
}

// Store is the persistence contract used by Service. Implementations must make
// WithTx atomic: either every write inside fn lands or none does.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, accountID string) (Account, error)
	ApplyDelta(ctx context.Context, accountID string, delta Credits, expectedVersion int64) (Account, error)
	AppendEntry(ctx context.Context, entry Entry) error
	FindEntry(ctx context.Context, accountID string, kind EntryKind, operationID string) (Entry, bool, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]Entry, error)
	SumBalanceEntries(ctx context.Context, accountID string) (Credits, error)
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	FindPendingReservation(ctx context.Context, accountID string, operationID string) (Reservation, bool, error)
	SumPendingHolds(ctx context.Context, accountID string) (Credits, error)
	TransitionReservation(ctx context.Context, reservationID string, from, to ReservationState) error
	ExpirePendingBefore(ctx context.Context, nowUnixUTC int64) (int64, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
}
