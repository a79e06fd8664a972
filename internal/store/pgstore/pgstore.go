// Package pgstore implements credits.Store directly on a pgx connection pool.
// It is the production PostgreSQL backend; gormstore covers SQLite and
// embedders that already carry a gorm.DB.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luminapix/creditd/pkg/credits"
)

const (
	pgUniqueViolationCode = "23505"

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectReservation = "reservation"
	errorSubjectTransaction = "transaction"
	errorCodeApplyDelta     = "apply_delta"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeExpire         = "expire"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeMigrate        = "migrate"
	errorCodeSumEntries     = "sum_entries"
	errorCodeSumHolds       = "sum_holds"
	errorCodeTransition     = "transition"

	sqlSchema = `
		create table if not exists accounts (
			account_id text primary key,
			balance    bigint not null default 0,
			version    bigint not null default 0,
			created_at timestamptz not null default now()
		);
		create table if not exists ledger_entries (
			seq               bigint generated always as identity primary key,
			entry_id          uuid not null unique default gen_random_uuid(),
			account_id        text not null,
			kind              text not null,
			amount            bigint not null,
			operation_id      text not null,
			reservation_id    text,
			resulting_balance bigint not null,
			metadata          jsonb not null default '{}'::jsonb,
			created_at        timestamptz not null default now()
		);
		create unique index if not exists uniq_entry_op
			on ledger_entries (account_id, kind, operation_id)
			where reservation_id is null;
		create unique index if not exists uniq_entry_reservation
			on ledger_entries (kind, reservation_id);
		create index if not exists idx_entries_account_created
			on ledger_entries (account_id, created_at desc);
		create table if not exists reservations (
			reservation_id text primary key,
			account_id     text not null,
			operation_id   text not null,
			held_amount    bigint not null,
			state          text not null,
			expires_at     timestamptz not null,
			created_at     timestamptz not null default now(),
			updated_at     timestamptz not null default now()
		);
		create unique index if not exists uniq_reservation_pending
			on reservations (account_id, operation_id)
			where state = 'pending';
		create index if not exists idx_reservations_state_expiry
			on reservations (state, expires_at);
	`

	sqlInsertAccount = `
		insert into accounts(account_id) values($1)
		on conflict (account_id) do nothing
	`

	sqlSelectAccountForUpdate = `
		select account_id, balance, version, extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1
		for update
	`

	sqlSelectAccount = `
		select account_id, balance, version, extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1
	`

	sqlApplyDelta = `
		update accounts
		set balance = balance + $2, version = version + 1
		where account_id = $1 and version = $3 and balance + $2 >= 0
		returning account_id, balance, version, extract(epoch from created_at)::bigint
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			account_id, kind, amount, operation_id, reservation_id, resulting_balance, metadata, created_at
		)
		values(
			$1, $2, $3, $4,
			nullif($5,''),
			$6,
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp($8)
		)
	`

	sqlSelectEntry = `
		select entry_id::text, account_id, kind, amount, coalesce(reservation_id,''), operation_id,
			resulting_balance, coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and kind = $2 and operation_id = $3
	`

	sqlListEntries = `
		select entry_id::text, account_id, kind, amount, coalesce(reservation_id,''), operation_id,
			resulting_balance, coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1
		order by created_at desc, seq desc
		limit $2
	`

	sqlSumBalanceEntries = `
		select coalesce(sum(amount),0) from ledger_entries
		where account_id = $1 and kind in ('purchase','commit')
	`

	sqlInsertReservation = `
		insert into reservations(reservation_id, account_id, operation_id, held_amount, state, expires_at, created_at)
		values ($1, $2, $3, $4, $5, to_timestamp($6), to_timestamp($7))
	`

	sqlSelectReservation = `
		select reservation_id, account_id, operation_id, held_amount, state,
			extract(epoch from created_at)::bigint, extract(epoch from expires_at)::bigint
		from reservations
		where reservation_id = $1
		for update
	`

	sqlSelectPendingReservation = `
		select reservation_id, account_id, operation_id, held_amount, state,
			extract(epoch from created_at)::bigint, extract(epoch from expires_at)::bigint
		from reservations
		where account_id = $1 and operation_id = $2 and state = 'pending'
		for update
	`

	sqlSumPendingHolds = `
		select coalesce(sum(held_amount),0) from reservations
		where account_id = $1 and state = 'pending'
	`

	sqlTransitionReservation = `
		update reservations
		set state = $3, updated_at = now()
		where reservation_id = $1 and state = $2
	`

	sqlSelectReservationState = `
		select state from reservations where reservation_id = $1
	`

	sqlExpirePending = `
		update reservations
		set state = 'expired', updated_at = now()
		where state = 'pending' and expires_at < to_timestamp($1)
	`

	sqlListAccountIDs = `
		select account_id from accounts order by account_id
	`
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the schema when it does not exist yet.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &TxStore{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID string) (credits.Account, error) {
	return getOrCreateAccount(ctx, store.pool, accountID, sqlSelectAccount)
}

func (store *Store) ApplyDelta(ctx context.Context, accountID string, delta credits.Credits, expectedVersion int64) (credits.Account, error) {
	return applyDelta(ctx, store.pool, accountID, delta, expectedVersion)
}

func (store *Store) AppendEntry(ctx context.Context, entry credits.Entry) error {
	return appendEntry(ctx, store.pool, entry)
}

func (store *Store) FindEntry(ctx context.Context, accountID string, kind credits.EntryKind, operationID string) (credits.Entry, bool, error) {
	return findEntry(ctx, store.pool, accountID, kind, operationID)
}

func (store *Store) ListEntries(ctx context.Context, accountID string, limit int) ([]credits.Entry, error) {
	return listEntries(ctx, store.pool, accountID, limit)
}

func (store *Store) SumBalanceEntries(ctx context.Context, accountID string) (credits.Credits, error) {
	return sumQuery(ctx, store.pool, sqlSumBalanceEntries, accountID, errorSubjectEntry, errorCodeSumEntries)
}

func (store *Store) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	return createReservation(ctx, store.pool, reservation)
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (credits.Reservation, error) {
	return scanReservation(store.pool.QueryRow(ctx, sqlSelectReservation, reservationID))
}

func (store *Store) FindPendingReservation(ctx context.Context, accountID string, operationID string) (credits.Reservation, bool, error) {
	return findPendingReservation(ctx, store.pool, accountID, operationID)
}

func (store *Store) SumPendingHolds(ctx context.Context, accountID string) (credits.Credits, error) {
	return sumQuery(ctx, store.pool, sqlSumPendingHolds, accountID, errorSubjectReservation, errorCodeSumHolds)
}

func (store *Store) TransitionReservation(ctx context.Context, reservationID string, from, to credits.ReservationState) error {
	return transitionReservation(ctx, store.pool, reservationID, from, to)
}

func (store *Store) ExpirePendingBefore(ctx context.Context, nowUnixUTC int64) (int64, error) {
	return expirePendingBefore(ctx, store.pool, nowUnixUTC)
}

func (store *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	return listAccountIDs(ctx, store.pool)
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetOrCreateAccount(ctx context.Context, accountID string) (credits.Account, error) {
	// The locked select serializes every read-compute-write window touching
	// this account for the life of the transaction.
	return getOrCreateAccount(ctx, store.tx, accountID, sqlSelectAccountForUpdate)
}

func (store *TxStore) ApplyDelta(ctx context.Context, accountID string, delta credits.Credits, expectedVersion int64) (credits.Account, error) {
	return applyDelta(ctx, store.tx, accountID, delta, expectedVersion)
}

func (store *TxStore) AppendEntry(ctx context.Context, entry credits.Entry) error {
	return appendEntry(ctx, store.tx, entry)
}

func (store *TxStore) FindEntry(ctx context.Context, accountID string, kind credits.EntryKind, operationID string) (credits.Entry, bool, error) {
	return findEntry(ctx, store.tx, accountID, kind, operationID)
}

func (store *TxStore) ListEntries(ctx context.Context, accountID string, limit int) ([]credits.Entry, error) {
	return listEntries(ctx, store.tx, accountID, limit)
}

func (store *TxStore) SumBalanceEntries(ctx context.Context, accountID string) (credits.Credits, error) {
	return sumQuery(ctx, store.tx, sqlSumBalanceEntries, accountID, errorSubjectEntry, errorCodeSumEntries)
}

func (store *TxStore) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	return createReservation(ctx, store.tx, reservation)
}

func (store *TxStore) GetReservation(ctx context.Context, reservationID string) (credits.Reservation, error) {
	return scanReservation(store.tx.QueryRow(ctx, sqlSelectReservation, reservationID))
}

func (store *TxStore) FindPendingReservation(ctx context.Context, accountID string, operationID string) (credits.Reservation, bool, error) {
	return findPendingReservation(ctx, store.tx, accountID, operationID)
}

func (store *TxStore) SumPendingHolds(ctx context.Context, accountID string) (credits.Credits, error) {
	return sumQuery(ctx, store.tx, sqlSumPendingHolds, accountID, errorSubjectReservation, errorCodeSumHolds)
}

func (store *TxStore) TransitionReservation(ctx context.Context, reservationID string, from, to credits.ReservationState) error {
	return transitionReservation(ctx, store.tx, reservationID, from, to)
}

func (store *TxStore) ExpirePendingBefore(ctx context.Context, nowUnixUTC int64) (int64, error) {
	return expirePendingBefore(ctx, store.tx, nowUnixUTC)
}

func (store *TxStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	return listAccountIDs(ctx, store.tx)
}

func getOrCreateAccount(ctx context.Context, db querier, accountID string, selectSQL string) (credits.Account, error) {
	if _, err := db.Exec(ctx, sqlInsertAccount, accountID); err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	account, err := scanAccount(db.QueryRow(ctx, selectSQL, accountID))
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func applyDelta(ctx context.Context, db querier, accountID string, delta credits.Credits, expectedVersion int64) (credits.Account, error) {
	account, err := scanAccount(db.QueryRow(ctx, sqlApplyDelta, accountID, delta.Int64(), expectedVersion))
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, err)
	}
	current, lookupErr := scanAccount(db.QueryRow(ctx, sqlSelectAccount, accountID))
	if errors.Is(lookupErr, pgx.ErrNoRows) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, credits.ErrInvalidAccountID)
	}
	if lookupErr != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, lookupErr)
	}
	if current.Version != expectedVersion {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, credits.ErrVersionConflict)
	}
	return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, credits.ErrNegativeBalance)
}

func appendEntry(ctx context.Context, db querier, entry credits.Entry) error {
	_, err := db.Exec(ctx, sqlInsertEntry,
		entry.AccountID,
		entry.Kind.String(),
		entry.Amount.Int64(),
		entry.OperationID,
		entry.ReservationID,
		entry.ResultingBalance.Int64(),
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, credits.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func findEntry(ctx context.Context, db querier, accountID string, kind credits.EntryKind, operationID string) (credits.Entry, bool, error) {
	entry, err := scanEntry(db.QueryRow(ctx, sqlSelectEntry, accountID, kind.String(), operationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Entry{}, false, nil
	}
	if err != nil {
		return credits.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, true, nil
}

func listEntries(ctx context.Context, db querier, accountID string, limit int) ([]credits.Entry, error) {
	rows, err := db.Query(ctx, sqlListEntries, accountID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]credits.Entry, 0)
	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, scanErr)
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, rows.Err())
	}
	return entries, nil
}

func sumQuery(ctx context.Context, db querier, query string, accountID string, subject string, code string) (credits.Credits, error) {
	var total int64
	if err := db.QueryRow(ctx, query, accountID).Scan(&total); err != nil {
		return 0, wrapStoreError(subject, code, err)
	}
	return credits.Credits(total), nil
}

func createReservation(ctx context.Context, db querier, reservation credits.Reservation) error {
	_, err := db.Exec(ctx, sqlInsertReservation,
		reservation.ReservationID,
		reservation.AccountID,
		reservation.OperationID,
		reservation.HeldAmount.Int64(),
		reservation.State.String(),
		reservation.ExpiresAtUnixUTC,
		reservation.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, credits.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func findPendingReservation(ctx context.Context, db querier, accountID string, operationID string) (credits.Reservation, bool, error) {
	reservation, err := scanReservation(db.QueryRow(ctx, sqlSelectPendingReservation, accountID, operationID))
	if errors.Is(err, credits.ErrReservationNotFound) {
		return credits.Reservation{}, false, nil
	}
	if err != nil {
		return credits.Reservation{}, false, err
	}
	return reservation, true, nil
}

func transitionReservation(ctx context.Context, db querier, reservationID string, from, to credits.ReservationState) error {
	tag, err := db.Exec(ctx, sqlTransitionReservation, reservationID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeTransition, err)
	}
	if tag.RowsAffected() == 0 {
		var state string
		lookupErr := db.QueryRow(ctx, sqlSelectReservationState, reservationID).Scan(&state)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return wrapStoreError(errorSubjectReservation, errorCodeTransition, credits.ErrReservationNotFound)
		}
		if lookupErr != nil {
			return wrapStoreError(errorSubjectReservation, errorCodeTransition, lookupErr)
		}
		return wrapStoreError(errorSubjectReservation, errorCodeTransition, credits.ErrAlreadyTerminal)
	}
	return nil
}

func expirePendingBefore(ctx context.Context, db querier, nowUnixUTC int64) (int64, error) {
	tag, err := db.Exec(ctx, sqlExpirePending, nowUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeExpire, err)
	}
	return tag.RowsAffected(), nil
}

func listAccountIDs(ctx context.Context, db querier) ([]string, error) {
	rows, err := db.Query(ctx, sqlListAccountIDs)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	accountIDs := make([]string, 0)
	for rows.Next() {
		var accountID string
		if scanErr := rows.Scan(&accountID); scanErr != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, scanErr)
		}
		accountIDs = append(accountIDs, accountID)
	}
	if rows.Err() != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, rows.Err())
	}
	return accountIDs, nil
}

func scanAccount(row pgx.Row) (credits.Account, error) {
	var account credits.Account
	var balance int64
	if err := row.Scan(&account.AccountID, &balance, &account.Version, &account.CreatedUnixUTC); err != nil {
		return credits.Account{}, err
	}
	account.Balance = credits.Credits(balance)
	return account, nil
}

func scanEntry(row pgx.Row) (credits.Entry, error) {
	var entry credits.Entry
	var kind string
	var amount int64
	var resultingBalance int64
	err := row.Scan(
		&entry.EntryID,
		&entry.AccountID,
		&kind,
		&amount,
		&entry.ReservationID,
		&entry.OperationID,
		&resultingBalance,
		&entry.MetadataJSON,
		&entry.CreatedUnixUTC,
	)
	if err != nil {
		return credits.Entry{}, err
	}
	entry.Kind = credits.EntryKind(kind)
	entry.Amount = credits.Credits(amount)
	entry.ResultingBalance = credits.Credits(resultingBalance)
	return entry, nil
}

func scanReservation(row pgx.Row) (credits.Reservation, error) {
	var reservation credits.Reservation
	var heldAmount int64
	var state string
	err := row.Scan(
		&reservation.ReservationID,
		&reservation.AccountID,
		&reservation.OperationID,
		&heldAmount,
		&state,
		&reservation.CreatedUnixUTC,
		&reservation.ExpiresAtUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrReservationNotFound)
	}
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation.HeldAmount = credits.Credits(heldAmount)
	reservation.State = credits.ReservationState(state)
	return reservation, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
