package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/luminapix/creditd/pkg/credits"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	dialectPostgres       = "postgres"

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectReservation = "reservation"
	errorCodeApplyDelta     = "apply_delta"
	errorCodeCreate         = "create"
	errorCodeExpire         = "expire"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSumEntries     = "sum_entries"
	errorCodeSumHolds       = "sum_holds"
	errorCodeTransition     = "transition"
)

// Store implements credits.Store using GORM against PostgreSQL or SQLite.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{}, &Reservation{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount returns the account row, creating it lazily with a zero
// balance on first reference. Inside a transaction on PostgreSQL the row comes
// back locked, which serializes the surrounding read-compute-write window per
// account; SQLite serializes writers on its own.
func (store *Store) GetOrCreateAccount(ctx context.Context, accountID string) (credits.Account, error) {
	var model Account
	err := store.lockedQuery(ctx).Where("account_id = ?", accountID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model = Account{AccountID: accountID, CreatedAt: time.Now().UTC()}
		createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
			Create(&model).Error
		if createErr != nil && !isUniqueViolation(createErr) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
		}
		err = store.lockedQuery(ctx).Where("account_id = ?", accountID).Take(&model).Error
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model), nil
}

// ApplyDelta is the compare-and-swap on the account version. A zero delta
// still bumps the version, fencing concurrent windows that read the same
// balance.
func (store *Store) ApplyDelta(ctx context.Context, accountID string, delta credits.Credits, expectedVersion int64) (credits.Account, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND version = ? AND balance + ? >= 0", accountID, expectedVersion, delta.Int64()).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", delta.Int64()),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, result.Error)
	}
	if result.RowsAffected == 0 {
		var current Account
		err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, credits.ErrInvalidAccountID)
		}
		if err != nil {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, err)
		}
		if current.Version != expectedVersion {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, credits.ErrVersionConflict)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, credits.ErrNegativeBalance)
	}
	var updated Account
	if err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&updated).Error; err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeApplyDelta, err)
	}
	return mapAccount(updated), nil
}

func (store *Store) AppendEntry(ctx context.Context, entry credits.Entry) error {
	model := LedgerEntry{
		EntryID:          entry.EntryID,
		AccountID:        entry.AccountID,
		Kind:             entry.Kind.String(),
		Amount:           entry.Amount.Int64(),
		OperationID:      entry.OperationID,
		ResultingBalance: entry.ResultingBalance.Int64(),
		Metadata:         datatypesJSON(entry.MetadataJSON),
		CreatedAt:        time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.ReservationID != "" {
		value := entry.ReservationID
		model.ReservationID = &value
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, credits.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindEntry(ctx context.Context, accountID string, kind credits.EntryKind, operationID string) (credits.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND kind = ? AND operation_id = ?", accountID, kind.String(), operationID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Entry{}, false, nil
	}
	if err != nil {
		return credits.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return mapLedgerEntry(model), true, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, limit int) ([]credits.Entry, error) {
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

// SumBalanceEntries folds the balance-affecting entry kinds; reserve, release,
// and refund rows are audit-only.
func (store *Store) SumBalanceEntries(ctx context.Context, accountID string) (credits.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID).
		Where("kind in (?)", []string{credits.EntryPurchase.String(), credits.EntryCommit.String()}).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSumEntries, err)
	}
	return credits.Credits(sum.Total), nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	model := Reservation{
		ReservationID: reservation.ReservationID,
		AccountID:     reservation.AccountID,
		OperationID:   reservation.OperationID,
		HeldAmount:    reservation.HeldAmount.Int64(),
		State:         reservation.State.String(),
		ExpiresAt:     time.Unix(reservation.ExpiresAtUnixUTC, 0).UTC(),
		CreatedAt:     time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, credits.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (credits.Reservation, error) {
	var model Reservation
	err := store.lockedQuery(ctx).Where("reservation_id = ?", reservationID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrReservationNotFound)
	}
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model), nil
}

func (store *Store) FindPendingReservation(ctx context.Context, accountID string, operationID string) (credits.Reservation, bool, error) {
	var model Reservation
	err := store.lockedQuery(ctx).
		Where("account_id = ? AND operation_id = ? AND state = ?", accountID, operationID, credits.ReservationPending.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Reservation{}, false, nil
	}
	if err != nil {
		return credits.Reservation{}, false, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model), true, nil
}

func (store *Store) SumPendingHolds(ctx context.Context, accountID string) (credits.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select("coalesce(sum(held_amount),0) as total").
		Where("account_id = ? AND state = ?", accountID, credits.ReservationPending.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeSumHolds, err)
	}
	return credits.Credits(sum.Total), nil
}

// TransitionReservation applies the terminal transition conditionally; zero
// rows affected means another transition landed first.
func (store *Store) TransitionReservation(ctx context.Context, reservationID string, from, to credits.ReservationState) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND state = ?", reservationID, from.String()).
		Update("state", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeTransition, result.Error)
	}
	if result.RowsAffected == 0 {
		var current Reservation
		err := store.db.WithContext(ctx).Where("reservation_id = ?", reservationID).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectReservation, errorCodeTransition, credits.ErrReservationNotFound)
		}
		if err != nil {
			return wrapStoreError(errorSubjectReservation, errorCodeTransition, err)
		}
		return wrapStoreError(errorSubjectReservation, errorCodeTransition, credits.ErrAlreadyTerminal)
	}
	return nil
}

func (store *Store) ExpirePendingBefore(ctx context.Context, nowUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("state = ? AND expires_at < ?", credits.ReservationPending.String(), time.Unix(nowUnixUTC, 0).UTC()).
		Update("state", credits.ReservationExpired.String())
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	var accountIDs []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Order("account_id").
		Pluck("account_id", &accountIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accountIDs, nil
}

func (store *Store) lockedQuery(ctx context.Context) *gorm.DB {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return query
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) credits.Account {
	return credits.Account{
		AccountID:      model.AccountID,
		Balance:        credits.Credits(model.Balance),
		Version:        model.Version,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
}

func mapLedgerEntry(model LedgerEntry) credits.Entry {
	entry := credits.Entry{
		EntryID:          model.EntryID,
		AccountID:        model.AccountID,
		Kind:             credits.EntryKind(model.Kind),
		Amount:           credits.Credits(model.Amount),
		OperationID:      model.OperationID,
		ResultingBalance: credits.Credits(model.ResultingBalance),
		MetadataJSON:     string(model.Metadata),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}
	if model.ReservationID != nil {
		entry.ReservationID = *model.ReservationID
	}
	return entry
}

func mapReservation(model Reservation) credits.Reservation {
	return credits.Reservation{
		ReservationID:    model.ReservationID,
		AccountID:        model.AccountID,
		OperationID:      model.OperationID,
		HeldAmount:       credits.Credits(model.HeldAmount),
		State:            credits.ReservationState(model.State),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
