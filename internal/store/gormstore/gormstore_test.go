package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/luminapix/creditd/pkg/credits"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/creditd.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func TestGetOrCreateAccountIsLazy(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	created, err := store.GetOrCreateAccount(ctx, "acct-1")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if created.Balance != 0 || created.Version != 0 {
		test.Fatalf("expected zero account, got %+v", created)
	}
	again, err := store.GetOrCreateAccount(ctx, "acct-1")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if again != created {
		test.Fatalf("expected the same row, got %+v and %+v", created, again)
	}
}

func TestApplyDeltaConditionalUpdate(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	if _, err := store.ApplyDelta(ctx, "missing", 10, 0); !errors.Is(err, credits.ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}

	account, err := store.GetOrCreateAccount(ctx, "acct-1")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	updated, err := store.ApplyDelta(ctx, "acct-1", 100, account.Version)
	if err != nil {
		test.Fatalf("apply delta: %v", err)
	}
	if updated.Balance != 100 || updated.Version != account.Version+1 {
		test.Fatalf("unexpected account after delta: %+v", updated)
	}

	if _, err := store.ApplyDelta(ctx, "acct-1", 10, account.Version); !errors.Is(err, credits.ErrVersionConflict) {
		test.Fatalf("expected ErrVersionConflict on stale version, got %v", err)
	}
	if _, err := store.ApplyDelta(ctx, "acct-1", -101, updated.Version); !errors.Is(err, credits.ErrNegativeBalance) {
		test.Fatalf("expected ErrNegativeBalance, got %v", err)
	}

	// A zero delta still bumps the version.
	fenced, err := store.ApplyDelta(ctx, "acct-1", 0, updated.Version)
	if err != nil {
		test.Fatalf("apply zero delta: %v", err)
	}
	if fenced.Balance != 100 || fenced.Version != updated.Version+1 {
		test.Fatalf("unexpected account after fence: %+v", fenced)
	}
}

func TestAppendEntryUniqueIndex(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	entry := credits.Entry{
		AccountID:      "acct-1",
		Kind:           credits.EntryPurchase,
		Amount:         10,
		OperationID:    "pay-1",
		MetadataJSON:   `{"pack":"standard"}`,
		CreatedUnixUTC: 100,
	}

	if err := store.AppendEntry(ctx, entry); err != nil {
		test.Fatalf("append: %v", err)
	}
	if err := store.AppendEntry(ctx, entry); !errors.Is(err, credits.ErrDuplicateEntry) {
		test.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}

	stored, found, err := store.FindEntry(ctx, "acct-1", credits.EntryPurchase, "pay-1")
	if err != nil || !found {
		test.Fatalf("find entry: found=%v err=%v", found, err)
	}
	if stored.EntryID == "" {
		test.Fatalf("expected generated entry id")
	}
	if stored.MetadataJSON != `{"pack":"standard"}` {
		test.Fatalf("unexpected metadata %s", stored.MetadataJSON)
	}
	if stored.CreatedUnixUTC != 100 {
		test.Fatalf("expected caller timestamp to persist, got %d", stored.CreatedUnixUTC)
	}
}

func TestAppendEntryDeduplicatesPerReservation(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	entry := credits.Entry{
		AccountID:      "acct-1",
		Kind:           credits.EntryReserve,
		Amount:         30,
		OperationID:    "op-1",
		ReservationID:  "res-1",
		CreatedUnixUTC: 100,
	}

	if err := store.AppendEntry(ctx, entry); err != nil {
		test.Fatalf("append: %v", err)
	}
	if err := store.AppendEntry(ctx, entry); !errors.Is(err, credits.ErrDuplicateEntry) {
		test.Fatalf("expected ErrDuplicateEntry for the same reservation, got %v", err)
	}
	// The same operation id under a later hold is a new ledger line.
	retried := entry
	retried.ReservationID = "res-2"
	if err := store.AppendEntry(ctx, retried); err != nil {
		test.Fatalf("append retried hold: %v", err)
	}
}

func TestListEntriesStableOrderWithinSecond(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	for _, operationID := range []string{"op-1", "op-2", "op-3"} {
		entry := credits.Entry{
			AccountID:      "acct-1",
			Kind:           credits.EntryPurchase,
			Amount:         10,
			OperationID:    operationID,
			CreatedUnixUTC: 100,
		}
		if err := store.AppendEntry(ctx, entry); err != nil {
			test.Fatalf("append %s: %v", operationID, err)
		}
	}

	entries, err := store.ListEntries(ctx, "acct-1", 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		test.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Same-second rows still come back in reverse insertion order.
	if entries[0].OperationID != "op-3" || entries[1].OperationID != "op-2" || entries[2].OperationID != "op-1" {
		test.Fatalf("expected op-3, op-2, op-1, got %s, %s, %s",
			entries[0].OperationID, entries[1].OperationID, entries[2].OperationID)
	}
}

func TestListEntriesNewestFirstWithLimit(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	for index, operationID := range []string{"op-1", "op-2", "op-3"} {
		entry := credits.Entry{
			AccountID:      "acct-1",
			Kind:           credits.EntryReserve,
			Amount:         10,
			OperationID:    operationID,
			CreatedUnixUTC: int64(100 + index),
		}
		if err := store.AppendEntry(ctx, entry); err != nil {
			test.Fatalf("append %s: %v", operationID, err)
		}
	}

	entries, err := store.ListEntries(ctx, "acct-1", 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].OperationID != "op-3" || entries[1].OperationID != "op-2" {
		test.Fatalf("expected newest first, got %s then %s", entries[0].OperationID, entries[1].OperationID)
	}
}

func TestReservationLifecycle(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	reservation := credits.Reservation{
		ReservationID:    "res-1",
		AccountID:        "acct-1",
		OperationID:      "op-1",
		HeldAmount:       40,
		State:            credits.ReservationPending,
		CreatedUnixUTC:   100,
		ExpiresAtUnixUTC: 1_000,
	}

	if err := store.CreateReservation(ctx, reservation); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.CreateReservation(ctx, reservation); !errors.Is(err, credits.ErrReservationExists) {
		test.Fatalf("expected ErrReservationExists, got %v", err)
	}

	pending, found, err := store.FindPendingReservation(ctx, "acct-1", "op-1")
	if err != nil || !found {
		test.Fatalf("find pending: found=%v err=%v", found, err)
	}
	if pending.HeldAmount != 40 || pending.ExpiresAtUnixUTC != 1_000 {
		test.Fatalf("unexpected reservation %+v", pending)
	}
	holds, err := store.SumPendingHolds(ctx, "acct-1")
	if err != nil {
		test.Fatalf("sum holds: %v", err)
	}
	if holds != 40 {
		test.Fatalf("expected 40 held, got %d", holds)
	}

	if err := store.TransitionReservation(ctx, "res-1", credits.ReservationPending, credits.ReservationCommitted); err != nil {
		test.Fatalf("transition: %v", err)
	}
	err = store.TransitionReservation(ctx, "res-1", credits.ReservationPending, credits.ReservationReleased)
	if !errors.Is(err, credits.ErrAlreadyTerminal) {
		test.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	err = store.TransitionReservation(ctx, "missing", credits.ReservationPending, credits.ReservationReleased)
	if !errors.Is(err, credits.ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound, got %v", err)
	}

	if _, found, err := store.FindPendingReservation(ctx, "acct-1", "op-1"); err != nil || found {
		test.Fatalf("committed reservation must not match pending lookup: found=%v err=%v", found, err)
	}
	holds, err = store.SumPendingHolds(ctx, "acct-1")
	if err != nil {
		test.Fatalf("sum holds: %v", err)
	}
	if holds != 0 {
		test.Fatalf("expected no pending holds, got %d", holds)
	}
}

func TestCreateReservationAllowsReuseAfterTerminalState(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	seed := func(reservationID string) error {
		return store.CreateReservation(ctx, credits.Reservation{
			ReservationID:    reservationID,
			AccountID:        "acct-1",
			OperationID:      "op-1",
			HeldAmount:       10,
			State:            credits.ReservationPending,
			CreatedUnixUTC:   100,
			ExpiresAtUnixUTC: 1_000,
		})
	}

	if err := seed("res-1"); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := seed("res-2"); !errors.Is(err, credits.ErrReservationExists) {
		test.Fatalf("expected ErrReservationExists for a second pending hold, got %v", err)
	}
	if err := store.TransitionReservation(ctx, "res-1", credits.ReservationPending, credits.ReservationReleased); err != nil {
		test.Fatalf("transition: %v", err)
	}
	if err := seed("res-2"); err != nil {
		test.Fatalf("reserve after release must create a fresh hold: %v", err)
	}
}

func TestExpirePendingBefore(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	seed := func(reservationID string, expiresAt int64) {
		err := store.CreateReservation(ctx, credits.Reservation{
			ReservationID:    reservationID,
			AccountID:        "acct-1",
			OperationID:      "op-" + reservationID,
			HeldAmount:       10,
			State:            credits.ReservationPending,
			CreatedUnixUTC:   1,
			ExpiresAtUnixUTC: expiresAt,
		})
		if err != nil {
			test.Fatalf("create %s: %v", reservationID, err)
		}
	}
	seed("res-old", 99)
	seed("res-future", 1_000)

	count, err := store.ExpirePendingBefore(ctx, 100)
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if count != 1 {
		test.Fatalf("expected 1 expired, got %d", count)
	}
	expired, err := store.GetReservation(ctx, "res-old")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if expired.State != credits.ReservationExpired {
		test.Fatalf("expected expired, got %s", expired.State)
	}
}

func TestWithTxRollsBackStagedWrites(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	failure := errors.New("abort")

	err := store.WithTx(ctx, func(ctx context.Context, txStore credits.Store) error {
		if err := txStore.AppendEntry(ctx, credits.Entry{AccountID: "acct-1", Kind: credits.EntryPurchase, Amount: 10, OperationID: "pay-1"}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		test.Fatalf("expected staged error, got %v", err)
	}
	if _, found, err := store.FindEntry(ctx, "acct-1", credits.EntryPurchase, "pay-1"); err != nil || found {
		test.Fatalf("staged entry must roll back: found=%v err=%v", found, err)
	}
}

// TestServiceLifecycleOnSQLite runs the full metering flow through the real
// service against the SQL schema.
func TestServiceLifecycleOnSQLite(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	service, err := credits.NewService(store, func() int64 { return 1_000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}

	if _, err := service.ApplyPurchase(ctx, "acct-1", 100, "pay-1", ""); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	reservation, err := service.Reserve(ctx, "acct-1", 30, "op-a")
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Reserve(ctx, "acct-1", 80, "op-b"); !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if _, err := service.Commit(ctx, "acct-1", reservation.ReservationID, 25); err != nil {
		test.Fatalf("commit: %v", err)
	}

	balance, err := service.Balance(ctx, "acct-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Total != 75 || balance.Available != 75 {
		test.Fatalf("expected 75/75, got %d/%d", balance.Total, balance.Available)
	}
	ledgerTotal, err := store.SumBalanceEntries(ctx, "acct-1")
	if err != nil {
		test.Fatalf("sum entries: %v", err)
	}
	if ledgerTotal != 75 {
		test.Fatalf("ledger fold must match the stored balance, got %d", ledgerTotal)
	}

	entries, err := service.ListEntries(ctx, "acct-1", 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	// purchase, reserve, commit, refund
	if len(entries) != 4 {
		test.Fatalf("expected 4 ledger entries, got %d", len(entries))
	}
}

// TestServiceReusesOperationIDAfterExpiry covers the crashed-worker retry: the
// sweep reclaims the stale hold and the same operation id reserves again.
func TestServiceReusesOperationIDAfterExpiry(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	currentUnix := int64(1_000)
	service, err := credits.NewService(store, func() int64 { return currentUnix })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}

	if _, err := service.ApplyPurchase(ctx, "acct-1", 100, "pay-1", ""); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	first, err := service.Reserve(ctx, "acct-1", 30, "op-1")
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	currentUnix = first.ExpiresAtUnixUTC + 1
	if _, err := service.ExpireSweep(ctx, currentUnix); err != nil {
		test.Fatalf("sweep: %v", err)
	}

	second, err := service.Reserve(ctx, "acct-1", 30, "op-1")
	if err != nil {
		test.Fatalf("reserve after expiry: %v", err)
	}
	if second.ReservationID == first.ReservationID {
		test.Fatalf("expected a fresh reservation, got the expired one replayed")
	}

	// Release and retry once more under the same operation id.
	if _, err := service.Release(ctx, "acct-1", second.ReservationID); err != nil {
		test.Fatalf("release: %v", err)
	}
	third, err := service.Reserve(ctx, "acct-1", 30, "op-1")
	if err != nil {
		test.Fatalf("reserve after release: %v", err)
	}
	if third.ReservationID == second.ReservationID {
		test.Fatalf("expected a fresh reservation after release")
	}

	balance, err := service.Balance(ctx, "acct-1")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Total != 100 || balance.Available != 70 {
		test.Fatalf("expected 100/70 with one live hold, got %d/%d", balance.Total, balance.Available)
	}
}
