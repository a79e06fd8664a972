package reconciler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/luminapix/creditd/internal/store/memstore"
	"github.com/luminapix/creditd/pkg/credits"
)

func TestNewValidation(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service, err := credits.NewService(store, func() int64 { return 1 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}

	if _, err := New(nil, store, time.Minute, nil, nil); err == nil {
		test.Fatalf("expected error for nil service")
	}
	if _, err := New(service, nil, time.Minute, nil, nil); err == nil {
		test.Fatalf("expected error for nil store")
	}
	if _, err := New(service, store, 0, nil, nil); err == nil {
		test.Fatalf("expected error for zero interval")
	}
	if _, err := New(service, store, time.Minute, nil, nil); err != nil {
		test.Fatalf("nil clock and logger must default: %v", err)
	}
}

func TestRunOnceExpiresStaleHolds(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	ctx := context.Background()
	currentUnix := int64(1_000)
	clock := func() int64 { return currentUnix }
	service, err := credits.NewService(store, clock, credits.WithHoldTTLSeconds(60))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	if _, err := service.ApplyPurchase(ctx, "acct-1", 100, "pay-1", ""); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if _, err := service.Reserve(ctx, "acct-1", 40, "op-1"); err != nil {
		test.Fatalf("reserve: %v", err)
	}

	sweeper, err := New(service, store, time.Minute, clock, zap.NewNop())
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}

	// First pass: the hold is still live.
	if err := sweeper.RunOnce(ctx); err != nil {
		test.Fatalf("run once: %v", err)
	}
	holds, err := store.SumPendingHolds(ctx, "acct-1")
	if err != nil {
		test.Fatalf("sum holds: %v", err)
	}
	if holds != 40 {
		test.Fatalf("live hold must survive the pass, got %d", holds)
	}

	currentUnix += 61
	if err := sweeper.RunOnce(ctx); err != nil {
		test.Fatalf("run once: %v", err)
	}
	holds, err = store.SumPendingHolds(ctx, "acct-1")
	if err != nil {
		test.Fatalf("sum holds: %v", err)
	}
	if holds != 0 {
		test.Fatalf("stale hold must be reclaimed, got %d", holds)
	}
}

func TestRunOnceReportsBalanceDrift(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	ctx := context.Background()
	service, err := credits.NewService(store, func() int64 { return 1_000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	if _, err := service.ApplyPurchase(ctx, "acct-1", 100, "pay-1", ""); err != nil {
		test.Fatalf("purchase: %v", err)
	}

	// Nudge the stored balance without a ledger entry to fabricate drift.
	account, err := store.GetOrCreateAccount(ctx, "acct-1")
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if _, err := store.ApplyDelta(ctx, "acct-1", 5, account.Version); err != nil {
		test.Fatalf("apply delta: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	sweeper, err := New(service, store, time.Minute, func() int64 { return 1_000 }, zap.New(core))
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	if err := sweeper.RunOnce(ctx); err != nil {
		test.Fatalf("run once: %v", err)
	}

	drift := logs.FilterMessage("account balance does not match ledger").All()
	if len(drift) != 1 {
		test.Fatalf("expected one drift record, got %d", len(drift))
	}
	fields := drift[0].ContextMap()
	if fields["stored_balance"].(int64) != 105 || fields["ledger_balance"].(int64) != 100 {
		test.Fatalf("unexpected drift fields: %v", fields)
	}

	// The audit reports; it never corrects the stored figure.
	account, err = store.GetOrCreateAccount(ctx, "acct-1")
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if account.Balance != 105 {
		test.Fatalf("audit must not rewrite the balance, got %d", account.Balance)
	}
}

func TestRunOnceCleanLedgerLogsNothing(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	ctx := context.Background()
	service, err := credits.NewService(store, func() int64 { return 1_000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	if _, err := service.ApplyPurchase(ctx, "acct-1", 100, "pay-1", ""); err != nil {
		test.Fatalf("purchase: %v", err)
	}

	core, logs := observer.New(zapcore.ErrorLevel)
	sweeper, err := New(service, store, time.Minute, func() int64 { return 1_000 }, zap.New(core))
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	if err := sweeper.RunOnce(ctx); err != nil {
		test.Fatalf("run once: %v", err)
	}
	if logs.Len() != 0 {
		test.Fatalf("expected no error records, got %v", logs.All())
	}
}
