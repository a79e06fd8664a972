// Package reconciler runs the periodic integrity sweep: it expires stale
// reservations and checks every stored balance against the ledger fold.
// Drift is surfaced, never corrected; a mismatch means one of the
// invariant-preserving write paths has a bug.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luminapix/creditd/pkg/credits"
)

// Reconciler sweeps expired holds and audits balances on a timer.
type Reconciler struct {
	service  *credits.Service
	store    credits.Store
	interval time.Duration
	nowFn    func() int64
	logger   *zap.Logger
}

// New wires a Reconciler.
func New(service *credits.Service, store credits.Store, interval time.Duration, now func() int64, logger *zap.Logger) (*Reconciler, error) {
	if service == nil || store == nil {
		return nil, fmt.Errorf("%w: reconciler dependencies are nil", credits.ErrInvalidServiceConfig)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: reconcile interval must be positive", credits.ErrInvalidServiceConfig)
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		service:  service,
		store:    store,
		interval: interval,
		nowFn:    now,
		logger:   logger,
	}, nil
}

// Run loops until ctx is done, executing one pass per interval.
func (reconciler *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(reconciler.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reconciler.RunOnce(ctx); err != nil {
				reconciler.logger.Warn("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep-and-audit pass.
func (reconciler *Reconciler) RunOnce(ctx context.Context) error {
	expired, err := reconciler.service.ExpireSweep(ctx, reconciler.nowFn())
	if err != nil {
		return fmt.Errorf("expire sweep: %w", err)
	}
	if expired > 0 {
		reconciler.logger.Info("expired stale reservations", zap.Int64("count", expired))
	}
	drifted, err := reconciler.auditBalances(ctx)
	if err != nil {
		return fmt.Errorf("balance audit: %w", err)
	}
	if drifted > 0 {
		reconciler.logger.Error("balance drift detected", zap.Int("accounts", drifted))
	}
	return nil
}

// auditBalances recomputes each balance from the ledger and compares it to the
// stored figure. Returns the number of drifted accounts.
func (reconciler *Reconciler) auditBalances(ctx context.Context) (int, error) {
	accountIDs, err := reconciler.store.ListAccountIDs(ctx)
	if err != nil {
		return 0, err
	}
	drifted := 0
	for _, accountID := range accountIDs {
		folded, err := reconciler.store.SumBalanceEntries(ctx, accountID)
		if err != nil {
			return drifted, err
		}
		account, err := reconciler.store.GetOrCreateAccount(ctx, accountID)
		if err != nil {
			return drifted, err
		}
		if folded != account.Balance {
			drifted++
			reconciler.logger.Error("account balance does not match ledger",
				zap.String("account_id", accountID),
				zap.Int64("stored_balance", account.Balance.Int64()),
				zap.Int64("ledger_balance", folded.Int64()),
			)
		}
	}
	return drifted, nil
}
