// Package oplog adapts the domain operation callback to zap.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/luminapix/creditd/pkg/credits"
)

// ZapOperationLogger emits one structured record per state-changing credit
// operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// New returns a zap-backed credits.OperationLogger.
func New(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements credits.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Int64("amount", entry.Amount.Int64()),
	}
	if entry.AccountID != "" {
		fields = append(fields, zap.String("account_id", entry.AccountID))
	}
	if entry.OperationID != "" {
		fields = append(fields, zap.String("operation_id", entry.OperationID))
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("credit operation failed", fields...)
		return
	}
	operationLogger.logger.Info("credit operation", fields...)
}
