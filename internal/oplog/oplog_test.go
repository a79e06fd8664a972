package oplog

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/luminapix/creditd/pkg/credits"
)

func TestLogOperationLevels(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	logger := New(zap.New(core))

	logger.LogOperation(context.Background(), credits.OperationLog{
		Operation:   "reserve",
		AccountID:   "acct-1",
		OperationID: "op-1",
		Amount:      40,
		Status:      "ok",
	})
	logger.LogOperation(context.Background(), credits.OperationLog{
		Operation: "commit",
		Status:    "error",
		Error:     errors.New("boom"),
	})

	records := logs.All()
	if len(records) != 2 {
		test.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Level != zapcore.InfoLevel {
		test.Fatalf("expected info for ok operation, got %s", records[0].Level)
	}
	fields := records[0].ContextMap()
	if fields["operation"] != "reserve" || fields["account_id"] != "acct-1" || fields["amount"].(int64) != 40 {
		test.Fatalf("unexpected fields: %v", fields)
	}
	if records[1].Level != zapcore.WarnLevel {
		test.Fatalf("expected warn for failed operation, got %s", records[1].Level)
	}
}

func TestNewNilLoggerDefaults(test *testing.T) {
	test.Parallel()
	logger := New(nil)
	// Must not panic.
	logger.LogOperation(context.Background(), credits.OperationLog{Operation: "release", Status: "ok"})
}
