package credits

import (
	"context"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsReserveOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 100)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	reservation := mustReserve(test, service, "acct-1", 40, "op-1")

	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationReserve || entry.AccountID != "acct-1" || entry.OperationID != "op-1" {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.ReservationID != reservation.ReservationID || entry.Amount != 40 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected ok log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 10)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	if _, err := service.Reserve(context.Background(), "acct-1", 50, "op-1"); err == nil {
		test.Fatalf("expected insufficient credits")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Status != operationStatusError || entry.Error == nil {
		test.Fatalf("expected error log entry, got %+v", entry)
	}
}
