package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation     string
	AccountID     string
	OperationID   string
	ReservationID string
	Amount        Credits
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithHoldTTLSeconds overrides how long a hold stays pending before the sweep
// may reclaim it.
func WithHoldTTLSeconds(seconds int64) ServiceOption {
	return func(service *Service) {
		service.holdTTLSeconds = seconds
	}
}
