package credits

const (
	operationReserve  = "reserve"
	operationCommit   = "commit"
	operationRelease  = "release"
	operationPurchase = "purchase"
	operationSweep    = "expire_sweep"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultHoldTTLSeconds bounds how long an uncommitted hold counts against
	// available balance before the sweep reclaims it.
	DefaultHoldTTLSeconds int64 = 900

	// maxConflictRetries bounds re-runs of a read-compute-write window after a
	// version conflict before the conflict surfaces to the caller.
	maxConflictRetries = 3

	defaultMetadataJSON = "{}"
)
