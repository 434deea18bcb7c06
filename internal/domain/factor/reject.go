package factor

import "fmt"

// RejectReason is the closed taxonomy of ingest and gateway failures.
type RejectReason string

const (
	RejectUnknownFactor      RejectReason = "UNKNOWN_FACTOR"
	RejectOwnershipViolation RejectReason = "OWNERSHIP_VIOLATION"
	RejectOutOfRange         RejectReason = "OUT_OF_RANGE"
	ReasonStalenessMask      RejectReason = "STALENESS_MASK"
	ReasonGatewayUnavailable RejectReason = "GATEWAY_UNAVAILABLE"
	ReasonProviderTimeout    RejectReason = "PROVIDER_TIMEOUT"
	ReasonConfigInvalid      RejectReason = "CONFIG_INVALID"
	ReasonDuplicateSignalID  RejectReason = "DUPLICATE_SIGNAL_ID"
	ReasonBreakerStateLost   RejectReason = "CIRCUIT_BREAKER_FALLBACK_LOST"
)

// RejectError carries a taxonomy reason plus human detail. Ingest handlers
// translate it into the structured error payload.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Reject builds a RejectError.
func Reject(reason RejectReason, format string, args ...interface{}) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the taxonomy reason from an error, if it carries one.
func ReasonOf(err error) (RejectReason, bool) {
	if re, ok := err.(*RejectError); ok {
		return re.Reason, true
	}
	return "", false
}
