package domain

// TransferInput is a validated ownership-transfer request. All fields are
// request-scoped; nothing here outlives the invocation that produced it.
type TransferInput struct {
	Credential string
	GroupID    int64
	UserID     int64
}

// RemoteOutcome captures one remote response verbatim: the status code plus
// either the parsed JSON body or a truncated raw-text fallback when the body
// is not valid JSON.
type RemoteOutcome struct {
	StatusCode int
	Body       map[string]any
	RawText    string
}

// Outcome codes, mirrored in API error codes and audit rows.
const (
	OutcomeSuccess              = "success"
	OutcomeValidation           = "validation_error"
	OutcomeCredentialRejected   = "credential_rejected"
	OutcomeTokenUnavailable     = "token_unavailable"
	OutcomePermissionDenied     = "permission_denied"
	OutcomeVerificationRequired = "verification_required"
	OutcomeTargetNotFound       = "target_not_found"
	OutcomeRateLimited          = "rate_limited"
	OutcomeRemoteUnavailable    = "remote_unavailable"
	OutcomeUnknownRemote        = "unknown_remote_error"
	OutcomeInternal             = "internal_error"
)

// Attempt is one audit row for a relay invocation. The credential and the
// anti-forgery token are never recorded.
type Attempt struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	RequestID     string `json:"request_id"`
	GroupID       int64  `json:"group_id"`
	UserID        int64  `json:"user_id"`
	Outcome       string `json:"outcome"`
	RemoteStatus  int    `json:"remote_status,omitempty"`
	TokenEndpoint string `json:"token_endpoint,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}
