package relay

import (
	"net/http"
	"strings"
	"time"

	"groupline/internal/config"
	"groupline/internal/domain"
)

// verificationGateMarkers are body fragments the remote uses when the token
// was accepted but the account must clear an interactive verification step
// before ownership changes.
var verificationGateMarkers = []string{
	"challenge is required",
	"two-step verification",
	"additional verification required",
}

// Result is the stable caller-facing translation of a RemoteOutcome.
type Result struct {
	Code         string
	RemoteStatus int
	Data         map[string]any
	Snippet      string
}

// Success reports whether the translated outcome is the 2xx path.
func (r Result) Success() bool { return r.Code == domain.OutcomeSuccess }

// Translate maps a remote outcome to the local taxonomy. Pure: no side
// effects, identical outcomes always translate identically. Remote 5xx is
// always attributed to the upstream, never surfaced as this service's own
// fault.
func Translate(outcome domain.RemoteOutcome, snippetBytes int) Result {
	res := Result{
		RemoteStatus: outcome.StatusCode,
		Snippet:      outcomeSnippet(outcome, snippetBytes),
	}
	switch {
	case outcome.StatusCode >= 200 && outcome.StatusCode < 300:
		res.Code = domain.OutcomeSuccess
		res.Data = outcome.Body
		res.Snippet = ""
	case outcome.StatusCode == http.StatusUnauthorized:
		res.Code = domain.OutcomeCredentialRejected
	case outcome.StatusCode == http.StatusForbidden:
		if isVerificationGate(outcome) {
			res.Code = domain.OutcomeVerificationRequired
		} else {
			res.Code = domain.OutcomePermissionDenied
		}
	case outcome.StatusCode == http.StatusNotFound:
		res.Code = domain.OutcomeTargetNotFound
	case outcome.StatusCode == http.StatusTooManyRequests:
		res.Code = domain.OutcomeRateLimited
	case outcome.StatusCode >= 500:
		res.Code = domain.OutcomeRemoteUnavailable
	default:
		res.Code = domain.OutcomeUnknownRemote
	}
	return res
}

// isVerificationGate matches the known marker texts in either the parsed
// error body or the raw-text fallback.
func isVerificationGate(outcome domain.RemoteOutcome) bool {
	if outcome.StatusCode != http.StatusForbidden {
		return false
	}
	text := strings.ToLower(outcome.RawText)
	if text == "" && outcome.Body != nil {
		text = strings.ToLower(flattenBodyText(outcome.Body))
	}
	for _, marker := range verificationGateMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// flattenBodyText collects the string leaves of a remote error body; the
// remote nests messages under varying keys (errors[].message, message,
// error_description) depending on the endpoint generation.
func flattenBodyText(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case map[string]any:
		parts := make([]string, 0, len(typed))
		for _, v := range typed {
			if s := flattenBodyText(v); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	case []any:
		parts := make([]string, 0, len(typed))
		for _, v := range typed {
			if s := flattenBodyText(v); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func outcomeSnippet(outcome domain.RemoteOutcome, snippetBytes int) string {
	if outcome.RawText != "" {
		return truncate(outcome.RawText, snippetBytes)
	}
	if outcome.Body != nil {
		return truncate(flattenBodyText(outcome.Body), snippetBytes)
	}
	return ""
}

func timeoutFor(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Remote.TimeoutSeconds) * time.Second
}
