package retry

import (
	"errors"
	"strconv"
	"strings"

	"github.com/kestrelai/llmgateway/types"
)

// ErrorType is the coarse classification bucket produced by Classify.
type ErrorType string

const (
	ErrorTypeRateLimit   ErrorType = "RATE_LIMIT"
	ErrorTypeAuth        ErrorType = "AUTH"
	ErrorTypeForbidden   ErrorType = "FORBIDDEN"
	ErrorTypeServerError ErrorType = "SERVER_ERROR"
	ErrorTypeClientError ErrorType = "CLIENT_ERROR"
	ErrorTypeNetwork     ErrorType = "NETWORK"
	ErrorTypeUnknown     ErrorType = "UNKNOWN"
)

// Severity ranks how urgently an error deserves operator attention.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Classification is the pure-function output of Classify: what kind of
// failure this was, whether retrying makes sense, and what a human should
// do about it.
type Classification struct {
	Type            ErrorType
	Retryable       bool
	Severity        Severity
	SuggestedAction string
}

// UpstreamError carries the signal the classifier needs from a failed
// upstream HTTP call: status code, message, and raw response headers
// (used to recover retry-after). Provider adapters should return this
// type (or something that unwraps to it) on non-2xx responses.
type UpstreamError struct {
	Code    int
	Message string
	Headers map[string]string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "upstream error"
}

// networkErrorTokens are substrings of Go/libc network-error strings that
// indicate a transient connectivity failure rather than an application error.
var networkErrorTokens = []string{
	"ECONNRESET", "ETIMEDOUT", "ECONNREFUSED", "ECONNABORTED",
	"ENETUNREACH", "connection reset", "connection refused",
	"i/o timeout", "no such host",
}

// Classify maps an error to a retry/severity verdict. It never mutates err
// and never itself retries or sleeps — callers (the retry handler) decide
// what to do with the verdict.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Type: ErrorTypeUnknown, Retryable: false, Severity: SeverityMedium, SuggestedAction: "contact support"}
	}

	if ue, ok := asUpstreamError(err); ok {
		switch {
		case ue.Code == 429:
			return Classification{Type: ErrorTypeRateLimit, Retryable: true, Severity: SeverityLow, SuggestedAction: "Switch to a different model or provider"}
		case ue.Code == 401:
			return Classification{Type: ErrorTypeAuth, Retryable: false, Severity: SeverityHigh, SuggestedAction: "Check the API key"}
		case ue.Code == 403:
			return Classification{Type: ErrorTypeForbidden, Retryable: false, Severity: SeverityHigh, SuggestedAction: "Check account permission"}
		case ue.Code >= 500 && ue.Code < 600:
			return Classification{Type: ErrorTypeServerError, Retryable: true, Severity: SeverityMedium, SuggestedAction: "Retry after a short delay"}
		case ue.Code >= 400 && ue.Code < 500:
			return Classification{Type: ErrorTypeClientError, Retryable: false, Severity: SeverityMedium, SuggestedAction: "Check request parameters"}
		}
	}

	msg := err.Error()
	for _, tok := range networkErrorTokens {
		if strings.Contains(msg, tok) {
			return Classification{Type: ErrorTypeNetwork, Retryable: true, Severity: SeverityMedium, SuggestedAction: "Retry the connection"}
		}
	}

	// A structured *types.Error (what provider adapters return) that is not
	// backed by an UpstreamError carries its own retryable verdict.
	var te *types.Error
	if errors.As(err, &te) && te.Retryable {
		return Classification{Type: ErrorTypeUnknown, Retryable: true, Severity: SeverityMedium, SuggestedAction: "Retry after a short delay"}
	}

	return Classification{Type: ErrorTypeUnknown, Retryable: false, Severity: SeverityMedium, SuggestedAction: "contact support"}
}

func asUpstreamError(err error) (*UpstreamError, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ue, ok := err.(*UpstreamError); ok {
			return ue, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// RetryAfterSeconds extracts a retry-after value (seconds) from an
// UpstreamError's headers, if present. Accepts both "5" and "5s" shapes.
func RetryAfterSeconds(err error) (int, bool) {
	ue, ok := asUpstreamError(err)
	if !ok || ue.Headers == nil {
		return 0, false
	}
	for _, key := range []string{"retry-after", "Retry-After"} {
		if v, ok := ue.Headers[key]; ok && v != "" {
			v = strings.TrimSuffix(strings.TrimSpace(v), "s")
			n, err := strconv.Atoi(v)
			if err != nil {
				continue
			}
			return n, true
		}
	}
	return 0, false
}
