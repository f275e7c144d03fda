// Package shinkerr defines the node's error taxonomy. Errors are values,
// categorized so callers can decide whether to retry, surface, or drop.
package shinkerr

import "fmt"

// Category classifies an error for retry/propagation policy.
type Category string

const (
	// CategoryDecode covers malformed envelopes, bad base64, schema mismatches.
	// Policy: drop the frame, never retry.
	CategoryDecode Category = "decode"

	// CategoryCrypto covers bad signatures and decrypt failures.
	// Policy: drop silently.
	CategoryCrypto Category = "crypto"

	// CategoryAuthorization covers denied reader/writer construction.
	// Policy: return as a typed refusal, never escalate.
	CategoryAuthorization Category = "authorization"

	// CategoryNotFound covers missing inboxes, jobs, or VectorFS paths.
	CategoryNotFound Category = "not_found"

	// CategoryProvider covers LLM or embedding provider failures.
	// Policy: bounded retry (3, backoff on 413).
	CategoryProvider Category = "provider"

	// CategoryTransport covers dial and write failures.
	// Policy: exponential-backoff retry queue with a capped interval; the
	// number of retries per message is not capped.
	CategoryTransport Category = "transport"

	// CategoryInternal covers KV failures and invariant violations.
	// Policy: log and propagate.
	CategoryInternal Category = "internal"
)

// Retryable reports whether errors of this category are eligible for retry.
// Only Provider and Transport categories retry; everything else fails fast.
func (c Category) Retryable() bool {
	return c == CategoryProvider || c == CategoryTransport
}

// Error is a categorized, wrapped node error.
type Error struct {
	Category Category
	Code     string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a categorized error with no wrapped cause.
func New(cat Category, code, message string) *Error {
	return &Error{Category: cat, Code: code, Message: message}
}

// Wrap builds a categorized error wrapping an existing error.
func Wrap(cat Category, code, message string, cause error) *Error {
	return &Error{Category: cat, Code: code, Message: message, Cause: cause}
}

// JSON is the structured error object a job writes to its inbox on
// irrecoverable failure: { code, error, message }.
type JSON struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ToJSON renders the error as the job-inbox structured error payload.
func (e *Error) ToJSON() JSON {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return JSON{Code: e.Code, Error: string(e.Category), Message: msg}
}

// Common sentinel codes referenced across components.
const (
	CodeBadSignature        = "bad_signature"
	CodeDecryptFailed       = "decrypt_failed"
	CodeInvalidSchema       = "invalid_schema"
	CodeCanonEncodeFailed   = "canon_encode_failed"
	CodeInvalidReaderPerm   = "invalid_reader_permission"
	CodeInvalidWriterPerm   = "invalid_writer_permission"
	CodeInboxNotFound       = "inbox_not_found"
	CodeJobNotFound         = "job_not_found"
	CodePathNotFound        = "path_not_found"
	CodeIdentityNotFound    = "identity_not_found"
	CodeMissingCapabilities = "llm_provider_missing_capabilities"
	CodeDialFailed          = "dial_failed"
	CodeWriteFailed         = "write_failed"
	CodeKVFailure           = "kv_failure"
	CodeInvariantViolated   = "invariant_violated"
)
