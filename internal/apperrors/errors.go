// Package apperrors defines the sentinel errors used across the core,
// grouped by the error kinds of the spec: transient, validation,
// conflict, fatal. Return these unwrapped at RPC/WS boundaries so the
// stable Code survives into an `error` envelope.
package apperrors

import "errors"

// Kind classifies how a caller should react to an error.
type Kind int

const (
	KindTransient Kind = iota
	KindValidation
	KindConflict
	KindFatal
)

// AppError carries a stable wire code alongside the Go error value.
type AppError struct {
	Code    string
	Kind    Kind
	message string
}

func (e *AppError) Error() string { return e.message }

func newErr(code, message string, kind Kind) *AppError {
	return &AppError{Code: code, Kind: kind, message: message}
}

// Transient errors: the next sweep or a per-turn fallback resolves them.
var (
	ErrKVUnavailable        = newErr("KV_UNAVAILABLE", "kv store unavailable", KindTransient)
	ErrBusUnavailable       = newErr("BUS_UNAVAILABLE", "pub/sub bus unavailable", KindTransient)
	ErrBotTimeout           = newErr("BOT_TIMEOUT", "bot did not respond in time", KindTransient)
	ErrBotTransport         = newErr("BOT_TRANSPORT_ERROR", "bot transport error", KindTransient)
	ErrBotNotConnected      = newErr("BOT_NOT_CONNECTED", "bot not connected", KindTransient)
	ErrCrossInstanceTimeout = newErr("CROSS_INSTANCE_TIMEOUT", "cross-instance request timed out", KindTransient)
)

// Validation errors: reported to the caller, turn continues with a
// fallback where applicable.
var (
	ErrMalformedReply  = newErr("MALFORMED_REPLY", "bot reply failed validation", KindValidation)
	ErrUnknownPreset   = newErr("UNKNOWN_PRESET", "preset does not exist", KindValidation)
	ErrInvalidInput    = newErr("INVALID_INPUT", "invalid request", KindValidation)
	ErrUnmarshal       = newErr("UNMARSHAL_FAILED", "could not unmarshal payload", KindValidation)
	ErrMarshal         = newErr("MARSHAL_FAILED", "could not marshal payload", KindValidation)
	ErrNoUserIDInToken = newErr("NO_BOT_ID", "could not resolve bot identity from token", KindValidation)
)

// Conflict errors: returned as a boolean false, no side effects.
var (
	ErrDuplicateVote     = newErr("DUPLICATE_VOTE", "voter already voted this round", KindConflict)
	ErrAlreadyOwned      = newErr("ALREADY_OWNED", "contest already owned by another instance", KindConflict)
	ErrLockHeld          = newErr("LOCK_HELD", "recovery lock already held", KindConflict)
	ErrNotVotingPhase    = newErr("NOT_VOTING_PHASE", "contest is not currently accepting votes", KindConflict)
	ErrRoundMismatch     = newErr("ROUND_MISMATCH", "vote submitted for a round that is not current", KindConflict)
	ErrAlreadySettled    = newErr("ALREADY_SETTLED", "contest already settled", KindConflict)
	ErrDuplicateRoundRow = newErr("DUPLICATE_ROUND_RESULT", "round result already recorded", KindConflict)
)

// Fatal errors: abort startup.
var (
	ErrDatabaseUnreachable = newErr("DATABASE_UNREACHABLE", "database unreachable at startup", KindFatal)
	ErrNoPresets           = newErr("NO_PRESETS", "preset registry is empty", KindFatal)
	ErrInvalidConfig       = newErr("INVALID_CONFIG", "configuration failed validation", KindFatal)
)

// CodeDebateCancelled is emitted to spectators as an `error` envelope; it is
// not itself a failure kind, just the stable code spec.md §7 names.
const CodeDebateCancelled = "DEBATE_CANCELLED"

// Is reports whether err (or anything it wraps) is the given sentinel.
func Is(err, target error) bool { return errors.Is(err, target) }

// CodeOf extracts the wire code from err, or "INTERNAL" if err is not
// one of ours.
func CodeOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "INTERNAL"
}
