package traderr

import (
	"errors"
	"fmt"
)

// Kind classifies a trading error for routing and reporting.
type Kind string

const (
	KindValidation     Kind = "VALIDATION"      // malformed input: reject, continue
	KindRiskLimit      Kind = "RISK_LIMIT"      // a specific limit breached: reject or halt
	KindState          Kind = "STATE"           // illegal lifecycle transition
	KindReconciliation Kind = "RECONCILIATION"  // authoritative vs local divergence
	KindFatalConfig    Kind = "FATAL_CONFIG"    // missing/invalid config: aborts startup
)

// Error carries a kind alongside the message so handlers can decide
// whether to reject, halt, or abort without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func RiskLimit(format string, args ...any) *Error {
	return newError(KindRiskLimit, format, args...)
}

func State(format string, args ...any) *Error {
	return newError(KindState, format, args...)
}

func Reconciliation(format string, args ...any) *Error {
	return newError(KindReconciliation, format, args...)
}

func FatalConfig(format string, args ...any) *Error {
	return newError(KindFatalConfig, format, args...)
}

// KindOf extracts the kind from err, or empty string for plain errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
