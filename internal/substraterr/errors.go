// Package substraterr defines the error-kind taxonomy from spec.md section
// 7, so callers across package boundaries can classify an error without
// string-matching.
package substraterr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the eight error kinds spec.md section 7 enumerates.
type Kind string

const (
	KindSessionState    Kind = "session-state"
	KindNotFound        Kind = "not-found"
	KindSlotsExhausted  Kind = "slots-exhausted"
	KindRouteInvalid    Kind = "route-invalid"
	KindNameConflict    Kind = "name-conflict"
	KindProviderFailure Kind = "provider-failure"
	KindIOFailure       Kind = "io-failure"
	KindCorruptLog      Kind = "corrupt-log"
	KindUnknown         Kind = "unknown"
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// Wrap tags err with kind. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// New builds a new tagged error from a format string, matching fmt.Errorf.
func New(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

var allKinds = []Kind{
	KindSessionState, KindNotFound, KindSlotsExhausted, KindRouteInvalid,
	KindNameConflict, KindProviderFailure, KindIOFailure, KindCorruptLog,
}

// KindOf extracts the Kind tagged onto err. Callers that predate the
// kindError wrapper (internal/multiplexer) still prefix plain errors with "<kind>: "; KindOf falls back to recognizing
// that prefix so every call site doesn't need rewriting to get a
// classifiable error.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	if err == nil {
		return KindUnknown
	}
	msg := err.Error()
	for _, k := range allKinds {
		if strings.HasPrefix(msg, string(k)+":") {
			return k
		}
	}
	return KindUnknown
}
