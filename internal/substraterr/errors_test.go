package substraterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfOnWrappedError(t *testing.T) {
	err := New(KindNotFound, "session %s missing", "abc")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not-found, got %s", KindOf(err))
	}
}

func TestKindOfOnStringPrefixedError(t *testing.T) {
	err := fmt.Errorf("provider-failure: restore session abc: %w", errors.New("boom"))
	if KindOf(err) != KindProviderFailure {
		t.Fatalf("expected provider-failure, got %s", KindOf(err))
	}
}

func TestKindOfOnUnrelatedErrorIsUnknown(t *testing.T) {
	if KindOf(errors.New("something else")) != KindUnknown {
		t.Fatalf("expected unknown")
	}
}

func TestWrapPreservesUnwrap(t *testing.T) {
	sentinel := errors.New("underlying")
	wrapped := Wrap(KindIOFailure, sentinel)
	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected errors.Is to see through the wrapper")
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(KindIOFailure, nil) != nil {
		t.Fatalf("expected nil")
	}
}
