package ferr

import (
	"errors"
	"fmt"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindPolicyRejected, 403},
		{KindSignatureInvalid, 401},
		{KindNotFound, 410},
		{KindParseError, 400},
		{KindStorageError, 500},
		{KindRecursionExceeded, 422},
		{KindUnhandled, 501},
		{KindDuplicate, 200},
		{KindTransientNetwork, 200},
	}
	for _, c := range cases {
		t.Run(c.kind.String(), func(t *testing.T) {
			if got := HTTPStatus(c.kind); got != c.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", c.kind, got, c.want)
			}
		})
	}
}

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(KindSignatureInvalid, "bad signature")
	wrapped := fmt.Errorf("handling inbox: %w", base)

	if got := KindOf(wrapped); got != KindSignatureInvalid {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindSignatureInvalid)
	}
	if !Is(wrapped, KindSignatureInvalid) {
		t.Error("Is(wrapped, KindSignatureInvalid) = false, want true")
	}
}

func TestKindOfUnclassifiedDefaultsToStorageError(t *testing.T) {
	plain := errors.New("boom")
	if got := KindOf(plain); got != KindStorageError {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindStorageError)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(KindTransientNetwork, "fetch actor", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return the original cause")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(KindTransientNetwork, "timeout")) {
		t.Error("transient network error should be retryable")
	}
	if Retryable(New(KindPolicyRejected, "blocked")) {
		t.Error("policy rejection should not be retryable")
	}
	if Retryable(errors.New("unclassified")) {
		t.Error("unclassified error should not be retryable")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("EOF")
	err := Wrap(KindParseError, "decode body", cause)
	msg := err.Error()
	if msg == "" {
		t.Fatal("Error() returned empty string")
	}
	if !errors.Is(err, cause) {
		t.Error("expected wrapped error chain to include cause")
	}
}
