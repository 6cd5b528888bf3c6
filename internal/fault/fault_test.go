package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Tagged(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Transient("dial timeout"), KindTransient},
		{Permanent("unsupported format"), KindPermanent},
		{Policy("capability blocked"), KindPolicy},
		{Validation("empty subject"), KindValidation},
		{CircuitOpen("gmail cooling down"), KindCircuitOpen},
		{Overflow("chat queue full"), KindOverflow},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestKindOf_WrappedSurvives(t *testing.T) {
	inner := Transient("store busy")
	wrapped := fmt.Errorf("executing gmail: %w", inner)
	if got := KindOf(wrapped); got != KindTransient {
		t.Fatalf("KindOf(wrapped) = %q, want transient", got)
	}
}

func TestKindOf_UnkindedCoercedToPermanent(t *testing.T) {
	if got := KindOf(errors.New("mystery")); got != KindPermanent {
		t.Fatalf("KindOf(plain) = %q, want permanent", got)
	}
}

func TestKindOf_Nil(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q, want empty", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Transient("flaky")) {
		t.Fatal("transient should be retryable")
	}
	if IsRetryable(Permanent("bad request")) {
		t.Fatal("permanent should not be retryable")
	}
	if IsRetryable(CircuitOpen("open")) {
		t.Fatal("circuit-open should not be retryable inside the attempt loop")
	}
}

func TestWrap_NilPassThrough(t *testing.T) {
	if Wrap(KindTransient, nil, "x") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}

func TestWrap_Unwraps(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := Wrap(KindTransient, sentinel, "saving row")
	if !errors.Is(err, sentinel) {
		t.Fatal("wrapped error should match sentinel via errors.Is")
	}
}

func TestWithRemedy(t *testing.T) {
	err := Policy("blocked").WithRemedy("pide aprobación con /approve")
	if got := RemedyOf(err); got != "pide aprobación con /approve" {
		t.Fatalf("RemedyOf = %q", got)
	}
	if RemedyOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no remedy")
	}
}
