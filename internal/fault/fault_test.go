package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("op", "bad %s", "path"), KindValidation},
		{"pending", Pending("op", "busy"), KindConflict},
		{"already exists", AlreadyExists("op", "dup"), KindConflict},
		{"not found", NotFound("op", "missing"), KindNotFound},
		{"transient", Transient("op", context.DeadlineExceeded), KindTransient},
		{"invariant", Invariant("op", "bad state"), KindInvariant},
		{"plain", errors.New("plain"), KindUnknown},
		{"wrapped", fmt.Errorf("outer: %w", NotFound("op", "x")), KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSentinels(t *testing.T) {
	pending := fmt.Errorf("store: %w", Pending("index.create", "in flight"))
	if !errors.Is(pending, ErrPending) {
		t.Error("expected ErrPending")
	}
	if errors.Is(pending, ErrAlreadyExists) {
		t.Error("pending must not match ErrAlreadyExists")
	}
	if !IsConflict(pending) {
		t.Error("pending should be a conflict")
	}
	if !IsConflict(AlreadyExists("op", "dup")) {
		t.Error("already-exists should be a conflict")
	}
	if IsConflict(NotFound("op", "x")) {
		t.Error("not-found is not a conflict")
	}
}

func TestTransientKeepsClassifiedKind(t *testing.T) {
	nf := NotFound("blob.get", "missing")
	if got := Transient("wrap", nf); got != nf {
		t.Errorf("Transient re-wrapped a classified error: %v", got)
	}
	if Transient("op", nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	cause := errors.New("connection reset")
	err := Transient("s3.put", cause)
	if !errors.Is(err, cause) {
		t.Error("transient should unwrap to its cause")
	}
	if !errors.Is(err, ErrTransient) {
		t.Error("transient should match ErrTransient")
	}
}

func TestReasonCode(t *testing.T) {
	tests := []struct {
		err  error
		want uint16
	}{
		{AlreadyExists("op", "dup"), CodeSOPAlreadyExists},
		{Pending("op", "busy"), CodePendingSOPInstance},
		{Validation("op", "bad"), CodeValidationFailure},
		{Transient("op", errors.New("io")), CodeProcessingFailure},
	}
	for _, tt := range tests {
		if got := ReasonCode(tt.err); got != tt.want {
			t.Errorf("ReasonCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindTransient, Op: "s3.put", Msg: "upload", Err: errors.New("timeout")}
	if got, want := err.Error(), "s3.put: upload: timeout"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	bare := &Error{Kind: KindNotFound}
	if got := bare.Error(); got != ErrNotFound.Error() {
		t.Errorf("Error() = %q", got)
	}
}
