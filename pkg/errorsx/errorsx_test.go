package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonUpload)
	if Reason(err) != ReasonUpload {
		t.Fatalf("expected reason %s, got %s", ReasonUpload, Reason(err))
	}
	if !HasReason(err, ReasonUpload) {
		t.Fatalf("expected HasReason true")
	}
}

func TestInnermostReasonWins(t *testing.T) {
	first := Wrap(assertErr{}, ReasonPersistenceWrite)
	second := Wrap(fmt.Errorf("finalize: %w", first), ReasonUpload)
	if Reason(second) != ReasonPersistenceWrite {
		t.Fatalf("expected inner reason preserved, got %s", Reason(second))
	}
}

func TestWrapfKeepsChain(t *testing.T) {
	err := Wrapf(ReasonRecognizer, "stop session %d: %w", 7, assertErr{})
	if Reason(err) != ReasonRecognizer {
		t.Fatalf("expected recognizer reason, got %s", Reason(err))
	}
	if !errors.Is(err, assertErr{}) {
		t.Fatalf("expected errors.Is to reach the root error")
	}
	if err.Error() != "stop session 7: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestPermanent(t *testing.T) {
	if !Permanent(Wrap(assertErr{}, ReasonSessionNotFound)) {
		t.Fatalf("missing session should be permanent")
	}
	if !Permanent(fmt.Errorf("upload: %w", Wrap(assertErr{}, ReasonUploadRejected))) {
		t.Fatalf("rejected upload should be permanent")
	}
	if Permanent(Wrap(assertErr{}, ReasonPersistenceWrite)) || Permanent(assertErr{}) {
		t.Fatalf("write failures and plain errors are retryable")
	}
}

func TestNilAndUnreasoned(t *testing.T) {
	if Wrap(nil, ReasonUpload) != nil {
		t.Fatalf("expected nil passthrough")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown for nil")
	}
	if Reason(assertErr{}) != ReasonUnknown {
		t.Fatalf("expected unknown for plain error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
