package armi

import (
	"errors"
	"testing"
)

func TestArmiErrorRoundTrip(t *testing.T) {
	cause := NewArmiError(KindIOError, "connection reset")
	top := Wrap(KindInvocationError, "Calculator.add failed", cause)

	v := top.AsValue()
	got, err := ArmiErrorFromValue(v)
	if err != nil {
		t.Fatalf("ArmiErrorFromValue: %v", err)
	}
	if got.Kind != top.Kind || got.Msg != top.Msg {
		t.Errorf("got %+v, want %+v", got, top)
	}
	if got.Cause == nil {
		t.Fatal("expected a decoded cause")
	}
	if got.Cause.Kind != KindIOError || got.Cause.Msg != "connection reset" {
		t.Errorf("cause mismatch: %+v", got.Cause)
	}
	if len(got.Frames) == 0 {
		t.Error("expected a captured stack trace")
	}
}

func TestArmiErrorFromNilValue(t *testing.T) {
	got, err := ArmiErrorFromValue(Nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil ArmiError, got %+v", got)
	}
}

func TestArmiErrorIs(t *testing.T) {
	a := NewArmiError(KindTimeoutError, "call timed out")
	b := NewArmiError(KindTimeoutError, "a different message")
	c := NewArmiError(KindIOError, "call timed out")

	if !errors.Is(a, b) {
		t.Error("expected two timeoutError ArmiErrors to match via errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("expected mismatched kinds not to match via errors.Is")
	}
}

func TestArmiErrorUnwrap(t *testing.T) {
	cause := NewArmiError(KindIOError, "reset")
	top := Wrap(KindInvocationError, "failed", cause)
	if errors.Unwrap(top) != cause {
		t.Error("Unwrap should expose the wrapped cause")
	}
}

func TestArmiErrorErrorString(t *testing.T) {
	e := NewArmiError(KindProtocolError, "bad frame")
	if e.Error() == "" {
		t.Error("Error() should not be empty")
	}
	var nilErr *ArmiError
	if nilErr.Error() == "" {
		t.Error("Error() on a nil *ArmiError should not panic and should return something")
	}
}
