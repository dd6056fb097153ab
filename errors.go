package armi

import (
	"fmt"
	"runtime"
)

// Kind classifies an ArmiError the way the original distinguished its
// various failure paths, without exceptions.
type Kind string

const (
	KindIOError         Kind = "ioError"
	KindTimeoutError    Kind = "timeoutError"
	KindProtocolError   Kind = "protocolError"
	KindInvocationError Kind = "invocationError"
	KindIllegalState    Kind = "illegalState"
)

func (k Kind) String() string { return string(k) }

// Frame is one entry of a transported stack trace: the Go analogue of
// Java's StackTraceElement (class, file, method, line).
type Frame struct {
	Function string
	File     string
	Line     int
}

// ArmiError is the one transportable, structured error type that crosses
// the wire. It carries a message, a captured call stack, and an optional
// nested cause of the same shape, round-tripping as a Tagged Value.
type ArmiError struct {
	Kind    Kind
	Msg     string
	Frames  []Frame
	Cause   *ArmiError
}

// NewArmiError builds an ArmiError of the given kind, capturing the current
// goroutine's call stack the way ArmiException.java captures
// getStackTrace() at construction time.
func NewArmiError(kind Kind, msg string) *ArmiError {
	return &ArmiError{Kind: kind, Msg: msg, Frames: captureFrames(2)}
}

// Wrap builds an ArmiError of the given kind wrapping an existing Go error
// as its cause.
func Wrap(kind Kind, msg string, cause error) *ArmiError {
	e := &ArmiError{Kind: kind, Msg: msg, Frames: captureFrames(2)}
	if ae, ok := cause.(*ArmiError); ok {
		e.Cause = ae
	} else if cause != nil {
		e.Cause = &ArmiError{Kind: KindInvocationError, Msg: cause.Error()}
	}
	return e
}

func captureFrames(skip int) []Frame {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]Frame, 0, n)
	for {
		f, more := frames.Next()
		out = append(out, Frame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return out
}

func (e *ArmiError) Error() string {
	if e == nil {
		return "<nil armi error>"
	}
	s := fmt.Sprintf("armi: %s: %s", e.Kind, e.Msg)
	if e.Cause != nil {
		s += "; caused by: " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes the nested cause so errors.Is/errors.As work against it.
func (e *ArmiError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an ArmiError of the same Kind, enabling
// errors.Is(err, &armi.ArmiError{Kind: armi.KindTimeoutError}) style
// checks, where the target serves as a per-kind sentinel.
func (e *ArmiError) Is(target error) bool {
	other, ok := target.(*ArmiError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// AsValue encodes the error as a Tagged Value for wire transport, the Go
// analogue of ArmiException's writeExternal.
func (e *ArmiError) AsValue() Value {
	if e == nil {
		return Nil
	}
	frameVals := make([]Value, 0, len(e.Frames))
	for _, f := range e.Frames {
		frameVals = append(frameVals, Tagged("Frame",
			String(f.Function), String(f.File), Int64(int64(f.Line))))
	}
	fields := []Value{
		String(string(e.Kind)),
		String(e.Msg),
		Seq(frameVals...),
	}
	if e.Cause != nil {
		fields = append(fields, e.Cause.AsValue())
	} else {
		fields = append(fields, Nil)
	}
	return Tagged(TypeArmiException, fields...)
}

// ArmiErrorFromValue decodes a Tagged(TypeArmiException, ...) Value back
// into an *ArmiError, the Go analogue of readExternal.
func ArmiErrorFromValue(v Value) (*ArmiError, error) {
	if v.IsNil() {
		return nil, nil
	}
	if v.Kind != KindTagged || v.Tag != TypeArmiException || len(v.Fields) != 4 {
		return nil, fmt.Errorf("armi: malformed %s value", TypeArmiException)
	}
	e := &ArmiError{
		Kind: Kind(v.Fields[0].Str),
		Msg:  v.Fields[1].Str,
	}
	for _, fv := range v.Fields[2].Seq {
		if fv.Kind != KindTagged || len(fv.Fields) != 3 {
			continue
		}
		e.Frames = append(e.Frames, Frame{
			Function: fv.Fields[0].Str,
			File:     fv.Fields[1].Str,
			Line:     int(fv.Fields[2].Int64),
		})
	}
	if !v.Fields[3].IsNil() {
		cause, err := ArmiErrorFromValue(v.Fields[3])
		if err != nil {
			return nil, err
		}
		e.Cause = cause
	}
	return e, nil
}
