package armi

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// ValueKind tags a Value's underlying representation. It replaces runtime type
// introspection of an arbitrary serializable object: every value crossing
// the wire is one of these, nothing else.
type ValueKind byte

const (
	KindNil ValueKind = iota
	KindVoid
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindSeq
	KindTagged
)

func (k ValueKind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindVoid:
		return "void"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindSeq:
		return "seq"
	case KindTagged:
		return "tagged"
	default:
		return fmt.Sprintf("ValueKind(%d)", byte(k))
	}
}

// Value is the closed wire grammar that every call argument, return value,
// and transportable predicate is reduced to. It stands in for the
// original's arbitrary language-native Serializable: a statically typed
// target cannot accept "any object," so it accepts one of these instead.
type Value struct {
	Kind ValueKind

	Bool    bool
	Int64   int64
	Float64 float64
	Str     string
	Bytes   []byte
	Seq     []Value

	// Tag and Fields are populated only when Kind == KindTagged. Tag names
	// the structure (e.g. "ArmiException"); Fields are its ordered members.
	Tag    string
	Fields []Value
}

// Nil is the null value.
var Nil = Value{Kind: KindNil}

// Void is the zero-arity "nothing" sentinel, the Go analogue of the
// original's ArmiVoid singleton.
var Void = Value{Kind: KindVoid}

func Bool(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func Int64(i int64) Value     { return Value{Kind: KindInt64, Int64: i} }
func Float64(f float64) Value { return Value{Kind: KindFloat64, Float64: f} }
func String(s string) Value   { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value    { return Value{Kind: KindBytes, Bytes: b} }
func Seq(vs ...Value) Value   { return Value{Kind: KindSeq, Seq: vs} }
func Tagged(tag string, fields ...Value) Value {
	return Value{Kind: KindTagged, Tag: tag, Fields: fields}
}

// IsNil reports whether v is the null value.
func (v Value) IsNil() bool { return v.Kind == KindNil }

// MarshalMsg appends the greenpack encoding of v to b and returns the
// extended slice, in the style of greenpack-generated Marshalers.
func (v Value) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendByte(b, byte(v.Kind))
	switch v.Kind {
	case KindNil, KindVoid:
		// no payload
	case KindBool:
		o = msgp.AppendBool(o, v.Bool)
	case KindInt64:
		o = msgp.AppendInt64(o, v.Int64)
	case KindFloat64:
		o = msgp.AppendFloat64(o, v.Float64)
	case KindString:
		o = msgp.AppendString(o, v.Str)
	case KindBytes:
		o = msgp.AppendBytes(o, v.Bytes)
	case KindSeq:
		o = msgp.AppendArrayHeader(o, uint32(len(v.Seq)))
		for _, e := range v.Seq {
			o, err = e.MarshalMsg(o)
			if err != nil {
				return o, err
			}
		}
	case KindTagged:
		o = msgp.AppendString(o, v.Tag)
		o = msgp.AppendArrayHeader(o, uint32(len(v.Fields)))
		for _, f := range v.Fields {
			o, err = f.MarshalMsg(o)
			if err != nil {
				return o, err
			}
		}
	default:
		return o, fmt.Errorf("armi: cannot marshal unknown Value kind %v", v.Kind)
	}
	return o, nil
}

// UnmarshalMsg decodes one Value from the front of bts and returns the
// unconsumed remainder, in the style of greenpack-generated Unmarshalers.
func (v *Value) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var kb byte
	kb, o, err = msgp.ReadByteBytes(bts)
	if err != nil {
		return o, err
	}
	v.Kind = ValueKind(kb)
	switch v.Kind {
	case KindNil, KindVoid:
		// no payload
	case KindBool:
		v.Bool, o, err = msgp.ReadBoolBytes(o)
	case KindInt64:
		v.Int64, o, err = msgp.ReadInt64Bytes(o)
	case KindFloat64:
		v.Float64, o, err = msgp.ReadFloat64Bytes(o)
	case KindString:
		v.Str, o, err = msgp.ReadStringBytes(o)
	case KindBytes:
		v.Bytes, o, err = msgp.ReadBytesBytes(o, nil)
	case KindSeq:
		var n uint32
		n, o, err = msgp.ReadArrayHeaderBytes(o)
		if err != nil {
			return o, err
		}
		// An empty sequence decodes to a nil slice, as Seq() builds it.
		v.Seq = nil
		if n > 0 {
			v.Seq = make([]Value, n)
		}
		for i := range v.Seq {
			o, err = v.Seq[i].UnmarshalMsg(o)
			if err != nil {
				return o, err
			}
		}
	case KindTagged:
		v.Tag, o, err = msgp.ReadStringBytes(o)
		if err != nil {
			return o, err
		}
		var n uint32
		n, o, err = msgp.ReadArrayHeaderBytes(o)
		if err != nil {
			return o, err
		}
		v.Fields = make([]Value, n)
		for i := range v.Fields {
			o, err = v.Fields[i].UnmarshalMsg(o)
			if err != nil {
				return o, err
			}
		}
	default:
		return o, fmt.Errorf("armi: cannot unmarshal unknown Value kind %d", kb)
	}
	return o, err
}

// EncodeSeq greenpack-encodes a []Value as a standalone payload, used when
// a whole argument list must become one Envelope.payload.
func EncodeSeq(args []Value) ([]byte, error) {
	return Seq(args...).MarshalMsg(nil)
}

// DecodeSeq reverses EncodeSeq.
func DecodeSeq(payload []byte) ([]Value, error) {
	var v Value
	_, err := v.UnmarshalMsg(payload)
	if err != nil {
		return nil, err
	}
	if v.Kind != KindSeq {
		return nil, fmt.Errorf("armi: expected seq, got %v", v.Kind)
	}
	return v.Seq, nil
}
