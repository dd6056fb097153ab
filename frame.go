package armi

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// maxPayload bounds a single envelope's payload, guarding against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const maxPayload = 64 * 1024 * 1024

// compressIdentity is the only Envelope.Compression value this codec
// honors; every other value is corrupt until a future revision defines it.
const compressIdentity byte = 0

// Envelope is the single framing unit on the wire: type, flavor,
// compression, and payload, in that order, matching Packet.java's
// writeExternal/readExternal field order exactly.
type Envelope struct {
	Type        string
	Flavor      *string // nil means "no flavor"
	Compression byte
	Payload     []byte
}

// NewEnvelope builds an Envelope with identity compression and an optional
// flavor (pass nil for "no flavor").
func NewEnvelope(typ string, flavor *string, payload []byte) Envelope {
	return Envelope{Type: typ, Flavor: flavor, Compression: compressIdentity, Payload: payload}
}

// writeFull and readFull give the codec deadline-aware, short-write/short-read
// safe I/O, grounded on the teacher's common.go helpers of the same name.
func writeFull(conn net.Conn, buf []byte, deadline time.Time) error {
	if !deadline.IsZero() {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func readFull(conn net.Conn, buf []byte, deadline time.Time) error {
	if !deadline.IsZero() {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}
	}
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

// writeNullableString writes a leading marker byte (0 = null, 1 = present)
// followed, when present, by a 4-byte big-endian length and the UTF-8
// bytes. This is the Go analogue of ArmiOutputStream's overridden writeUTF,
// which must distinguish a null string from an empty one.
func writeNullableString(conn net.Conn, s *string, deadline time.Time) error {
	if s == nil {
		return writeFull(conn, []byte{0}, deadline)
	}
	b := []byte(*s)
	hdr := make([]byte, 5)
	hdr[0] = 1
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(b)))
	if err := writeFull(conn, hdr, deadline); err != nil {
		return err
	}
	return writeFull(conn, b, deadline)
}

func readNullableString(conn net.Conn, deadline time.Time) (*string, error) {
	marker := make([]byte, 1)
	if err := readFull(conn, marker, deadline); err != nil {
		return nil, err
	}
	if marker[0] == 0 {
		return nil, nil
	}
	if marker[0] != 1 {
		return nil, &ArmiError{Kind: KindProtocolError, Msg: fmt.Sprintf("bad nullable-string marker byte %d", marker[0])}
	}
	lenBuf := make([]byte, 4)
	if err := readFull(conn, lenBuf, deadline); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > maxPayload {
		return nil, &ArmiError{Kind: KindProtocolError, Msg: fmt.Sprintf("nullable-string length %d exceeds max", n)}
	}
	b := make([]byte, n)
	if err := readFull(conn, b, deadline); err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// WriteEnvelope writes one Envelope to conn in the order type, flavor,
// compression, payloadLength, payload. It emits no stream header: the
// continuation property required by §4.1 falls out naturally here because
// there is no self-describing-object-stream layer to suppress one from, by
// construction rather than by an override.
func WriteEnvelope(conn net.Conn, e Envelope, deadline time.Time) error {
	typ := e.Type
	if err := writeNullableString(conn, &typ, deadline); err != nil {
		return fmt.Errorf("armi: write envelope type: %w", err)
	}
	if err := writeNullableString(conn, e.Flavor, deadline); err != nil {
		return fmt.Errorf("armi: write envelope flavor: %w", err)
	}
	if err := writeFull(conn, []byte{e.Compression}, deadline); err != nil {
		return fmt.Errorf("armi: write envelope compression: %w", err)
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(e.Payload)))
	if err := writeFull(conn, lenBuf, deadline); err != nil {
		return fmt.Errorf("armi: write envelope payload length: %w", err)
	}
	if len(e.Payload) > 0 {
		if err := writeFull(conn, e.Payload, deadline); err != nil {
			return fmt.Errorf("armi: write envelope payload: %w", err)
		}
	}
	frameLog.WithField("type", e.Type).Debug("wrote envelope")
	return nil
}

// ReadEnvelope reads one Envelope from conn. An io.EOF met while reading the
// type field (the envelope's first field) is returned unwrapped as io.EOF,
// so callers can tell a peer that closed between envelopes from a failure
// later in the frame; an EOF in any later field is returned wrapped.
func ReadEnvelope(conn net.Conn, deadline time.Time) (Envelope, error) {
	typ, err := readNullableString(conn, deadline)
	if err != nil {
		if err == io.EOF {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("armi: read envelope type: %w", err)
	}
	if typ == nil {
		return Envelope{}, &ArmiError{Kind: KindProtocolError, Msg: "envelope type must not be null"}
	}
	flavor, err := readNullableString(conn, deadline)
	if err != nil {
		return Envelope{}, fmt.Errorf("armi: read envelope flavor: %w", err)
	}
	compBuf := make([]byte, 1)
	if err := readFull(conn, compBuf, deadline); err != nil {
		return Envelope{}, fmt.Errorf("armi: read envelope compression: %w", err)
	}
	if compBuf[0] != compressIdentity {
		return Envelope{}, &ArmiError{Kind: KindProtocolError, Msg: fmt.Sprintf("unsupported compression byte %d", compBuf[0])}
	}
	lenBuf := make([]byte, 4)
	if err := readFull(conn, lenBuf, deadline); err != nil {
		return Envelope{}, fmt.Errorf("armi: read envelope payload length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > maxPayload {
		return Envelope{}, &ArmiError{Kind: KindProtocolError, Msg: fmt.Sprintf("payload length %d exceeds max", n)}
	}
	payload := make([]byte, n)
	if n > 0 {
		if err := readFull(conn, payload, deadline); err != nil {
			return Envelope{}, fmt.Errorf("armi: read envelope payload: %w", err)
		}
	}
	e := Envelope{Type: *typ, Flavor: flavor, Compression: compBuf[0], Payload: payload}
	frameLog.WithField("type", e.Type).Debug("read envelope")
	return e, nil
}
