package armi

import (
	"net"
	"testing"
	"time"
)

func pipeConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestEnvelopeRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	flavor := "red"
	env := NewEnvelope("Widget", &flavor, []byte("payload bytes"))

	errCh := make(chan error, 1)
	go func() { errCh <- WriteEnvelope(client, env, time.Time{}) }()

	got, err := ReadEnvelope(server, time.Time{})
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	if got.Type != env.Type {
		t.Errorf("Type: got %q, want %q", got.Type, env.Type)
	}
	if got.Flavor == nil || *got.Flavor != flavor {
		t.Errorf("Flavor: got %v, want %q", got.Flavor, flavor)
	}
	if got.Compression != compressIdentity {
		t.Errorf("Compression: got %d, want %d", got.Compression, compressIdentity)
	}
	if string(got.Payload) != "payload bytes" {
		t.Errorf("Payload: got %q", got.Payload)
	}
}

func TestEnvelopeNullVsEmptyFlavor(t *testing.T) {
	client, server := pipeConns(t)
	env := NewEnvelope("Widget", nil, nil)

	go WriteEnvelope(client, env, time.Time{})

	got, err := ReadEnvelope(server, time.Time{})
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Flavor != nil {
		t.Errorf("expected nil flavor, got %v", *got.Flavor)
	}

	empty := ""
	client2, server2 := pipeConns(t)
	env2 := NewEnvelope("Widget", &empty, nil)
	go WriteEnvelope(client2, env2, time.Time{})

	got2, err := ReadEnvelope(server2, time.Time{})
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got2.Flavor == nil {
		t.Fatal("expected non-nil empty flavor, got nil")
	}
	if *got2.Flavor != "" {
		t.Errorf("expected empty flavor, got %q", *got2.Flavor)
	}
}

func TestReadEnvelopeRejectsBadCompressionByte(t *testing.T) {
	client, server := pipeConns(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		typ := "Widget"
		writeNullableString(client, &typ, time.Time{})
		writeNullableString(client, nil, time.Time{})
		writeFull(client, []byte{9}, time.Time{})
	}()

	_, err := ReadEnvelope(server, time.Time{})
	<-done
	if err == nil {
		t.Fatal("expected error for unsupported compression byte")
	}
	ae, ok := err.(*ArmiError)
	if !ok {
		t.Fatalf("expected *ArmiError, got %T", err)
	}
	if ae.Kind != KindProtocolError {
		t.Errorf("got kind %v, want %v", ae.Kind, KindProtocolError)
	}
}

func TestEnvelopeTypeMustNotBeNull(t *testing.T) {
	client, server := pipeConns(t)
	go writeNullableString(client, nil, time.Time{})

	_, err := ReadEnvelope(server, time.Time{})
	if err == nil {
		t.Fatal("expected error for null envelope type")
	}
}
