package armi

import (
	"context"
	"net"
	"testing"
	"time"
)

// pairedHubs starts two Hubs listening on loopback and returns them along
// with each one's address as seen by the other, grounded on the six
// end-to-end scenarios named in §8: a real TCP socket pair, not mocked
// transport.
func pairedHubs(t *testing.T) (a, b *Hub, aAddr, bAddr HostPort) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenHostPort = "127.0.0.1:0"
	a = NewHub(cfg)
	b = NewHub(cfg)

	aPort, err := a.AcceptRemoteClients("", nil)
	if err != nil {
		t.Fatalf("a.AcceptRemoteClients: %v", err)
	}
	bPort, err := b.AcceptRemoteClients("", nil)
	if err != nil {
		t.Fatalf("b.AcceptRemoteClients: %v", err)
	}
	t.Cleanup(func() {
		a.Shutdown()
		b.Shutdown()
	})

	aAddr = HostPort{Host: "127.0.0.1", Port: aPort}
	bAddr = HostPort{Host: "127.0.0.1", Port: bPort}
	return a, b, aAddr, bAddr
}

func TestHubCallRoundTrip(t *testing.T) {
	a, b, _, bAddr := pairedHubs(t)

	if err := b.RegisterService(&Service{
		Name: "WorldClock",
		Methods: map[string]Handler{
			"now": func(ctx context.Context, args []Value) (Value, error) {
				return String("2026-08-06T00:00:00Z"), nil
			},
		},
	}); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	got, err := a.Call(context.Background(), bAddr, "WorldClock", "now", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.Str != "2026-08-06T00:00:00Z" {
		t.Errorf("got %+v", got)
	}
}

func TestHubCallNonExistentService(t *testing.T) {
	a, _, _, bAddr := pairedHubs(t)

	_, err := a.Call(context.Background(), bAddr, "NoSuchService", "method", nil)
	if err == nil {
		t.Fatal("expected an error calling an unregistered service")
	}
	ae, ok := err.(*ArmiError)
	if !ok || ae.Kind != KindInvocationError {
		t.Errorf("got %+v, want an invocationError", err)
	}
}

func TestHubCallSlowMethodTimesOut(t *testing.T) {
	a, b, _, bAddr := pairedHubs(t)
	a.config.CallTimeout = 30 * time.Millisecond

	release := make(chan struct{})
	if err := b.RegisterService(&Service{
		Name: "Slow",
		Methods: map[string]Handler{
			"wait": func(ctx context.Context, args []Value) (Value, error) {
				<-release
				return Void, nil
			},
		},
	}); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	defer close(release)

	_, err := a.Call(context.Background(), bAddr, "Slow", "wait", nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	ae, ok := err.(*ArmiError)
	if !ok || ae.Kind != KindTimeoutError {
		t.Errorf("got %+v, want a timeoutError", err)
	}
}

func TestHubPublishSubscribeFlavorFanOut(t *testing.T) {
	a, _, _, _ := pairedHubs(t)

	red := "red"
	received := make(chan []Value, 4)
	sub, err := a.Subscribe("Temperature", nil, nil, func(ctx context.Context, flavor *string, args []Value) {
		received <- args
	}, nil, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	if err := a.Publish("Temperature", &red, []Value{Float64(72.5)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case args := <-received:
		if len(args) != 1 || args[0].Float64 != 72.5 {
			t.Errorf("got %+v", args)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for local delivery")
	}
}

func TestHubSubscribeRemoteForwarding(t *testing.T) {
	a, b, _, bAddr := pairedHubs(t)

	received := make(chan []Value, 1)

	// a dials b, then asks b to forward every "Announcement" publication
	// back to a over that same connection.
	pcToB, err := a.connectionFor(bAddr)
	if err != nil {
		t.Fatalf("connectionFor: %v", err)
	}
	sub, err := a.Subscribe("Announcement", nil, nil, func(ctx context.Context, flavor *string, args []Value) {
		received <- args
	}, nil, pcToB)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	// give the subscribe control message a moment to be installed on b's
	// side before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish("Announcement", nil, []Value{String("hello")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case args := <-received:
		if len(args) != 1 || args[0].Str != "hello" {
			t.Errorf("got %+v", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded publish")
	}
}

func TestHubAcceptRemoteClientsReturnsBoundPort(t *testing.T) {
	h := NewHub(DefaultConfig())
	defer h.Shutdown()

	port, err := h.AcceptRemoteClients("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("AcceptRemoteClients: %v", err)
	}
	if port == 0 {
		t.Fatal("expected a nonzero bound port")
	}
}

func TestHubAcceptRemoteClientsFailsWhenAlreadyRunning(t *testing.T) {
	h := NewHub(DefaultConfig())
	defer h.Shutdown()

	if _, err := h.AcceptRemoteClients("127.0.0.1:0", nil); err != nil {
		t.Fatalf("first AcceptRemoteClients: %v", err)
	}
	_, err := h.AcceptRemoteClients("127.0.0.1:0", nil)
	if err == nil {
		t.Fatal("expected an error calling AcceptRemoteClients a second time")
	}
	ae, ok := err.(*ArmiError)
	if !ok || ae.Kind != KindIllegalState {
		t.Errorf("got %+v, want an illegalState error", err)
	}
}

func TestHubAcceptRemoteClientsRejectsDisallowedAddress(t *testing.T) {
	a := NewHub(DefaultConfig())
	defer a.Shutdown()

	_, err := a.AcceptRemoteClients("127.0.0.1:0", func(remote net.Addr) bool {
		return false
	})
	if err != nil {
		t.Fatalf("AcceptRemoteClients: %v", err)
	}
	aAddr := HostPort{}
	a.listenerMu.Lock()
	aAddr.Host = "127.0.0.1"
	aAddr.Port = a.listener.Addr().(*net.TCPAddr).Port
	a.listenerMu.Unlock()

	b := NewHub(DefaultConfig())
	defer b.Shutdown()

	if err := b.RegisterService(&Service{Name: "X", Methods: map[string]Handler{}}); err == nil {
		t.Fatal("expected RegisterService to fail before AcceptRemoteClients")
	}
	if _, err := b.AcceptRemoteClients("127.0.0.1:0", nil); err != nil {
		t.Fatalf("AcceptRemoteClients: %v", err)
	}

	_, err = b.Call(context.Background(), aAddr, "Anything", "anything", nil)
	if err == nil {
		t.Fatal("expected the call to fail because a rejects every inbound address")
	}
}

func TestHubRegisterServiceRequiresAccepting(t *testing.T) {
	h := NewHub(DefaultConfig())
	defer h.Shutdown()

	err := h.RegisterService(&Service{Name: "Calculator", Methods: map[string]Handler{}})
	if err == nil {
		t.Fatal("expected an error registering a service before AcceptRemoteClients")
	}
	ae, ok := err.(*ArmiError)
	if !ok || ae.Kind != KindIllegalState {
		t.Errorf("got %+v, want an illegalState error", err)
	}

	if _, err := h.AcceptRemoteClients("127.0.0.1:0", nil); err != nil {
		t.Fatalf("AcceptRemoteClients: %v", err)
	}
	if err := h.RegisterService(&Service{Name: "Calculator", Methods: map[string]Handler{}}); err != nil {
		t.Fatalf("RegisterService after accepting: %v", err)
	}
}

func TestHubPeerCloseAbortsOutstandingCalls(t *testing.T) {
	a, b, _, bAddr := pairedHubs(t)

	release := make(chan struct{})
	if err := b.RegisterService(&Service{
		Name: "Slow",
		Methods: map[string]Handler{
			"wait": func(ctx context.Context, args []Value) (Value, error) {
				<-release
				return Void, nil
			},
		},
	}); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	defer close(release)

	errCh := make(chan error, 1)
	go func() {
		a.config.CallTimeout = 5 * time.Second
		_, err := a.Call(context.Background(), bAddr, "Slow", "wait", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	b.Shutdown()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected the call to abort when the peer's hub shuts down")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the aborted call")
	}
}
