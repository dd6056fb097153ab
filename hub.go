package armi

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/glycerine/idem"
)

// Hub is the process-level façade named throughout §4.3 and §6: it owns
// the subscription Index, the service Registry, the table of live
// PeerConnections keyed by remote address, and an optional listening
// socket. Grounded on Armi.java, which plays the identical role of
// "the one object a process holds onto" in the original.
type Hub struct {
	config Config

	index    *Index
	registry *Registry

	peersMu sync.Mutex
	peers   map[string]*PeerConnection

	listenerMu sync.Mutex
	listener   net.Listener

	subsMu sync.Mutex
	subs   map[*Subscriber]SubscriptionInfo

	halt *idem.Halter
}

// NewHub constructs a Hub with its own Index and Registry. A fresh Hub
// accepts no connections until AcceptRemoteClients is called, but can
// always dial out via Call or Subscribe.
func NewHub(config Config) *Hub {
	return &Hub{
		config:   config,
		index:    NewIndex(),
		registry: NewRegistry(),
		peers:    make(map[string]*PeerConnection),
		subs:     make(map[*Subscriber]SubscriptionInfo),
		halt:     idem.NewHalterNamed("Hub"),
	}
}

// AcceptRemoteClients starts listening for inbound peer connections and
// returns the actual bound port (useful when bindHostPort requested port
// 0). Passing "" binds h.config.ListenHostPort. accessControl, if
// non-nil, is consulted once per inbound accept with the remote address;
// a negative answer closes the socket immediately without reading from
// it, mirroring Armi.java's AccessControl interface. Calling this a
// second time while already listening fails with illegalState, matching
// Armi.java's "Already running" guard.
func (h *Hub) AcceptRemoteClients(bindHostPort string, accessControl AccessControl) (int, error) {
	h.listenerMu.Lock()
	if h.listener != nil {
		h.listenerMu.Unlock()
		return 0, NewArmiError(KindIllegalState, "already accepting remote clients")
	}
	h.listenerMu.Unlock()

	if bindHostPort == "" {
		bindHostPort = h.config.ListenHostPort
	}
	ln, err := net.Listen("tcp", bindHostPort)
	if err != nil {
		return 0, Wrap(KindIOError, fmt.Sprintf("listen on %s", bindHostPort), err)
	}
	h.listenerMu.Lock()
	h.listener = ln
	h.listenerMu.Unlock()
	port := ln.Addr().(*net.TCPAddr).Port
	hubLog.WithField("addr", ln.Addr().String()).Info("accepting remote peers")
	go h.acceptLoop(ln, accessControl)
	return port, nil
}

// AccessControl is consulted once per inbound accept, before anything is
// read off the socket, the Go analogue of Armi.java's AccessControl
// interface (isAddressAllowed(InetAddress)).
type AccessControl func(remote net.Addr) bool

func (h *Hub) acceptLoop(ln net.Listener, accessControl AccessControl) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if h.halt.ReqStop.IsClosed() {
				return
			}
			hubLog.WithError(err).Warn("accept failed, acceptor exiting")
			return
		}
		if accessControl != nil && !accessControl(conn.RemoteAddr()) {
			hubLog.WithField("addr", conn.RemoteAddr().String()).Warn("rejecting connection disallowed by access control")
			conn.Close()
			continue
		}
		remote, err := ParseHostPort(conn.RemoteAddr().String())
		if err != nil {
			hubLog.WithError(err).Warn("rejecting connection with unparseable remote address")
			conn.Close()
			continue
		}
		h.adopt(conn, remote)
	}
}

// adopt installs conn as the live PeerConnection for remote, replacing
// (and shutting down) any prior connection to that same address so the
// table never holds more than one socket per peer, per §3's invariant.
func (h *Hub) adopt(conn net.Conn, remote HostPort) *PeerConnection {
	key := remote.String()
	h.peersMu.Lock()
	if existing, ok := h.peers[key]; ok {
		h.peersMu.Unlock()
		existing.Shutdown("replaced by a newly established connection")
		h.peersMu.Lock()
	}
	pc := newPeerConnection(h, conn, remote)
	h.peers[key] = pc
	h.peersMu.Unlock()
	return pc
}

// connectionFor returns the live connection to remote, dialing one if
// none exists yet. The lookup and the dial-or-insert happen under the
// same peersMu hold, mirroring Armi.java's synchronized(remotes) block
// that spans getOrConnect's full connect-or-reuse body (Armi.java:284-297):
// two goroutines racing to reach the same not-yet-connected remote must
// converge on one connection rather than both dialing and one superseding
// the other's in-flight calls.
func (h *Hub) connectionFor(remote HostPort) (*PeerConnection, error) {
	key := remote.String()
	h.peersMu.Lock()
	defer h.peersMu.Unlock()

	if pc, ok := h.peers[key]; ok {
		return pc, nil
	}

	conn, err := net.DialTimeout("tcp", remote.String(), h.config.ConnectTimeout)
	if err != nil {
		return nil, Wrap(KindIOError, fmt.Sprintf("dial %s", remote), err)
	}
	pc := newPeerConnection(h, conn, remote)
	h.peers[key] = pc
	return pc, nil
}

// dropConnection removes pc from the peer table, called from
// PeerConnection.Shutdown's cascade. It is a no-op if pc has already been
// replaced by a newer connection to the same address.
func (h *Hub) dropConnection(pc *PeerConnection) {
	h.peersMu.Lock()
	key := pc.Remote.String()
	if cur, ok := h.peers[key]; ok && cur == pc {
		delete(h.peers, key)
	}
	h.peersMu.Unlock()
}

// Shutdown closes the listener, if any, and every live peer connection,
// each of which in turn aborts its outstanding calls and evicts its
// installed subscribers (§5 Cancellation: hub shutdown).
func (h *Hub) Shutdown() {
	h.halt.ReqStop.Close()

	h.listenerMu.Lock()
	if h.listener != nil {
		h.listener.Close()
	}
	h.listenerMu.Unlock()

	h.peersMu.Lock()
	peers := make([]*PeerConnection, 0, len(h.peers))
	for _, pc := range h.peers {
		peers = append(peers, pc)
	}
	h.peersMu.Unlock()

	for _, pc := range peers {
		pc.Shutdown("hub shutting down")
	}
	h.halt.Done.Close()
}

// RegisterService installs svc, replacing any service already registered
// under svc.Name. Passing a Service with nil Methods unregisters it.
// Registration requires the hub to already be accepting remote clients,
// matching Armi.java's "Server not running; you must first call
// acceptRemoteClients()" guard; otherwise it fails with illegalState.
func (h *Hub) RegisterService(svc *Service) error {
	h.listenerMu.Lock()
	accepting := h.listener != nil
	h.listenerMu.Unlock()
	if !accepting {
		return NewArmiError(KindIllegalState, "hub is not accepting remote clients; call AcceptRemoteClients first")
	}
	h.registry.Register(svc)
	return nil
}

// UnregisterService removes the named service.
func (h *Hub) UnregisterService(name string) {
	h.registry.Unregister(name)
}

// ServiceNames lists every registered service, the diagnostic surface
// added in §4.3.
func (h *Hub) ServiceNames() []string {
	return h.registry.Names()
}

// Call places a synchronous call against service.method on the peer at
// remote, dialing it first if no connection yet exists, per §4.5.
func (h *Hub) Call(ctx context.Context, remote HostPort, service, method string, args []Value) (Value, error) {
	pc, err := h.connectionFor(remote)
	if err != nil {
		return Value{}, err
	}
	return pc.Invoke(ctx, service, method, args, h.config.CallTimeout)
}

// Publish fans out (typ, flavor, args) to every matching local and remote
// subscriber, per §4.3's publish algorithm. A nil flavor publishes "no
// flavor," matched only by subscribers that likewise registered no
// flavor or any flavor.
func (h *Hub) Publish(typ string, flavor *string, args []Value) error {
	payload, err := EncodeSeq(args)
	if err != nil {
		return Wrap(KindProtocolError, "encode publish payload", err)
	}
	h.fanOut(NewEnvelope(typ, flavor, payload), nil)
	return nil
}

// publishEnvelope is the entry point a PeerConnection's receive loop uses
// for every envelope whose type is not one of the four privileged tags:
// it is republished exactly as if this Hub had called Publish itself,
// except that the originating connection is excluded from fan-out to
// avoid echoing the message straight back to its sender.
func (h *Hub) publishEnvelope(env Envelope, from *PeerConnection) {
	h.fanOut(env, from)
}

func (h *Hub) fanOut(env Envelope, from *PeerConnection) {
	subs := h.index.Matching(env.Type, env.Flavor)
	if len(subs) == 0 {
		return
	}
	args, err := DecodeSeq(env.Payload)
	if err != nil {
		hubLog.WithField("type", env.Type).Warn("dropping envelope with undecodable payload")
		return
	}
	for _, sub := range subs {
		if !sub.matchesFlavor(env.Flavor) {
			continue
		}
		if !sub.Accepts(args) {
			continue
		}
		if sub.IsRemote() {
			if sub.Peer == from {
				continue
			}
			if err := sub.Peer.Transmit(env); err != nil {
				hubLog.WithField("peer", sub.Peer.Remote).WithError(err).Warn("failed to forward publish to remote subscriber")
			}
			continue
		}
		sub.Deliver(context.Background(), env.Flavor, args)
	}
}

// SubscriptionInfo is the read-only diagnostic shape returned by
// Subscriptions, the introspection surface added in §4.3.
type SubscriptionInfo struct {
	Type   string
	Flavor *string
	Remote bool
}

// Subscription is the receipt returned by Subscribe. Cancel reverses the
// subscription exactly once, grounded on Subscription.java.
type Subscription struct {
	hub  *Hub
	sub  *Subscriber
	peer *PeerConnection
}

// Cancel removes the subscription from the local index and, if it was
// registered against a specific remote peer, notifies that peer to stop
// forwarding matching publishes. Calling Cancel more than once is safe;
// the second call is a no-op.
func (s *Subscription) Cancel() error {
	if !s.hub.index.Remove(s.sub) {
		return nil
	}
	s.hub.untrack(s.sub)
	if s.peer == nil {
		return nil
	}
	s.sub.Subscribe = false
	payload, err := s.sub.ToValue().MarshalMsg(nil)
	if err != nil {
		return Wrap(KindProtocolError, "encode unsubscribe control", err)
	}
	return s.peer.Transmit(NewEnvelope(TypeSubscriberRemote, nil, payload))
}

// Subscribe registers deliver to receive every future envelope matching
// (typ, flavor) that passes filter, per §4.3/§4.4. When peer is non-nil,
// this also announces the subscription to that remote peer via a
// SubscriberRemote control envelope, so publishes it originates are
// forwarded to this connection as well as matched locally.
func (h *Hub) Subscribe(typ string, flavor *string, filter Filter, deliver DeliveryFunc, abort AbortFunc, peer *PeerConnection) (*Subscription, error) {
	sub := &Subscriber{
		Type:    typ,
		Flavor:  flavor,
		Filter:  filter,
		Deliver: deliver,
		Abort:   abort,
	}
	h.index.Add(sub)
	h.track(sub, peer != nil)

	if peer != nil {
		sub.Subscribe = true
		payload, err := sub.ToValue().MarshalMsg(nil)
		if err != nil {
			h.index.Remove(sub)
			h.untrack(sub)
			return nil, Wrap(KindProtocolError, "encode subscribe control", err)
		}
		if err := peer.Transmit(NewEnvelope(TypeSubscriberRemote, nil, payload)); err != nil {
			h.index.Remove(sub)
			h.untrack(sub)
			return nil, err
		}
	}
	return &Subscription{hub: h, sub: sub, peer: peer}, nil
}

func (h *Hub) track(sub *Subscriber, remote bool) {
	h.subsMu.Lock()
	h.subs[sub] = SubscriptionInfo{Type: sub.Type, Flavor: sub.Flavor, Remote: remote}
	h.subsMu.Unlock()
}

func (h *Hub) untrack(sub *Subscriber) {
	h.subsMu.Lock()
	delete(h.subs, sub)
	h.subsMu.Unlock()
}

// Subscriptions lists every currently active local subscription, the
// diagnostic surface added in §4.3.
func (h *Hub) Subscriptions() []SubscriptionInfo {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	out := make([]SubscriptionInfo, 0, len(h.subs))
	for _, info := range h.subs {
		out = append(out, info)
	}
	return out
}
