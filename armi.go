// Package armi implements a symmetric peer-to-peer messaging runtime that
// combines synchronous remote method invocation with asynchronous
// publish/subscribe over a single persistent TCP connection per peer.
//
// Either side of a connection may originate a call or a publish; the wire
// protocol and the in-memory PeerConnection type are identical regardless
// of which side dialed. A Hub is the process-level façade: it owns the
// subscription index, the service registry, the table of live peer
// connections, and an optional listening socket.
package armi

// Privileged envelope type tags. Every other Envelope.Type value is an
// application payload routed through the hub's publish fan-out.
const (
	TypeSubscriberRemote    = "SubscriberRemote"
	TypeSynchronousCall     = "SynchronousCall"
	TypeSynchronousResponse = "SynchronousResponse"
	TypeArmiException       = "ArmiException"
)

// DefaultPort is the TCP port a Hub listens on unless told otherwise.
const DefaultPort = 1441
