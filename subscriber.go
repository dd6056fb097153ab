package armi

import "context"

// Filter is a server-side predicate evaluated, after index lookup, on a
// candidate envelope's decoded payload. Only filters that round-trip
// through ToValue can be shipped to a remote peer; a filter that cannot be
// represented travels as nil and is demoted to local-only evaluation (§9
// Predicate transport), a demotion this package always logs.
type Filter interface {
	Accept(args []Value) bool
}

// SerializableFilter is a Filter that can additionally describe itself as
// a transportable Value, the closed-grammar analogue of a Java Filter
// instance being Serializable.
type SerializableFilter interface {
	Filter
	ToValue() Value
}

// DeliveryFunc is a local subscriber's delivery callback, invoked
// synchronously on the publishing goroutine per §5.
type DeliveryFunc func(ctx context.Context, flavor *string, args []Value)

// AbortFunc is called with a human-readable reason when a subscriber bound
// to a peer connection (Peer non-nil) is evicted by that connection's
// shutdown. Subscribers without a Peer, which includes every subscriber
// installed by Hub.Subscribe, are never aborted: neither the loss of the
// connection a subscription was announced on nor Hub.Shutdown calls it.
type AbortFunc func(reason string)

// Subscriber is either local (holds a delivery callback living in this
// process) or remote (holds a back-reference to the peer connection over
// which matching envelopes are forwarded). Grounded on Subscriber.java /
// SubscriberLocal.java / SubscriberRemote.java, collapsed into one type
// with a discriminant instead of a Java class hierarchy.
type Subscriber struct {
	Type      string
	Flavor    *string // nil matches any flavor of Type
	Filter    Filter
	Subscribe bool // true = subscribe intent, false = cancel intent, when traveling on the wire

	// Local delivery. Nil for a remote subscriber.
	Deliver DeliveryFunc
	Abort   AbortFunc

	// Remote delivery. Nil for a local subscriber.
	Peer *PeerConnection
}

// IsRemote reports whether s forwards to a peer connection rather than
// invoking a local callback.
func (s *Subscriber) IsRemote() bool { return s.Peer != nil }

// Accepts applies s's filter, mirroring Subscriber.java's accepts(Packet).
func (s *Subscriber) Accepts(args []Value) bool {
	return s.Filter == nil || s.Filter.Accept(args)
}

// matchesFlavor reports whether s, installed with its own Flavor, should
// receive an envelope carrying the given flavor: an exact match, or s
// having a nil (any-flavor) registration.
func (s *Subscriber) matchesFlavor(flavor *string) bool {
	if s.Flavor == nil {
		return true
	}
	if flavor == nil {
		return false
	}
	return *s.Flavor == *flavor
}

// ToValue encodes the subscription control message carried by a
// SubscriberRemote envelope: type, flavor, subscribe intent, and the
// serializable subset of the filter (nil if the filter cannot travel).
func (s *Subscriber) ToValue() Value {
	flavor := Nil
	if s.Flavor != nil {
		flavor = String(*s.Flavor)
	}
	filterVal := Nil
	if sf, ok := s.Filter.(SerializableFilter); ok {
		filterVal = sf.ToValue()
	} else if s.Filter != nil {
		registryLog.WithField("type", s.Type).Warn("predicate is not serializable; demoting to local-only filtering")
	}
	return Tagged(TypeSubscriberRemote,
		String(s.Type), flavor, Bool(s.Subscribe), filterVal)
}

// SubscriberControlFromValue decodes a SubscriberRemote control envelope's
// payload back into its (type, flavor, subscribe, filterValue) parts.
func SubscriberControlFromValue(v Value) (typ string, flavor *string, subscribe bool, filterVal Value, err error) {
	if v.Kind != KindTagged || v.Tag != TypeSubscriberRemote || len(v.Fields) != 4 {
		err = &ArmiError{Kind: KindProtocolError, Msg: "malformed SubscriberRemote control message"}
		return
	}
	typ = v.Fields[0].Str
	if !v.Fields[1].IsNil() {
		f := v.Fields[1].Str
		flavor = &f
	}
	subscribe = v.Fields[2].Bool
	filterVal = v.Fields[3]
	return
}
