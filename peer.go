package armi

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// PeerConnection owns exactly one socket to one remote peer and carries
// all traffic to and from it. It is symmetric: identical whether this
// process dialed out or accepted the connection, per §9's Symmetric peer
// model design note. Grounded on ArmiRemote/Receiver.java, collapsed into
// one Go type whose receive loop runs on its own goroutine.
type PeerConnection struct {
	Remote HostPort
	conn   net.Conn
	hub    *Hub

	writeMu sync.Mutex

	calls *CallCoordinator

	// halt manages the receive goroutine's lifecycle with an idempotent
	// request/ack handshake, grounded on the teacher's idem.Halter usage
	// throughout ckt.go/cli.go/peer.go (ReqStop.Close() to request
	// shutdown, ReqStop.Chan to observe it, Done.Close() to signal the
	// receive loop has actually exited).
	halt *idem.Halter

	closeOnce sync.Once
}

// newPeerConnection wraps an already-established socket and starts its
// receive loop. The Hub calls this identically whether conn came from a
// Dial or an Accept, so a connection's behavior never depends on who
// dialed, per §4.2's dial/accept symmetry.
func newPeerConnection(hub *Hub, conn net.Conn, remote HostPort) *PeerConnection {
	pc := &PeerConnection{
		Remote: remote,
		conn:   conn,
		hub:    hub,
		calls:  NewCallCoordinator(),
		halt:   idem.NewHalterNamed(fmt.Sprintf("PeerConnection(%v)", remote)),
	}
	go pc.receiveLoop()
	return pc
}

// Transmit writes env to the peer, serialized against every other writer
// on this connection by the per-connection write monitor (§4.2).
func (pc *PeerConnection) Transmit(env Envelope) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if pc.halt.ReqStop.IsClosed() {
		return NewArmiError(KindIOError, "peer connection is shut down")
	}
	if err := WriteEnvelope(pc.conn, env, time.Time{}); err != nil {
		go pc.Shutdown(fmt.Sprintf("write error: %v", err))
		return Wrap(KindIOError, "transmit failed", err)
	}
	return nil
}

// Invoke synchronously sends a SynchronousCall envelope for
// service.method(args) and blocks until the paired SynchronousResponse
// arrives or timeout elapses, per §4.2/§4.5.
func (pc *PeerConnection) Invoke(ctx context.Context, service, method string, args []Value, timeout time.Duration) (Value, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	pending := pc.calls.Begin(timeout, pc.calls.Timeout)

	callVal := Tagged(TypeSynchronousCall,
		Int64(int64(pending.serial)), String(service), String(method), Seq(args...))
	payload, err := callVal.MarshalMsg(nil)
	if err != nil {
		pc.calls.Timeout(pending.serial)
		return Value{}, Wrap(KindProtocolError, "encode call", err)
	}
	if err := pc.Transmit(NewEnvelope(TypeSynchronousCall, nil, payload)); err != nil {
		pc.calls.Timeout(pending.serial)
		return Value{}, err
	}

	select {
	case res := <-pending.result:
		return res.value, res.err
	case <-ctx.Done():
		pc.calls.Timeout(pending.serial)
		return Value{}, Wrap(KindTimeoutError, "call canceled", ctx.Err())
	}
}

// receiveLoop is the per-connection receive task: read one envelope,
// classify by type, dispatch, repeat, grounded on Receiver.java's run().
func (pc *PeerConnection) receiveLoop() {
	defer pc.halt.Done.Close()
	for {
		env, err := ReadEnvelope(pc.conn, time.Time{})
		if err != nil {
			reason := "remote disconnected"
			if err != io.EOF {
				reason = fmt.Sprintf("receive error: %v", err)
			}
			pc.Shutdown(reason)
			return
		}
		if pc.halt.ReqStop.IsClosed() {
			return
		}
		pc.dispatch(env)
	}
}

func (pc *PeerConnection) dispatch(env Envelope) {
	switch env.Type {
	case TypeSubscriberRemote:
		pc.handleSubscriberControl(env)
	case TypeSynchronousCall:
		pc.handleCall(env)
	case TypeSynchronousResponse:
		pc.handleResponse(env)
	default:
		pc.hub.publishEnvelope(env, pc)
	}
}

func (pc *PeerConnection) handleSubscriberControl(env Envelope) {
	var v Value
	if _, err := v.UnmarshalMsg(env.Payload); err != nil {
		peerLog.WithField("peer", pc.Remote).Warn("corrupt SubscriberRemote payload")
		return
	}
	typ, flavor, subscribe, filterVal, err := SubscriberControlFromValue(v)
	if err != nil {
		peerLog.WithField("peer", pc.Remote).Warn("malformed SubscriberRemote control message")
		return
	}
	sub := &Subscriber{
		Type:      typ,
		Flavor:    flavor,
		Subscribe: subscribe,
		Peer:      pc,
	}
	if !filterVal.IsNil() {
		sub.Filter = &valueFilter{v: filterVal}
	}
	if subscribe {
		pc.hub.index.Add(sub)
		peerLog.WithField("peer", pc.Remote).WithField("type", typ).Info("installed remote subscriber")
	} else {
		// The cancel message carries a fresh Subscriber, so find the one
		// installed earlier for this peer under the same (type, flavor).
		for _, s := range pc.hub.index.Matching(typ, flavor) {
			if s.Peer == pc && (s.Flavor == nil) == (flavor == nil) && flavorKey(s.Flavor) == flavorKey(flavor) {
				pc.hub.index.Remove(s)
				break
			}
		}
		peerLog.WithField("peer", pc.Remote).WithField("type", typ).Info("removed remote subscriber")
	}
}

func (pc *PeerConnection) handleCall(env Envelope) {
	var v Value
	if _, err := v.UnmarshalMsg(env.Payload); err != nil {
		peerLog.WithField("peer", pc.Remote).Warn("corrupt SynchronousCall payload")
		return
	}
	if v.Kind != KindTagged || v.Tag != TypeSynchronousCall || len(v.Fields) != 4 {
		peerLog.WithField("peer", pc.Remote).Warn("malformed SynchronousCall payload")
		return
	}
	serial := uint64(v.Fields[0].Int64)
	service := v.Fields[1].Str
	method := v.Fields[2].Str
	args := v.Fields[3].Seq

	// Each inbound call runs in its own goroutine so a long-running
	// service method never stalls this connection's receive loop (§4.4).
	go pc.invocationWorker(serial, service, method, args)
}

func (pc *PeerConnection) invocationWorker(serial uint64, service, method string, args []Value) {
	result, err := pc.hub.registry.Invoke(context.Background(), service, method, args)
	var respVal Value
	if err != nil {
		ae, ok := err.(*ArmiError)
		if !ok {
			ae = Wrap(KindInvocationError, "invocation failed", err)
		}
		respVal = ae.AsValue()
	} else {
		respVal = result
	}
	response := Tagged(TypeSynchronousResponse, Int64(int64(serial)), respVal)
	payload, merr := response.MarshalMsg(nil)
	if merr != nil {
		// A result outside the Value grammar cannot travel; answer with an
		// invocationError instead so the caller is not left to time out.
		registryLog.WithField("serial", serial).WithError(merr).Error("failed to encode response")
		ae := Wrap(KindInvocationError, fmt.Sprintf("%s.%s returned a value that is not representable on the wire", service, method), merr)
		response = Tagged(TypeSynchronousResponse, Int64(int64(serial)), ae.AsValue())
		if payload, merr = response.MarshalMsg(nil); merr != nil {
			return
		}
	}
	if err := pc.Transmit(NewEnvelope(TypeSynchronousResponse, nil, payload)); err != nil {
		// A write failure here is logged but not raised, per §4.4 step 5.
		registryLog.WithField("serial", serial).WithError(err).Warn("failed to write response")
	}
}

func (pc *PeerConnection) handleResponse(env Envelope) {
	var v Value
	if _, err := v.UnmarshalMsg(env.Payload); err != nil {
		peerLog.WithField("peer", pc.Remote).Warn("corrupt SynchronousResponse payload")
		return
	}
	if v.Kind != KindTagged || v.Tag != TypeSynchronousResponse || len(v.Fields) != 2 {
		peerLog.WithField("peer", pc.Remote).Warn("malformed SynchronousResponse payload")
		return
	}
	serial := uint64(v.Fields[0].Int64)
	respVal := v.Fields[1]
	if respVal.Kind == KindTagged && respVal.Tag == TypeArmiException {
		ae, err := ArmiErrorFromValue(respVal)
		if err != nil {
			ae = NewArmiError(KindProtocolError, "malformed ArmiException in response")
		}
		pc.calls.DeliverError(serial, ae)
		return
	}
	pc.calls.Deliver(serial, respVal)
}

// Shutdown closes the socket, wakes every blocked caller with reason, and
// evicts every subscriber installed through this connection. Idempotent
// per §4.2.
func (pc *PeerConnection) Shutdown(reason string) {
	pc.closeOnce.Do(func() {
		pc.halt.ReqStop.Close()
		pc.conn.Close()
		pc.calls.AbortAll(reason)
		removed := pc.hub.index.RemoveAllForPeer(pc)
		for _, sub := range removed {
			if sub.Abort != nil {
				sub.Abort(reason)
			}
		}
		pc.hub.dropConnection(pc)
		peerLog.WithField("peer", pc.Remote).WithField("reason", reason).Info("peer connection shut down")
	})
}

// valueFilter is a Filter reconstructed from a wire-transported predicate
// Value. It accepts by structural equality against the decoded argument
// sequence, the simplest filter shape the closed grammar can express
// without falling back to an un-transportable Go closure.
type valueFilter struct{ v Value }

func (f *valueFilter) Accept(args []Value) bool {
	return valuesEqual(f.v, Seq(args...))
}

func (f *valueFilter) ToValue() Value { return f.v }

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNil, KindVoid:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt64:
		return a.Int64 == b.Int64
	case KindFloat64:
		return a.Float64 == b.Float64
	case KindString:
		return a.Str == b.Str
	case KindBytes:
		return string(a.Bytes) == string(b.Bytes)
	case KindSeq:
		if len(a.Seq) != len(b.Seq) {
			return false
		}
		for i := range a.Seq {
			if !valuesEqual(a.Seq[i], b.Seq[i]) {
				return false
			}
		}
		return true
	case KindTagged:
		if a.Tag != b.Tag || len(a.Fields) != len(b.Fields) {
			return false
		}
		for i := range a.Fields {
			if !valuesEqual(a.Fields[i], b.Fields[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
