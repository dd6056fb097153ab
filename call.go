package armi

import (
	cryrand "crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cristalhq/base64"
)

// DefaultCallTimeout is the caller's default watchdog duration, per §6.
const DefaultCallTimeout = 10 * time.Second

// pendingCall is one outstanding outbound call's correlation state: a
// one-shot delivery slot plus the watchdog racing to time it out, grounded
// on SynchronousCall.java's BlockingQueue<SynchronousResponse> and
// Interruptor.java's scheduled interrupt.
type pendingCall struct {
	serial uint64
	result chan callResult
	once   sync.Once
	timer  *time.Timer
}

type callResult struct {
	value Value
	err   error
}

// complete delivers a result exactly once; a second attempt (e.g. the
// watchdog firing after a response already arrived, or vice versa) is a
// no-op, making cancellation race-safe per §4.5.
func (pc *pendingCall) complete(v Value, err error) {
	pc.once.Do(func() {
		pc.timer.Stop()
		pc.result <- callResult{value: v, err: err}
	})
}

// CallCoordinator issues serials and tracks outstanding calls for one
// PeerConnection, grounded on SynchronousCall.java's AtomicInteger
// callCount and per-call response queue.
type CallCoordinator struct {
	mu      sync.Mutex
	pending map[uint64]*pendingCall
	serial  atomic.Uint64
}

// NewCallCoordinator returns an empty coordinator. The serial counter is
// scoped to this coordinator (one per PeerConnection, owned in turn by one
// Hub), not to the process, per §9's resolution of the Open Question on
// counter scope.
func NewCallCoordinator() *CallCoordinator {
	return &CallCoordinator{pending: make(map[uint64]*pendingCall)}
}

// NewCallID mints a diagnostic, human-distinguishable call identifier
// (distinct from the numeric serial used for wire correlation), grounded
// on the teacher's hdr.go NewCryRandCallID: random bytes from crypto/rand,
// URL-safe base64 encoded.
func NewCallID() string {
	raw := make([]byte, 16)
	if _, err := cryrand.Read(raw); err != nil {
		// crypto/rand failure is unrecoverable in practice; callers only
		// use this ID for logging, so fall back to an empty ID rather
		// than panicking the caller's goroutine.
		return ""
	}
	return base64.URLEncoding.EncodeToString(raw)
}

// Begin allocates a serial, registers the pending call, and schedules its
// timeout watchdog. onTimeout is invoked from the timer's own goroutine if
// the watchdog fires before Complete is called for this serial.
func (cc *CallCoordinator) Begin(timeout time.Duration, onTimeout func(serial uint64)) *pendingCall {
	serial := cc.serial.Add(1)
	pc := &pendingCall{serial: serial, result: make(chan callResult, 1)}
	pc.timer = time.AfterFunc(timeout, func() { onTimeout(serial) })

	cc.mu.Lock()
	cc.pending[serial] = pc
	cc.mu.Unlock()
	return pc
}

// Deliver completes the pending call for serial with a successful value,
// called by the receive task when a matching SynchronousResponse arrives.
// A serial with no pending entry (already timed out, or unknown) is a
// silent no-op per §8 invariant 6.
func (cc *CallCoordinator) Deliver(serial uint64, v Value) {
	cc.mu.Lock()
	pc, ok := cc.pending[serial]
	if ok {
		delete(cc.pending, serial)
	}
	cc.mu.Unlock()
	if ok {
		pc.complete(v, nil)
	} else {
		callLog.WithField("serial", serial).Debug("dropped response for unknown or already-timed-out serial")
	}
}

// DeliverError completes the pending call for serial with err, used when
// the response payload is an ArmiException rather than a normal Value.
// Like Deliver, an unknown serial is a silent no-op.
func (cc *CallCoordinator) DeliverError(serial uint64, err error) {
	cc.mu.Lock()
	pc, ok := cc.pending[serial]
	if ok {
		delete(cc.pending, serial)
	}
	cc.mu.Unlock()
	if ok {
		pc.complete(Value{}, err)
	} else {
		callLog.WithField("serial", serial).Debug("dropped error response for unknown or already-timed-out serial")
	}
}

// Timeout completes the pending call for serial with a timeout error, if
// it is still outstanding. Called from the watchdog's onTimeout callback.
func (cc *CallCoordinator) Timeout(serial uint64) {
	cc.mu.Lock()
	pc, ok := cc.pending[serial]
	if ok {
		delete(cc.pending, serial)
	}
	cc.mu.Unlock()
	if ok {
		pc.complete(Value{}, NewArmiError(KindTimeoutError, "call timed out"))
	}
}

// AbortAll completes every outstanding call with reason, used by a peer
// connection's shutdown cascade (§5 Cancellation: peer loss).
func (cc *CallCoordinator) AbortAll(reason string) {
	cc.mu.Lock()
	all := make([]*pendingCall, 0, len(cc.pending))
	for serial, pc := range cc.pending {
		all = append(all, pc)
		delete(cc.pending, serial)
	}
	cc.mu.Unlock()
	for _, pc := range all {
		pc.complete(Value{}, NewArmiError(KindIOError, reason))
	}
}

// Outstanding reports how many calls are currently pending, used by tests
// asserting §8 invariant 5 (outstanding-call table empty after shutdown).
func (cc *CallCoordinator) Outstanding() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.pending)
}
