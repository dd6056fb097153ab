package armi

import "sync"

// flavorMap holds, for one type, the ordered subscriber lists keyed by
// flavor; the nil-flavor entry (key "") holds the any-flavor subscribers,
// together with any registered under the empty-string flavor.
type flavorMap struct {
	mu   sync.Mutex
	list map[string][]*Subscriber
}

func newFlavorMap() *flavorMap {
	return &flavorMap{list: make(map[string][]*Subscriber)}
}

func flavorKey(flavor *string) string {
	if flavor == nil {
		return ""
	}
	return *flavor
}

// Index is the subscription index: type -> (flavor -> ordered subscriber
// list), grounded on Armi.java's getSubscribers map-of-maps and guarded
// per §4.3/§5 by one monitor on the top-level map plus one monitor per type
// covering that type's flavor lists, never held simultaneously.
type Index struct {
	mu     sync.Mutex
	byType map[string]*flavorMap
}

// NewIndex returns an empty subscription index.
func NewIndex() *Index {
	return &Index{byType: make(map[string]*flavorMap)}
}

// Add installs sub under (sub.Type, sub.Flavor), appending to the tail of
// that list so traversal order matches addition order.
func (ix *Index) Add(sub *Subscriber) {
	fm := ix.flavorMapFor(sub.Type)
	fm.mu.Lock()
	key := flavorKey(sub.Flavor)
	fm.list[key] = append(fm.list[key], sub)
	fm.mu.Unlock()
}

// Remove reverses Add. It removes the first subscriber matching sub's
// identity (pointer equality), mirroring a subscribe/cancel pair restoring
// the index to its prior state.
func (ix *Index) Remove(sub *Subscriber) bool {
	ix.mu.Lock()
	fm, ok := ix.byType[sub.Type]
	ix.mu.Unlock()
	if !ok {
		return false
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	key := flavorKey(sub.Flavor)
	list := fm.list[key]
	for i, s := range list {
		if s == sub {
			fm.list[key] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (ix *Index) flavorMapFor(typ string) *flavorMap {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	fm, ok := ix.byType[typ]
	if !ok {
		fm = newFlavorMap()
		ix.byType[typ] = fm
	}
	return fm
}

// Matching returns a snapshot (shallow copy) of every subscriber that
// should receive an envelope of (typ, flavor): the exact-flavor list, then
// — only if flavor is non-nil — the nil-flavor (any-flavor) list too; an
// empty-string flavor shares that list's key, so it is returned once. The
// snapshot is taken under the list lock and handed to the caller for
// fan-out outside that lock, resolving the publish/teardown race named in
// §9: a transmit failure encountered while walking the snapshot can never
// race with a concurrent Add/Remove mutating the same backing slice.
func (ix *Index) Matching(typ string, flavor *string) []*Subscriber {
	ix.mu.Lock()
	fm, ok := ix.byType[typ]
	ix.mu.Unlock()
	if !ok {
		return nil
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var out []*Subscriber
	key := flavorKey(flavor)
	out = append(out, fm.list[key]...)
	if flavor != nil && key != "" {
		out = append(out, fm.list[""]...)
	}
	return out
}

// RemoveAllForPeer removes every subscriber bound to peer from the index,
// the piece of the peer-connection shutdown cascade that makes the receive
// task the owner of the subscriber set it installed (§9 Cyclic ownership).
func (ix *Index) RemoveAllForPeer(peer *PeerConnection) []*Subscriber {
	ix.mu.Lock()
	types := make([]*flavorMap, 0, len(ix.byType))
	for _, fm := range ix.byType {
		types = append(types, fm)
	}
	ix.mu.Unlock()

	var removed []*Subscriber
	for _, fm := range types {
		fm.mu.Lock()
		for key, list := range fm.list {
			kept := list[:0:0]
			for _, s := range list {
				if s.Peer == peer {
					removed = append(removed, s)
				} else {
					kept = append(kept, s)
				}
			}
			fm.list[key] = kept
		}
		fm.mu.Unlock()
	}
	return removed
}
