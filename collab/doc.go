/*
Package collab is the replicated document layer: nested maps and arrays
of JSON values that converge when replicas exchange updates.

Each write is an op stamped with the writer's client id (src), a
per-src sequence number and a Lamport clock. Every (map, key) pair is
a last-writer-wins register ordered by (clock, src). Ops from one src
integrate in seq order; an op arriving ahead of its predecessors waits
in a pending buffer. Re-applying an update is a no-op.
*/
package collab

import (
	"slices"
	"sync"
)

// UpdateEvent is delivered to observers after a transaction commits.
type UpdateEvent struct {
	Update []byte
	Local  bool
}

type Doc struct {
	mx       sync.RWMutex
	objectID string
	src      uint64
	clock    uint64
	sv       StateVector
	regs     map[string]map[string]*op
	log      []*op
	pending  map[uint64]map[uint64]*op

	obsMx     sync.Mutex
	observers map[int]func(UpdateEvent)
	obsSeq    int
}

func NewDoc(objectID string, clientID uint64) *Doc {
	return &Doc{
		objectID:  objectID,
		src:       clientID,
		sv:        make(StateVector),
		regs:      make(map[string]map[string]*op),
		pending:   make(map[uint64]map[uint64]*op),
		observers: make(map[int]func(UpdateEvent)),
	}
}

func (d *Doc) ObjectID() string { return d.objectID }

func (d *Doc) ClientID() uint64 { return d.src }

// Transact runs fn in a read scope.
func (d *Doc) Transact(fn func(txn *Txn)) {
	d.mx.RLock()
	defer d.mx.RUnlock()
	fn(&Txn{d: d})
}

// TransactMut runs fn in an exclusive write scope. Observers see the
// resulting update once the scope is released.
func (d *Doc) TransactMut(fn func(txn *TxnMut)) {
	txn := &TxnMut{Txn: Txn{d: d}}
	d.mx.Lock()
	fn(txn)
	txn.done = true
	d.mx.Unlock()
	if len(txn.ops) > 0 {
		d.emit(UpdateEvent{Update: encodeOps(txn.ops), Local: true})
	}
}

// ApplyUpdate integrates remote ops. Already seen ops are skipped and
// ops ahead of a per-src gap are held until the gap fills.
func (d *Doc) ApplyUpdate(update []byte) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}
	d.mx.Lock()
	var applied []*op
	for _, o := range ops {
		applied = d.receive(o, applied)
	}
	d.mx.Unlock()
	if len(applied) > 0 {
		d.emit(UpdateEvent{Update: encodeOps(applied), Local: false})
	}
	return nil
}

func (d *Doc) receive(o *op, applied []*op) []*op {
	have := d.sv[o.src]
	switch {
	case o.seq <= have:
		return applied
	case o.seq > have+1:
		if d.pending[o.src] == nil {
			d.pending[o.src] = make(map[uint64]*op)
		}
		d.pending[o.src][o.seq] = o
		return applied
	}
	d.integrate(o)
	applied = append(applied, o)
	for next := d.pending[o.src][o.seq+1]; next != nil; next = d.pending[o.src][next.seq+1] {
		delete(d.pending[o.src], next.seq)
		d.integrate(next)
		applied = append(applied, next)
	}
	if len(d.pending[o.src]) == 0 {
		delete(d.pending, o.src)
	}
	return applied
}

func (d *Doc) integrate(o *op) {
	d.sv[o.src] = o.seq
	if o.clock > d.clock {
		d.clock = o.clock
	}
	d.log = append(d.log, o)
	m := d.regs[o.parent]
	if m == nil {
		m = make(map[string]*op)
		d.regs[o.parent] = m
	}
	if cur := m[o.key]; cur == nil || o.wins(cur) {
		m[o.key] = o
	}
}

// HasPending reports ops waiting for missing predecessors.
func (d *Doc) HasPending() bool {
	d.mx.RLock()
	defer d.mx.RUnlock()
	return len(d.pending) > 0
}

func (d *Doc) StateVector() StateVector {
	d.mx.RLock()
	defer d.mx.RUnlock()
	return d.sv.Clone()
}

// EncodeStateAsUpdate returns every op not covered by sv; a nil sv
// yields the full state.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) []byte {
	d.mx.RLock()
	defer d.mx.RUnlock()
	var missing []*op
	for _, o := range d.log {
		if o.seq > sv[o.src] {
			missing = append(missing, o)
		}
	}
	return encodeOps(missing)
}

func (d *Doc) EncodeCollab() EncodedCollab {
	d.mx.RLock()
	defer d.mx.RUnlock()
	return EncodedCollab{
		StateVector:    d.sv.Encode(),
		DocState:       encodeOps(d.log),
		EncoderVersion: EncoderV1,
	}
}

// Observe registers fn for committed updates; the returned func
// unsubscribes.
func (d *Doc) Observe(fn func(UpdateEvent)) (cancel func()) {
	d.obsMx.Lock()
	d.obsSeq++
	id := d.obsSeq
	d.observers[id] = fn
	d.obsMx.Unlock()
	return func() {
		d.obsMx.Lock()
		delete(d.observers, id)
		d.obsMx.Unlock()
	}
}

func (d *Doc) emit(ev UpdateEvent) {
	d.obsMx.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(UpdateEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.obsMx.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// ToJSON renders all root maps.
func (d *Doc) ToJSON() map[string]any {
	ret := make(map[string]any)
	d.Transact(func(txn *Txn) {
		for id := range d.regs {
			if len(id) > 1 && id[0] == '@' {
				if m := Root(id[1:]).ToJSON(txn); len(m) > 0 {
					ret[id[1:]] = m
				}
			}
		}
	})
	return ret
}
