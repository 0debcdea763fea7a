package collab

import "fmt"

// ReadTxn is satisfied by both transaction kinds.
type ReadTxn interface {
	document() *Doc
}

// Txn is a read scope, valid only inside Doc.Transact.
type Txn struct {
	d *Doc
}

func (t *Txn) document() *Doc { return t.d }

// TxnMut is a write scope, valid only inside Doc.TransactMut.
type TxnMut struct {
	Txn
	ops  []*op
	done bool
}

func (t *TxnMut) write(parent, key string, kind byte, value []byte) *op {
	if t.done {
		panic("collab: write after the transaction ended")
	}
	d := t.d
	d.clock++
	o := &op{
		src:    d.src,
		seq:    d.sv[d.src] + 1,
		clock:  d.clock,
		kind:   kind,
		parent: parent,
		key:    key,
		value:  value,
	}
	d.integrate(o)
	t.ops = append(t.ops, o)
	return o
}

// nextStamp names the op the next write will produce.
func (t *TxnMut) nextStamp() string {
	return fmt.Sprintf("%x-%x", t.d.src, t.d.sv[t.d.src]+1)
}

// Changed reports whether the transaction wrote anything so far.
func (t *TxnMut) Changed() bool {
	return len(t.ops) > 0
}
