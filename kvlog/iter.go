package kvlog

import (
	"bytes"

	"github.com/cockroachdb/pebble"
)

type Entry struct {
	Key   []byte
	Value []byte
}

// Iter walks a bounded key range either way. Key and Value are valid
// until the next move.
type Iter struct {
	it *pebble.Iterator
}

func (i *Iter) First() bool { return i.it.First() }

func (i *Iter) Last() bool { return i.it.Last() }

func (i *Iter) Next() bool { return i.it.Next() }

func (i *Iter) Prev() bool { return i.it.Prev() }

func (i *Iter) Valid() bool { return i.it.Valid() }

func (i *Iter) Key() []byte { return i.it.Key() }

func (i *Iter) Value() []byte { return i.it.Value() }

func (i *Iter) Error() error { return i.it.Error() }

func (i *Iter) Close() error { return i.it.Close() }

// Entries copies out the whole range in ascending order.
func (i *Iter) Entries() (ret []Entry, err error) {
	for ok := i.First(); ok; ok = i.Next() {
		ret = append(ret, Entry{Key: bytes.Clone(i.Key()), Value: bytes.Clone(i.Value())})
	}
	return ret, i.Error()
}

// ReverseEntries copies out the whole range in descending order.
func (i *Iter) ReverseEntries() (ret []Entry, err error) {
	for ok := i.Last(); ok; ok = i.Prev() {
		ret = append(ret, Entry{Key: bytes.Clone(i.Key()), Value: bytes.Clone(i.Value())})
	}
	return ret, i.Error()
}

// Collect reads a range and closes the iterator.
func Collect(i *Iter, err error) ([]Entry, error) {
	if err != nil {
		return nil, err
	}
	defer i.Close()
	return i.Entries()
}
