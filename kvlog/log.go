// Package kvlog is an ordered byte-key log on top of pebble: inserts,
// half-open range scans, prefix scans and "last entry before" lookups,
// all traversable in both directions.
package kvlog

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/collabdb/utils"
)

type Options struct {
	pebble.Options

	// InMemory keeps everything in a memory FS, the dir is ignored.
	InMemory bool
	// Sync makes every write durable before returning.
	Sync   bool
	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.InMemory && o.Options.FS == nil {
		o.Options.FS = vfs.NewMem()
	}
	o.Options.EnsureDefaults()
}

var ErrClosed = errors.New("kvlog: closed")

type Log struct {
	db     *pebble.DB
	wo     *pebble.WriteOptions
	log    utils.Logger
	closed bool
}

func Open(dir string, opts Options) (*Log, error) {
	opts.SetDefaults()
	if opts.InMemory && dir == "" {
		dir = "mem"
	}
	db, err := pebble.Open(dir, &opts.Options)
	if err != nil {
		return nil, err
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	opts.Logger.Debug("log opened", "dir", dir, "in_memory", opts.InMemory)
	return &Log{db: db, wo: wo, log: opts.Logger}, nil
}

// Database exposes the underlying store, e.g. for metrics.
func (l *Log) Database() *pebble.DB {
	return l.db
}

func (l *Log) Insert(key, value []byte) error {
	return l.db.Set(key, value, l.wo)
}

func (l *Log) Delete(key []byte) error {
	return l.db.Delete(key, l.wo)
}

// DeleteRange removes [fro, til).
func (l *Log) DeleteRange(fro, til []byte) error {
	return l.db.DeleteRange(fro, til, l.wo)
}

// Get returns a copy of the value.
func (l *Log) Get(key []byte) (value []byte, ok bool, err error) {
	v, closer, err := l.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value = bytes.Clone(v)
	_ = closer.Close()
	return value, true, nil
}

// Range iterates [lower, upper); a nil bound is open.
func (l *Log) Range(lower, upper []byte) (*Iter, error) {
	it, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	return &Iter{it: it}, nil
}

// ScanPrefix iterates exactly the keys starting with prefix.
func (l *Log) ScanPrefix(prefix []byte) (*Iter, error) {
	return l.Range(prefix, PrefixSuccessor(prefix))
}

// LastBefore finds the greatest key in [lower, key). A nil lower
// leaves the range open.
func (l *Log) LastBefore(lower, key []byte) (k, v []byte, ok bool, err error) {
	it, err := l.Range(lower, key)
	if err != nil {
		return nil, nil, false, err
	}
	defer it.Close()
	if !it.Last() {
		return nil, nil, false, it.Error()
	}
	return bytes.Clone(it.Key()), bytes.Clone(it.Value()), true, nil
}

func (l *Log) NewBatch() *Batch {
	return &Batch{b: l.db.NewBatch(), wo: l.wo}
}

func (l *Log) Flush() error {
	return l.db.Flush()
}

func (l *Log) Close() error {
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	return l.db.Close()
}

// Batch collects writes that commit atomically.
type Batch struct {
	b  *pebble.Batch
	wo *pebble.WriteOptions
}

func (b *Batch) Insert(key, value []byte) error {
	return b.b.Set(key, value, nil)
}

func (b *Batch) Delete(key []byte) error {
	return b.b.Delete(key, nil)
}

func (b *Batch) DeleteRange(fro, til []byte) error {
	return b.b.DeleteRange(fro, til, nil)
}

func (b *Batch) Empty() bool {
	return b.b.Empty()
}

// Commit applies and releases the batch.
func (b *Batch) Commit() error {
	defer b.b.Close()
	return b.b.Commit(b.wo)
}

// Discard releases the batch without applying it.
func (b *Batch) Discard() {
	_ = b.b.Close()
}
