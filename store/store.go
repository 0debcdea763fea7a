// Package store keeps documents on disk as a per-object log of updates
// plus compacted snapshots, on top of kvlog.
package store

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/collabdb_errors"
	"github.com/drpcorg/collabdb/kvlog"
	"github.com/drpcorg/collabdb/utils"
	"github.com/pkg/errors"
)

// Key spaces.
const (
	SpaceDocID    = 'D' // 'D' + object id -> doc number
	SpaceCounter  = 'N' // last allocated doc number
	SpaceUpdate   = 'U' // ObjectKey('U', doc, clock) -> update
	SpaceSnapshot = 'S' // ObjectKey('S', doc, clock) -> EncodedCollab
)

type Options struct {
	KV kvlog.Options
	// CompactThreshold is the number of updates after the latest
	// snapshot that triggers a new one.
	CompactThreshold int
	Logger           utils.Logger
}

func (o *Options) SetDefaults() {
	if o.CompactThreshold <= 0 {
		o.CompactThreshold = 100
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.KV.Logger == nil {
		o.KV.Logger = o.Logger
	}
}

// CollabStore implements collab.Persistence.
type CollabStore struct {
	kv   *kvlog.Log
	opts Options
	log  utils.Logger

	// serializes clock and doc number allocation
	lock sync.Mutex
}

var _ collab.Persistence = (*CollabStore)(nil)

func Open(dir string, opts Options) (*CollabStore, error) {
	opts.SetDefaults()
	kv, err := kvlog.Open(dir, opts.KV)
	if err != nil {
		return nil, err
	}
	return &CollabStore{kv: kv, opts: opts, log: opts.Logger}, nil
}

func (s *CollabStore) Log() *kvlog.Log {
	return s.kv
}

func (s *CollabStore) Close() error {
	return s.kv.Close()
}

func docIDKey(objectID string) []byte {
	return append([]byte{SpaceDocID}, objectID...)
}

func (s *CollabStore) docID(objectID string) (uint64, bool, error) {
	v, ok, err := s.kv.Get(docIDKey(objectID))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("store: bad doc number for %s", objectID)
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// ensureDocID allocates a doc number inside b if needed. Call with the
// lock held.
func (s *CollabStore) ensureDocID(b *kvlog.Batch, objectID string, fresh map[string]uint64) (uint64, error) {
	if id, ok := fresh[objectID]; ok {
		return id, nil
	}
	id, ok, err := s.docID(objectID)
	if err != nil || ok {
		return id, err
	}
	last, _, err := s.kv.Get([]byte{SpaceCounter})
	if err != nil {
		return 0, err
	}
	var n uint64
	if len(last) == 8 {
		n = binary.BigEndian.Uint64(last)
	}
	for _, id := range fresh {
		n = max(n, id)
	}
	n++
	val := binary.BigEndian.AppendUint64(nil, n)
	if err = b.Insert([]byte{SpaceCounter}, val); err != nil {
		return 0, err
	}
	if err = b.Insert(docIDKey(objectID), val); err != nil {
		return 0, err
	}
	fresh[objectID] = n
	return n, nil
}

// lastClock is the highest clock used by any update or snapshot.
func (s *CollabStore) lastClock(doc uint64) (clock uint64, err error) {
	for _, space := range []byte{SpaceUpdate, SpaceSnapshot} {
		fro, til := kvlog.ObjectRange(space, doc)
		k, _, ok, err := s.kv.LastBefore(fro, til)
		if err != nil {
			return 0, err
		}
		if ok {
			_, _, c, _ := kvlog.ParseObjectKey(k)
			clock = max(clock, c)
		}
	}
	return clock, nil
}

// snapshotBefore finds the latest snapshot with a clock below boundary.
func (s *CollabStore) snapshotBefore(doc, boundary uint64) (clock uint64, snap collab.EncodedCollab, ok bool, err error) {
	k, v, ok, err := s.kv.LastBefore(kvlog.ObjectPrefix(SpaceSnapshot, doc), kvlog.ObjectKey(SpaceSnapshot, doc, boundary))
	if err != nil || !ok {
		return 0, snap, false, err
	}
	_, _, clock, _ = kvlog.ParseObjectKey(k)
	snap, err = collab.UnmarshalEncodedCollab(v)
	return clock, snap, err == nil, err
}

// updatesAfter lists update records with clocks above from.
func (s *CollabStore) updatesAfter(doc, from uint64) ([]kvlog.Entry, error) {
	_, til := kvlog.ObjectRange(SpaceUpdate, doc)
	return kvlog.Collect(s.kv.Range(kvlog.ObjectKey(SpaceUpdate, doc, from+1), til))
}

// PushUpdate appends an update to the object's log, compacting the log
// into a snapshot once it grows past the threshold.
func (s *CollabStore) PushUpdate(objectID string, update []byte) error {
	if len(update) == 0 {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	b := s.kv.NewBatch()
	doc, err := s.ensureDocID(b, objectID, map[string]uint64{})
	if err != nil {
		b.Discard()
		return err
	}
	clock, err := s.lastClock(doc)
	if err != nil {
		b.Discard()
		return err
	}
	clock++
	if err = b.Insert(kvlog.ObjectKey(SpaceUpdate, doc, clock), update); err != nil {
		b.Discard()
		return err
	}
	if err = b.Commit(); err != nil {
		return err
	}
	updatesAppended.Inc()

	snapClock, _, _, err := s.snapshotBefore(doc, math.MaxUint64)
	if err != nil {
		return err
	}
	if clock-snapClock >= uint64(s.opts.CompactThreshold) {
		return s.compact(objectID, doc, clock)
	}
	return nil
}

// compact folds everything up to clock into one snapshot at clock.
func (s *CollabStore) compact(objectID string, doc, clock uint64) error {
	state := collab.NewDoc(objectID, 0)
	if err := s.loadInto(state, doc); err != nil {
		return err
	}
	b := s.kv.NewBatch()
	if err := s.writeSnapshot(b, doc, clock, state.EncodeCollab()); err != nil {
		b.Discard()
		return err
	}
	if err := b.Commit(); err != nil {
		return err
	}
	compactions.Inc()
	s.log.Debug("log compacted", "object_id", objectID, "clock", clock)
	return nil
}

// writeSnapshot puts a snapshot at clock and drops everything it covers.
func (s *CollabStore) writeSnapshot(b *kvlog.Batch, doc, clock uint64, enc collab.EncodedCollab) error {
	if err := b.DeleteRange(kvlog.ObjectKey(SpaceUpdate, doc, 0), kvlog.ObjectKey(SpaceUpdate, doc, clock+1)); err != nil {
		return err
	}
	if err := b.DeleteRange(kvlog.ObjectKey(SpaceSnapshot, doc, 0), kvlog.ObjectKey(SpaceSnapshot, doc, clock)); err != nil {
		return err
	}
	snapshotsWritten.Inc()
	return b.Insert(kvlog.ObjectKey(SpaceSnapshot, doc, clock), enc.Marshal())
}

func (s *CollabStore) loadInto(d *collab.Doc, doc uint64) error {
	snapClock, snap, ok, err := s.snapshotBefore(doc, math.MaxUint64)
	if err != nil {
		return err
	}
	if ok {
		if err = d.ApplyEncodedCollab(snap); err != nil {
			return errors.Wrapf(err, "snapshot %d of %s", snapClock, d.ObjectID())
		}
	}
	updates, err := s.updatesAfter(doc, snapClock)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err = d.ApplyUpdate(u.Value); err != nil {
			_, _, c, _ := kvlog.ParseObjectKey(u.Key)
			return errors.Wrapf(err, "update %d of %s", c, d.ObjectID())
		}
	}
	return nil
}

// LoadCollab applies the latest snapshot and every later update.
// Unknown objects load as empty.
func (s *CollabStore) LoadCollab(d *collab.Doc) error {
	doc, ok, err := s.docID(d.ObjectID())
	if err != nil {
		return collabdb_errors.Internal(err)
	}
	if !ok {
		return nil
	}
	return collabdb_errors.Internal(s.loadInto(d, doc))
}

func (s *CollabStore) DeleteCollab(objectID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	doc, ok, err := s.docID(objectID)
	if err != nil || !ok {
		return err
	}
	b := s.kv.NewBatch()
	for _, space := range []byte{SpaceUpdate, SpaceSnapshot} {
		fro, til := kvlog.ObjectRange(space, doc)
		if err = b.DeleteRange(fro, til); err != nil {
			b.Discard()
			return err
		}
	}
	if err = b.Delete(docIDKey(objectID)); err != nil {
		b.Discard()
		return err
	}
	return b.Commit()
}

func (s *CollabStore) IsCollabExist(objectID string) bool {
	_, ok, err := s.docID(objectID)
	if err != nil {
		s.log.Error("doc lookup failed", "object_id", objectID, "err", err)
	}
	return ok
}

// FlushCollabs writes full states as snapshots in one batch.
func (s *CollabStore) FlushCollabs(entries []collab.CollabEntry) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	b := s.kv.NewBatch()
	fresh := make(map[string]uint64)
	for _, e := range entries {
		doc, err := s.ensureDocID(b, e.ObjectID, fresh)
		if err != nil {
			b.Discard()
			return err
		}
		clock, err := s.lastClock(doc)
		if err != nil {
			b.Discard()
			return err
		}
		if err = s.writeSnapshot(b, doc, clock+1, e.Encoded); err != nil {
			b.Discard()
			return err
		}
	}
	return b.Commit()
}

func (s *CollabStore) IsRowExistPartition(rowIDs []string) (existing, missing []string) {
	for _, id := range rowIDs {
		if s.IsCollabExist(id) {
			existing = append(existing, id)
		} else {
			missing = append(missing, id)
		}
	}
	return
}
