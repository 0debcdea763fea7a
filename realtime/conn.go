package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/drpcorg/collabdb/transport"
	"github.com/drpcorg/collabdb/utils"
	"golang.org/x/time/rate"
)

// Conn is the hub end of one connection. The transport drains client
// frames into it and feeds the outbox to the wire.
type Conn struct {
	hub     *Hub
	name    string
	out     *utils.FDQueue[transport.Records]
	limiter *rate.Limiter

	terminating atomic.Bool
	// ending is set once the last notice is queued; Feed ends the
	// connection when the outbox runs dry
	ending     atomic.Bool
	overflowed atomic.Bool

	mx       sync.Mutex
	origin   string
	detached bool
	objects  map[string]*object
}

var _ transport.FeedDrainCloserTraced = (*Conn)(nil)

func newConn(h *Hub, name string) *Conn {
	return &Conn{
		hub:     h,
		name:    name,
		out:     utils.NewFDQueue[transport.Records](h.opts.OutboxLimit, h.opts.FeedTimeout, h.opts.BatchSize),
		limiter: rate.NewLimiter(h.opts.RateLimit, h.opts.Burst),
		objects: make(map[string]*object),
	}
}

func (c *Conn) GetTraceId() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.origin != "" {
		return c.origin
	}
	return c.name
}

func (c *Conn) Feed(ctx context.Context) (transport.Records, error) {
	recs, err := c.out.Feed(ctx)
	if err == nil && len(recs) == 0 && c.ending.Load() {
		return nil, utils.ErrClosed
	}
	return recs, err
}

// Drain handles client frames. Bad frames are skipped; envelopes over
// the rate limit are dropped and answered with a RateLimit notice.
func (c *Conn) Drain(ctx context.Context, recs transport.Records) error {
	for _, rec := range recs {
		if c.terminating.Load() {
			return nil
		}
		if c.isDetached() {
			return utils.ErrClosed
		}
		env, err := Unframe(rec)
		if err != nil {
			c.hub.log.WarnCtx(ctx, "hub: bad frame", "conn", c.name, "err", err)
			continue
		}
		if env == nil {
			continue
		}
		if !c.limiter.Allow() {
			rateLimited.Inc()
			c.send(SystemEnvelope{System: RateLimit{Limit: c.hub.rateLimit()}})
			continue
		}
		c.hub.dispatch(ctx, c, env)
	}
	return nil
}

func (c *Conn) Close() error {
	_ = c.out.Close()
	c.hub.detach(c)
	return nil
}

// terminate queues a final notice and detaches; the connection closes
// once the notice is written.
func (c *Conn) terminate(sys SystemMessage) {
	if !c.terminating.CompareAndSwap(false, true) {
		return
	}
	c.send(SystemEnvelope{System: sys})
	c.ending.Store(true)
	c.hub.detach(c)
}

// send never blocks. An overflowing outbox fails the next Feed, which
// brings the connection down.
func (c *Conn) send(env Envelope) {
	frame, err := Frame(env)
	if err != nil {
		c.hub.log.Error("hub: frame not encoded", "conn", c.name, "err", err)
		return
	}
	err = c.out.Drain(context.Background(), transport.Records{frame})
	if errors.Is(err, utils.ErrOverflow) && c.overflowed.CompareAndSwap(false, true) {
		c.hub.log.Warn("hub: outbox overflow, dropping connection", "conn", c.name, "origin", c.GetTraceId())
	}
}

func (c *Conn) isDetached() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.detached
}

// track records a subscription; false once the connection is gone.
func (c *Conn) track(obj *object) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.detached {
		return false
	}
	c.objects[obj.id] = obj
	return true
}

func (c *Conn) subscribed(objectID string) (*object, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	obj, ok := c.objects[objectID]
	return obj, ok
}

// keyOf names the sender for ordering bookkeeping.
func (c *Conn) keyOf(origin Origin) string {
	if key := origin.String(); key != "" {
		return key
	}
	return c.name
}
