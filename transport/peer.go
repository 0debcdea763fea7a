package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/drpcorg/collabdb/tlv"
	"github.com/drpcorg/collabdb/utils"
)

// Peer pumps one connection: frames read from conn are drained into
// inout, records fed by inout are written to conn.
type Peer struct {
	closed atomic.Bool
	wg     sync.WaitGroup

	conn  net.Conn
	inout FeedDrainCloserTraced
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() && ctx.Err() == nil {
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}
		idle := buf.AvailableBuffer()[:buf.Available()]
		n, err := p.conn.Read(idle)
		if n > 0 {
			buf.Write(idle[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		recs, err := tlv.Split(&buf)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			continue
		}
		if err = p.inout.Drain(ctx, recs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() && ctx.Err() == nil {
		recs, err := p.inout.Feed(ctx)
		if len(recs) > 0 {
			b := net.Buffers(recs)
			if _, werr := b.WriteTo(p.conn); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Keep runs both loops until one of them ends, then closes the
// connection and the endpoint.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(1)
	defer p.wg.Done()
	if p.closed.Load() {
		return nil, nil, nil
	}

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				// closed on our side
				rerr = nil
			}
		case werr = <-writeErrCh:
			if errors.Is(werr, utils.ErrClosed) {
				// the endpoint ended the session
				werr = nil
			}
		}
		if p.closed.CompareAndSwap(false, true) {
			// unblocks the other loop: the reader on the socket, the
			// writer on the closed endpoint
			cerr = p.conn.Close()
			_ = p.inout.Close()
		}
	}
	return
}

func (p *Peer) Close() {
	if p.closed.CompareAndSwap(false, true) {
		_ = p.conn.Close()
		_ = p.inout.Close()
	}
	p.wg.Wait()
}
