// Package transport carries framed records between processes. A
// connection endpoint is a FeedDrainCloser: the transport drains what
// it reads from the wire into it and writes out what it feeds.
package transport

import (
	"context"
	"io"

	"github.com/drpcorg/collabdb/tlv"
)

// Records are whole TLV records; a batch is written with one writev.
type Records = tlv.Records

// Feeder produces records. It follows the io.Reader EOF convention:
// records may come together with an error.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type FeedCloser interface {
	Feeder
	io.Closer
}

type DrainCloser interface {
	Drainer
	io.Closer
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Traced endpoints name themselves in transport logs.
type Traced interface {
	GetTraceId() string
}

type FeedDrainCloserTraced interface {
	FeedDrainCloser
	Traced
}

// Relay moves one batch from feeder to drainer.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if len(recs) > 0 {
		if derr := drainer.Drain(ctx, recs); err == nil {
			err = derr
		}
	}
	return err
}

// Pump relays until an error or the end of ctx.
func Pump(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}

// PumpThenClose pumps until either side fails, then closes both. The
// feed error wins over the drain error.
func PumpThenClose(ctx context.Context, feed FeedCloser, drain DrainCloser) error {
	var ferr, derr error
	for ferr == nil && derr == nil && ctx.Err() == nil {
		var recs Records
		recs, ferr = feed.Feed(ctx)
		if len(recs) > 0 {
			derr = drain.Drain(ctx, recs)
		}
	}
	_ = feed.Close()
	_ = drain.Close()
	if ferr != nil {
		return ferr
	}
	return derr
}
