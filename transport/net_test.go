package transport

import (
	"context"
	"testing"
	"time"

	"github.com/drpcorg/collabdb/tlv"
	"github.com/drpcorg/collabdb/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// endpoint keeps what the wire brings apart from what goes out.
type endpoint struct {
	in, out *utils.FDQueue[Records]
}

func newEndpoint() *endpoint {
	return &endpoint{
		in:  utils.NewFDQueue[Records](1<<20, 10*time.Millisecond, 1),
		out: utils.NewFDQueue[Records](1<<20, 10*time.Millisecond, 1),
	}
}

func (e *endpoint) Feed(ctx context.Context) (Records, error) { return e.out.Feed(ctx) }

func (e *endpoint) Drain(ctx context.Context, recs Records) error { return e.in.Drain(ctx, recs) }

func (e *endpoint) Close() error {
	_ = e.in.Close()
	return e.out.Close()
}

func (e *endpoint) GetTraceId() string { return "" }

func receive(t *testing.T, q *utils.FDQueue[Records]) []byte {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := q.Feed(context.Background())
		require.Nil(t, err)
		if len(recs) > 0 {
			return recs[0]
		}
	}
	t.Fatal("nothing received")
	return nil
}

func TestNet_Echo(t *testing.T) {
	ctx := context.Background()
	server, client := newEndpoint(), newEndpoint()
	log := utils.NopLogger()

	l := NewNet(func(string) FeedDrainCloserTraced { return server }, func(string, Traced) {}, NetOptions{Logger: log})
	require.Nil(t, l.Listen(ctx, "tcp://127.0.0.1:0"))
	assert.Equal(t, ErrAddressDuplicated, l.Listen(ctx, "tcp://127.0.0.1:0"))
	addr, ok := l.ListenAddr("tcp://127.0.0.1:0")
	require.True(t, ok)

	c := NewNet(func(string) FeedDrainCloserTraced { return client }, func(string, Traced) {}, NetOptions{Logger: log})
	target := "tcp://" + addr.String()
	require.Nil(t, c.Connect(ctx, target))

	require.Nil(t, client.out.Drain(ctx, Records{tlv.Record('M', []byte("Hi there"))}))
	lit, body, rest := tlv.TakeAny(receive(t, server.in))
	assert.Equal(t, byte('M'), lit)
	assert.Equal(t, "Hi there", string(body))
	assert.Empty(t, rest)

	require.Nil(t, server.out.Drain(ctx, Records{tlv.Record('M', []byte("Re: Hi there"))}))
	lit, body, _ = tlv.TakeAny(receive(t, client.in))
	assert.Equal(t, byte('M'), lit)
	assert.Equal(t, "Re: Hi there", string(body))

	assert.Nil(t, c.Disconnect(target))
	assert.Equal(t, ErrAddressUnknown, c.Disconnect(target))
	assert.Nil(t, c.Close())
	assert.Nil(t, l.Close())
}

func TestParseAddr(t *testing.T) {
	ty, addr, err := parseAddr("tls://localhost:8443")
	assert.Nil(t, err)
	assert.Equal(t, TLS, ty)
	assert.Equal(t, "localhost:8443", addr)

	ty, addr, err = parseAddr("tcp://127.0.0.1:9000")
	assert.Nil(t, err)
	assert.Equal(t, TCP, ty)
	assert.Equal(t, "127.0.0.1:9000", addr)

	_, _, err = parseAddr("quic://127.0.0.1:9000")
	assert.Equal(t, ErrAddressInvalid, err)
}
