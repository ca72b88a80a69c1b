package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelin/parley/internal/envelope"
)

// pipeConn is an in-memory provider connection: frames pushed into in
// come out of ReadFrame, written frames are recorded.
type pipeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
	block   chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteFrame(data []byte) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-p.closed:
			return io.ErrClosedPipe
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, data)
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.written)
}

type pipeDialer struct {
	mu    sync.Mutex
	conns []*pipeConn
	dials int
	err   error
	hang  bool
}

func (d *pipeDialer) Dial(ctx context.Context, cred Credential) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	if d.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > len(d.conns) {
		return nil, errors.New("no more conns")
	}
	return d.conns[n-1], nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

var testCred = Credential{Endpoint: "ws://test", Token: "tok", RoomID: "r1", UserID: "u1"}

func chatFrame(id string) []byte {
	return []byte(`{"type":"CHAT_MESSAGE","id":"` + id + `","text":"x","senderId":"u2","timestamp":1}`)
}

func TestConnectTimeout(t *testing.T) {
	d := &pipeDialer{hang: true}
	c := NewChannel(d, WithConnectTimeout(20*time.Millisecond))
	t.Cleanup(c.Close)

	err := c.Connect(context.Background(), testCred)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectDialFailure(t *testing.T) {
	d := &pipeDialer{err: errors.New("refused")}
	c := NewChannel(d)
	t.Cleanup(c.Close)

	err := c.Connect(context.Background(), testCred)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestPublishBeforeConnect(t *testing.T) {
	c := NewChannel(&pipeDialer{})
	err := c.Publish(&envelope.Envelope{Type: envelope.KindChat, ID: "m1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishWritesFrame(t *testing.T) {
	conn := newPipeConn()
	c := NewChannel(&pipeDialer{conns: []*pipeConn{conn}})
	t.Cleanup(c.Close)

	require.NoError(t, c.Connect(context.Background(), testCred))
	require.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Publish(&envelope.Envelope{Type: envelope.KindChat, ID: "m1", SenderID: "u1"}))

	require.Eventually(t, func() bool {
		return conn.writeCount() == 1
	}, time.Second, 5*time.Millisecond)

	env, err := envelope.Decode(conn.written[0])
	require.NoError(t, err)
	assert.Equal(t, "m1", env.ID)
}

func TestSubscribeDispatchesByKind(t *testing.T) {
	conn := newPipeConn()
	c := NewChannel(&pipeDialer{conns: []*pipeConn{conn}})
	t.Cleanup(c.Close)

	var mu sync.Mutex
	var got []string
	c.Subscribe(envelope.KindChat, func(env *envelope.Envelope) {
		mu.Lock()
		got = append(got, env.ID)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background(), testCred))

	conn.in <- chatFrame("m1")
	conn.in <- []byte(`{"type":"call_invite","callId":"c1","senderId":"u2"}`) // different kind, no handler
	conn.in <- chatFrame("m2")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"m1", "m2"}, got)
	mu.Unlock()
}

func TestMalformedFrameDoesNotStall(t *testing.T) {
	conn := newPipeConn()
	c := NewChannel(&pipeDialer{conns: []*pipeConn{conn}})
	t.Cleanup(c.Close)

	var delivered int
	var mu sync.Mutex
	c.Subscribe(envelope.KindChat, func(*envelope.Envelope) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background(), testCred))

	conn.in <- []byte(`{not json`)
	conn.in <- []byte(`{"type":"presence_ping"}`)
	conn.in <- chatFrame("m1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	conn1, conn2 := newPipeConn(), newPipeConn()
	d := &pipeDialer{conns: []*pipeConn{conn1, conn2}}
	c := NewChannel(d, WithConnectTimeout(time.Second))
	t.Cleanup(c.Close)

	var mu sync.Mutex
	var got []string
	c.Subscribe(envelope.KindChat, func(env *envelope.Envelope) {
		mu.Lock()
		got = append(got, env.ID)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background(), testCred))
	conn1.in <- chatFrame("before")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	// Drop the first connection; the channel re-dials with backoff and
	// must replay the subscription against the fresh connection.
	conn1.Close()

	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && c.State() == StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	conn2.in <- chatFrame("after")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"before", "after"}, got)
	mu.Unlock()
}

func TestPublishBackpressure(t *testing.T) {
	conn := newPipeConn()
	conn.block = make(chan struct{}) // write pump wedges on the first frame
	c := NewChannel(&pipeDialer{conns: []*pipeConn{conn}})
	t.Cleanup(c.Close)

	require.NoError(t, c.Connect(context.Background(), testCred))

	var sawBackpressure bool
	for i := 0; i < sendBufferSize+2; i++ {
		err := c.Publish(&envelope.Envelope{Type: envelope.KindChat, ID: "m"})
		if errors.Is(err, ErrBackpressure) {
			sawBackpressure = true
			break
		}
		require.NoError(t, err)
	}
	assert.True(t, sawBackpressure, "full buffer surfaces ErrBackpressure instead of blocking")
	close(conn.block)
}

func TestWaitConnected(t *testing.T) {
	conn := newPipeConn()
	c := NewChannel(&pipeDialer{conns: []*pipeConn{conn}})
	t.Cleanup(c.Close)

	// Not connected and stays that way: the bound expires.
	err := c.WaitConnected(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)

	// A waiter parked before Connect is released by it.
	done := make(chan error, 1)
	go func() {
		done <- c.WaitConnected(context.Background(), 5*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Connect(context.Background(), testCred))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released on connect")
	}

	// Already connected: returns immediately.
	assert.NoError(t, c.WaitConnected(context.Background(), time.Millisecond))
}

func TestCloseStopsChannel(t *testing.T) {
	conn := newPipeConn()
	c := NewChannel(&pipeDialer{conns: []*pipeConn{conn}})

	require.NoError(t, c.Connect(context.Background(), testCred))
	c.Close()

	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Publish(&envelope.Envelope{Type: envelope.KindChat}), ErrNotConnected)
	assert.ErrorIs(t, c.Connect(context.Background(), testCred), ErrClosed)
	assert.ErrorIs(t, c.WaitConnected(context.Background(), time.Millisecond), ErrClosed)
}

func TestCloseReleasesWaiters(t *testing.T) {
	c := NewChannel(&pipeDialer{hang: true})

	done := make(chan error, 1)
	go func() {
		done <- c.WaitConnected(context.Background(), time.Hour)
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released on close")
	}
}

func TestConnectTwice(t *testing.T) {
	conn := newPipeConn()
	c := NewChannel(&pipeDialer{conns: []*pipeConn{conn}})
	t.Cleanup(c.Close)

	require.NoError(t, c.Connect(context.Background(), testCred))
	assert.Error(t, c.Connect(context.Background(), testCred))
}
