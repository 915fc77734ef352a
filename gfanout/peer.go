package gfanout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Peer is a remote endpoint that receives outbound payloads.
//
// Send must be safe for concurrent use,
// and it must return promptly once ctx is cancelled.
type Peer interface {
	// ID uniquely identifies the peer within a [Hub].
	ID() string

	Send(ctx context.Context, payload []byte) error
}

// ErrPeerClosed is returned from Send on a peer that has been closed.
var ErrPeerClosed = errors.New("peer closed")

// ConnPeer is a [Peer] backed by a stream connection.
// Each payload is written followed by a single newline.
type ConnPeer struct {
	id   string
	conn net.Conn

	// Writes to conn are serialized so that concurrent broadcasts
	// never interleave their bytes.
	mu sync.Mutex
}

// NewConnPeer wraps conn.
// The caller retains ownership of conn and is responsible for closing it.
func NewConnPeer(conn net.Conn) *ConnPeer {
	return &ConnPeer{
		id:   "conn-" + uuid.NewString(),
		conn: conn,
	}
}

func (p *ConnPeer) ID() string { return p.id }

// Conn returns the underlying connection.
func (p *ConnPeer) Conn() net.Conn { return p.conn }

// Send writes payload and a trailing newline to the connection.
func (p *ConnPeer) Send(ctx context.Context, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	return p.Write(ctx, buf)
}

// Write writes b to the connection verbatim,
// serialized with any concurrent Send or Write.
// If ctx has a deadline, it is applied as the write deadline.
func (p *ConnPeer) Write(ctx context.Context, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time // Zero value clears any earlier deadline.
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if _, err := p.conn.Write(b); err != nil {
		return fmt.Errorf("failed to write to %s: %w", p.conn.RemoteAddr(), err)
	}
	return nil
}

// ChanPeer is a [Peer] that delivers payloads to a buffered channel.
// It is the in-process equivalent of a connection:
// WebSocket writers and tests read from [ChanPeer.Outbound].
type ChanPeer struct {
	id string

	ch chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewChanPeer returns a ChanPeer whose outbound channel has the given buffer size.
func NewChanPeer(buffer int) *ChanPeer {
	if buffer < 0 {
		panic(fmt.Errorf("BUG: negative buffer size %d", buffer))
	}
	return &ChanPeer{
		id:   "chan-" + uuid.NewString(),
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (p *ChanPeer) ID() string { return p.id }

// Send delivers payload to the outbound channel,
// blocking until there is room, ctx is cancelled, or the peer is closed.
// The payload is not copied; receivers must not modify it.
func (p *ChanPeer) Send(ctx context.Context, payload []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}

	select {
	case p.ch <- payload:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-p.done:
		return ErrPeerClosed
	}
}

// Outbound returns the channel of delivered payloads.
// The channel is never closed; select on [ChanPeer.Done] to detect closure.
func (p *ChanPeer) Outbound() <-chan []byte { return p.ch }

// Done is closed when the peer is closed.
func (p *ChanPeer) Done() <-chan struct{} { return p.done }

// Close marks the peer as closed. It is safe to call multiple times.
func (p *ChanPeer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}
