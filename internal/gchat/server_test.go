package gchat_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/nocap/gconsensus/gconsensustest"
	"github.com/gordian-engine/nocap/gledger"
	"github.com/gordian-engine/nocap/internal/gchat"
	"github.com/gordian-engine/nocap/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestServer_chat(t *testing.T) {
	t.Parallel()

	_, addr := startServer(t, t.Context())

	alice := dial(t, addr)
	alice.expect(t, "Choose your nickname: ")
	alice.send(t, "alice")
	alice.expect(t, "Welcome alice!")
	alice.expect(t, "There are 0 user(s) besides you")
	alice.expect(t, "- /quit will disconnect you\n===")

	bob := dial(t, addr)
	bob.expect(t, "Choose your nickname: ")
	bob.send(t, "  bob  ")
	bob.expect(t, "Welcome bob!")
	bob.expect(t, "There are 1 user(s) besides you")

	alice.expect(t, "bob has just joined!\n")

	alice.send(t, "hello there")
	bob.expect(t, "\n[alice]: hello there\n")

	bob.send(t, "/list")
	bob.expect(t, "===\nCurrently connected users:\n - alice\n - bob (you)\n===")

	bob.send(t, "/quit")
	alice.expect(t, "bob has just quit!\n")
	bob.expectClosed(t)

	// Alice never saw her own chat line echoed.
	require.NotContains(t, alice.seen.String(), "[alice]")
}

func TestServer_defaultNickname(t *testing.T) {
	t.Parallel()

	_, addr := startServer(t, t.Context())

	c := dial(t, addr)
	c.expect(t, "Choose your nickname: ")
	c.send(t, "   ")
	c.expect(t, "Welcome ")
	c.expect(t, "!\n")

	banner := c.seen.String()
	i := strings.Index(banner, "Welcome ")
	j := strings.Index(banner[i:], "!")
	nick := banner[i+len("Welcome ") : i+j]
	require.NotEmpty(t, strings.TrimSpace(nick))
	require.Contains(t, nick, "-")
}

func TestServer_transactions(t *testing.T) {
	t.Parallel()

	f, addr := startServer(t, t.Context())

	a := join(t, addr, "agent-a")
	b := join(t, addr, "agent-b")
	a.expect(t, "agent-b has just joined!\n")

	require.Eventually(t, func() bool { return f.Hub.Count() == 2 }, time.Second, 10*time.Millisecond)

	proposal := gconsensustest.MustEncode(gconsensustest.Proposal("agent-a", "h1", "bump"))
	a.send(t, string(proposal))

	// Both peers, including the sender, receive the relayed proposal.
	a.expect(t, string(proposal)+"\n")
	b.expect(t, string(proposal)+"\n")

	// Proposals are not relayed as chat.
	require.NotContains(t, b.seen.String(), "[agent-a]")

	// Two peers: denominator 1, so a single accept seals.
	vote := gconsensustest.MustEncode(gconsensustest.Vote("agent-b", "h1", true))
	b.send(t, string(vote))

	line := a.expectLine(t, `"index":1`)
	var blk gledger.Block
	require.NoError(t, json.Unmarshal([]byte(line), &blk))
	require.Equal(t, uint32(1), blk.Index)
	require.Len(t, blk.Transactions, 2)
	require.NoError(t, blk.Verify())

	b.expect(t, `"index":1`)

	require.Equal(t, 2, f.Ledger.Len())
	require.Empty(t, f.Ledger.Pending())
}

func TestServer_selfVoteIsDropped(t *testing.T) {
	t.Parallel()

	f, addr := startServer(t, t.Context())

	a := join(t, addr, "agent-a")
	observer := join(t, addr, "observer")
	a.expect(t, "observer has just joined!\n")

	proposal := gconsensustest.MustEncode(gconsensustest.Proposal("agent-a", "h1", "bump"))
	a.send(t, string(proposal))
	observer.expect(t, string(proposal)+"\n")

	// Two peers: denominator 1, so the vote would seal if it were counted.
	a.send(t, string(gconsensustest.MustEncode(gconsensustest.Vote("agent-a", "h1", true))))

	// A client's lines are handled in order,
	// so once this chat line arrives the vote has been processed.
	a.send(t, "ping")
	observer.expect(t, "[agent-a]: ping")

	require.Equal(t, 1, f.Ledger.Len())
	require.Len(t, f.Ledger.Pending(), 1)
}

func TestServer_disconnectRemovesPeer(t *testing.T) {
	t.Parallel()

	f, addr := startServer(t, t.Context())

	a := join(t, addr, "a")
	b := join(t, addr, "b")
	a.expect(t, "b has just joined!\n")
	require.Eventually(t, func() bool { return f.Hub.Count() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, b.conn.Close())
	a.expect(t, "b has just quit!\n")
	require.Eventually(t, func() bool { return f.Hub.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_shutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := gconsensustest.NewFixture(gtest.NewLogger(t), 0)
	s := gchat.NewServer(ctx, gtest.NewLogger(t), gchat.ServerConfig{
		Listener: ln,
		Engine:   f.Engine,
		Peers:    f.Hub,
	})

	c := join(t, ln.Addr().String(), "a")

	cancel()

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	c.expectClosed(t)
	require.Zero(t, f.Hub.Count())
}

func startServer(t *testing.T, ctx context.Context) (*gconsensustest.Fixture, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := gconsensustest.NewFixture(gtest.NewLogger(t), 0)
	s := gchat.NewServer(ctx, gtest.NewLogger(t), gchat.ServerConfig{
		Listener:     ln,
		Engine:       f.Engine,
		Peers:        f.Hub,
		WriteTimeout: time.Second,
	})
	t.Cleanup(func() {
		_ = ln.Close()
		s.Wait()
	})

	return f, ln.Addr().String()
}

type testClient struct {
	conn net.Conn

	// Everything read so far, and the offset up to which it was consumed.
	seen strings.Builder
	pos  int
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{conn: conn}
}

func join(t *testing.T, addr, nick string) *testClient {
	t.Helper()

	c := dial(t, addr)
	c.expect(t, "Choose your nickname: ")
	c.send(t, nick)
	c.expect(t, "Welcome "+nick+"!")
	c.expect(t, "===\n")
	return c
}

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()

	require.NoError(t, c.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// expect reads until want appears after the consumed offset,
// then consumes everything up to the end of want.
func (c *testClient) expect(t *testing.T, want string) {
	t.Helper()

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	buf := make([]byte, 4096)
	for {
		if i := strings.Index(c.seen.String()[c.pos:], want); i >= 0 {
			c.pos += i + len(want)
			return
		}

		n, err := c.conn.Read(buf)
		c.seen.Write(buf[:n])
		if err != nil {
			t.Fatalf("waiting for %q: %v; unconsumed output: %q", want, err, c.seen.String()[c.pos:])
		}
	}
}

// expectLine waits for a full line containing want and returns it.
func (c *testClient) expectLine(t *testing.T, want string) string {
	t.Helper()

	c.expect(t, want)
	start := strings.LastIndex(c.seen.String()[:c.pos], "\n") + 1
	c.expect(t, "\n")
	return c.seen.String()[start : c.pos-1]
}

func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		c.seen.Write(buf[:n])
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("connection was not closed")
			}
			return
		}
	}
}

func TestServer_acceptErrorsAreRetried(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fl := &flakyListener{Listener: ln, failures: 3}

	f := gconsensustest.NewFixture(gtest.NewLogger(t), 0)
	s := gchat.NewServer(t.Context(), gtest.NewLogger(t), gchat.ServerConfig{
		Listener: fl,
		Engine:   f.Engine,
		Peers:    f.Hub,
	})
	t.Cleanup(func() {
		_ = ln.Close()
		s.Wait()
	})

	// The first Accept calls fail; the server keeps accepting anyway.
	join(t, ln.Addr().String(), "alice")
	require.Eventually(t, func() bool { return f.Hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	fl.mu.Lock()
	defer fl.mu.Unlock()
	require.Zero(t, fl.failures)
}

// flakyListener fails a fixed number of Accept calls before delegating.
type flakyListener struct {
	net.Listener

	mu       sync.Mutex
	failures int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, errors.New("too many open files")
	}
	l.mu.Unlock()

	return l.Listener.Accept()
}
