package gchat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/gordian-engine/nocap/gconsensus"
	"github.com/gordian-engine/nocap/gfanout"
	"github.com/gordian-engine/nocap/gtx"
)

// MaxLineSize is the longest line a client may send.
const MaxLineSize = 1 << 20

// Bounds of the backoff between failed Accept calls.
const (
	minAcceptRetryDelay = 5 * time.Millisecond
	maxAcceptRetryDelay = time.Second
)

// Submitter processes decoded transaction messages.
// [*gconsensus.Engine] satisfies this interface.
type Submitter interface {
	SubmitMessage(ctx context.Context, msg gtx.Message) (gconsensus.Outcome, error)
}

// PeerRegistry tracks connections eligible to receive broadcasts.
// [*gfanout.Hub] satisfies this interface.
type PeerRegistry interface {
	Add(p gfanout.Peer)
	Remove(p gfanout.Peer)
}

// Server accepts chat clients on a stream listener.
//
// Each client picks a nickname, then sends newline-terminated lines.
// A line that decodes as a transaction message is submitted to the engine;
// any other line is relayed as chat to every other client,
// except for the /list and /quit commands.
//
// Every client that has chosen a nickname is registered as a broadcast peer
// until it disconnects.
type Server struct {
	log *slog.Logger

	engine       Submitter
	peers        PeerRegistry
	writeTimeout time.Duration

	mu      sync.Mutex
	clients []*client

	handlers sync.WaitGroup
	done     chan struct{}
}

// ServerConfig is the configuration for [NewServer].
type ServerConfig struct {
	Listener net.Listener

	Engine Submitter
	Peers  PeerRegistry

	// Maximum time allowed for writing presentation text to one client.
	// Defaults to [gfanout.DefaultWriteTimeout].
	WriteTimeout time.Duration
}

type client struct {
	nick string
	peer *gfanout.ConnPeer
}

// NewServer starts accepting connections on cfg.Listener
// and returns immediately.
// The server stops when ctx is cancelled;
// use [Server.Wait] to block until every connection has been closed.
func NewServer(ctx context.Context, log *slog.Logger, cfg ServerConfig) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = gfanout.DefaultWriteTimeout
	}

	s := &Server{
		log: log,

		engine:       cfg.Engine,
		peers:        cfg.Peers,
		writeTimeout: cfg.WriteTimeout,

		done: make(chan struct{}),
	}

	go s.serve(ctx, cfg.Listener)
	go s.waitForShutdown(ctx, cfg.Listener)

	return s
}

// Wait blocks until the accept loop and every connection handler have returned.
func (s *Server) Wait() {
	<-s.done
}

func (s *Server) waitForShutdown(ctx context.Context, ln net.Listener) {
	select {
	case <-s.done:
		return
	case <-ctx.Done():
		// Connection handlers close their own connections on cancellation.
		_ = ln.Close()
	}
}

func (s *Server) serve(ctx context.Context, ln net.Listener) {
	defer close(s.done)
	defer s.handlers.Wait()

	s.log.Info("Chat server listening", "addr", ln.Addr().String())

	var retryDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.log.Info("Chat server shutting down")
				return
			}

			// Anything else, such as running out of file descriptors,
			// may clear up on its own.
			if retryDelay == 0 {
				retryDelay = minAcceptRetryDelay
			} else {
				retryDelay = min(2*retryDelay, maxAcceptRetryDelay)
			}
			s.log.Warn("Failed to accept connection; retrying", "err", err, "delay", retryDelay)

			select {
			case <-ctx.Done():
				s.log.Info("Chat server shutting down")
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		retryDelay = 0

		s.handlers.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.handlers.Done()
	defer conn.Close()

	log := s.log.With("remote_addr", conn.RemoteAddr().String())

	// Connections that arrive during shutdown would otherwise never be closed.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	p := gfanout.NewConnPeer(conn)
	if err := s.write(ctx, p, "Choose your nickname: "); err != nil {
		log.Debug("Failed to send nickname prompt", "err", err)
		return
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), MaxLineSize)

	if !sc.Scan() {
		log.Debug("Connection closed before choosing a nickname", "err", sc.Err())
		return
	}
	nick := strings.TrimSpace(sc.Text())
	if nick == "" {
		nick = petname.Generate(2, "-")
	}

	c := &client{nick: nick, peer: p}
	log = log.With("nick", nick, "peer_id", p.ID())

	s.join(ctx, c)
	defer s.leave(ctx, c)

	log.Info("Client joined")

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit":
			log.Info("Client quit")
			return
		case "/list":
			if err := s.write(ctx, p, s.listText(c)); err != nil {
				log.Debug("Failed to send client list", "err", err)
			}
			continue
		}

		msg, err := gtx.Decode([]byte(line))
		if err != nil {
			s.relay(ctx, c, fmt.Sprintf("\n[%s]: %s\n", c.nick, line))
			continue
		}

		if _, err := s.engine.SubmitMessage(ctx, msg); err != nil {
			log.Info("Transaction dropped", "err", err)
		}
	}

	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Info("Client read failed", "err", err)
	} else {
		log.Info("Client disconnected")
	}
}

// join adds c to the client list and the peer set,
// sends the welcome banner, and announces c to everyone else.
func (s *Server) join(ctx context.Context, c *client) {
	s.mu.Lock()
	s.clients = append(s.clients, c)
	others := len(s.clients) - 1
	s.mu.Unlock()

	s.peers.Add(c.peer)

	welcome := fmt.Sprintf(
		"===\nWelcome %s!\n\nThere are %d user(s) besides you\n\n"+
			"Help:\nType anything to chat\n"+
			"- /list will list all the connected users\n"+
			"- /quit will disconnect you\n===\n",
		c.nick, others,
	)
	if err := s.write(ctx, c.peer, welcome); err != nil {
		s.log.Debug("Failed to send welcome message", "nick", c.nick, "err", err)
	}

	s.relay(ctx, c, c.nick+" has just joined!\n")
}

// leave removes c from the peer set and the client list,
// and announces the departure to everyone else.
func (s *Server) leave(ctx context.Context, c *client) {
	s.peers.Remove(c.peer)

	s.mu.Lock()
	for i, o := range s.clients {
		if o == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	// The server context may already be cancelled here,
	// but remaining clients should still hear about the departure.
	s.relay(context.WithoutCancel(ctx), c, c.nick+" has just quit!\n")
}

// relay writes text to every client except from.
// Each write is bounded by the write timeout,
// and a failed write is logged without affecting the other clients.
func (s *Server) relay(ctx context.Context, from *client, text string) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.write(ctx, c.peer, text); err != nil {
				s.log.Debug("Failed to relay chat text", "to", c.nick, "err", err)
			}
		}()
	}
	wg.Wait()
}

func (s *Server) listText(self *client) string {
	var b strings.Builder
	b.WriteString("===\nCurrently connected users:")

	s.mu.Lock()
	for _, c := range s.clients {
		b.WriteString("\n - ")
		b.WriteString(c.nick)
		if c == self {
			b.WriteString(" (you)")
		}
	}
	s.mu.Unlock()

	b.WriteString("\n===\n")
	return b.String()
}

func (s *Server) write(ctx context.Context, p *gfanout.ConnPeer, text string) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return p.Write(ctx, []byte(text))
}
