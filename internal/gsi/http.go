package gsi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gordian-engine/nocap/gconsensus"
	"github.com/gordian-engine/nocap/gfanout"
	"github.com/gordian-engine/nocap/gledger"
	"github.com/gordian-engine/nocap/gtx"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxBodySize is the largest request body accepted by POST /transaction.
const MaxBodySize = 1 << 20

// Engine is the subset of [*gconsensus.Engine] used by the HTTP server.
type Engine interface {
	Submit(ctx context.Context, raw []byte) (gconsensus.Outcome, error)
	Subscribe(buffer int) *gfanout.ChanPeer
	Unsubscribe(p *gfanout.ChanPeer)
}

// Ledger is the read side of [*gledger.Blockchain].
type Ledger interface {
	LastBlock() (gledger.Block, bool)
	BlocksAfter(ts time.Time) []gledger.Block
	Pending() []gtx.Transaction
	Verify() error
}

type HTTPServer struct {
	done chan struct{}
}

type HTTPServerConfig struct {
	Listener net.Listener

	Engine Engine
	Ledger Ledger
	Peers  interface{ Count() int }

	// Name advertised in GET /status.
	NodeName string

	// Outbound buffer for each WebSocket peer.
	SubscriberBuffer int

	// Maximum time for a single WebSocket frame write.
	WriteTimeout time.Duration

	// If set, GET /metrics serves this gatherer.
	Gatherer prometheus.Gatherer
}

func NewHTTPServer(ctx context.Context, log *slog.Logger, cfg HTTPServerConfig) *HTTPServer {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = gfanout.DefaultWriteTimeout
	}

	srv := &http.Server{
		Handler: newMux(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},

		ReadHeaderTimeout: 10 * time.Second,
	}

	h := &HTTPServer{
		done: make(chan struct{}),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *HTTPServer) Wait() {
	<-h.done
}

func (h *HTTPServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		// h.serve returned on its own, nothing left to do here.
		return
	case <-ctx.Done():
		// Hijacked WebSocket connections are not closed by srv.Close.
		// Their request contexts derive from ctx, and the handlers close them.
		_ = srv.Close()
	}
}

func (h *HTTPServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	log.Info("HTTP server listening", "addr", ln.Addr().String())

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

func newMux(log *slog.Logger, cfg HTTPServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/transaction", handleTransaction(log, cfg)).Methods("POST")
	r.HandleFunc("/ws", handleWebSocket(log, cfg)).Methods("GET")

	r.HandleFunc("/blocks", handleBlocks(log, cfg)).Methods("GET")
	r.HandleFunc("/blocks/latest", handleBlocksLatest(log, cfg)).Methods("GET")
	r.HandleFunc("/status", handleStatus(log, cfg)).Methods("GET")

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	return r
}

func handleTransaction(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxBodySize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}

		// The wire protocol is fire-and-forget:
		// a dropped transaction still gets the same answer.
		out, err := cfg.Engine.Submit(req.Context(), body)
		if err != nil {
			log.Info("Transaction dropped", "remote_addr", req.RemoteAddr, "err", err)
		} else {
			log.Debug("Transaction processed", "outcome", out.Kind)
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "Transaction received")
	}
}

func handleBlocks(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		var after time.Time
		if s := req.URL.Query().Get("after"); s != "" {
			var err error
			after, err = time.Parse(time.RFC3339Nano, s)
			if err != nil {
				http.Error(w, "after must be an RFC 3339 timestamp: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		blocks := cfg.Ledger.BlocksAfter(after)
		if blocks == nil {
			blocks = []gledger.Block{}
		}

		writeJSON(log, w, blocks)
	}
}

func handleBlocksLatest(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		b, ok := cfg.Ledger.LastBlock()
		if !ok {
			http.Error(w, "no blocks", http.StatusNotFound)
			return
		}

		writeJSON(log, w, b)
	}
}

// Status is the body of GET /status.
type Status struct {
	Node string `json:"node,omitempty"`

	BlockHeight uint32 `json:"block_height"`
	PeerCount   int    `json:"peer_count"`
	Pending     int    `json:"pending"`

	ChainValid bool   `json:"chain_valid"`
	ChainError string `json:"chain_error,omitempty"`
}

func handleStatus(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		st := Status{
			Node:      cfg.NodeName,
			PeerCount: cfg.Peers.Count(),
			Pending:   len(cfg.Ledger.Pending()),
		}
		if b, ok := cfg.Ledger.LastBlock(); ok {
			st.BlockHeight = b.Index
		}
		if err := cfg.Ledger.Verify(); err != nil {
			st.ChainError = err.Error()
		} else {
			st.ChainValid = true
		}

		writeJSON(log, w, st)
	}
}

func writeJSON(log *slog.Logger, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to marshal response", "err", err)
		return
	}
}
