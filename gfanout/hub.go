package gfanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWriteTimeout is the per-peer write timeout used when
// [HubConfig.WriteTimeout] is zero.
const DefaultWriteTimeout = 5 * time.Second

// Hub is the set of connected peers.
//
// Broadcasts never hold the hub lock while writing,
// so a slow or dead peer cannot block peer registration
// or delivery to other peers.
type Hub struct {
	log *slog.Logger

	writeTimeout time.Duration

	mu    sync.RWMutex
	peers map[string]Peer

	stats Stats
}

// HubConfig is the configuration for [NewHub].
type HubConfig struct {
	// Maximum time allowed for a single peer to accept a broadcast payload.
	WriteTimeout time.Duration
}

// Stats are running counters for a [Hub].
type Stats struct {
	Broadcasts uint64
	Delivered  uint64
	Failed     uint64

	Added   uint64
	Removed uint64
}

// Report describes the outcome of a single broadcast.
// Both slices hold peer IDs.
type Report struct {
	Delivered []string
	Failed    []string
}

// NewHub returns an empty Hub.
func NewHub(log *slog.Logger, cfg HubConfig) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Hub{
		log:          log,
		writeTimeout: cfg.WriteTimeout,
		peers:        make(map[string]Peer),
	}
}

// Add registers p. Adding a peer that is already present is a no-op.
func (h *Hub) Add(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[p.ID()]; ok {
		return
	}
	h.peers[p.ID()] = p
	atomic.AddUint64(&h.stats.Added, 1)

	h.log.Debug("Added peer", "peer_id", p.ID(), "n_peers", len(h.peers))
}

// Remove unregisters p. Removing an absent peer is a no-op.
func (h *Hub) Remove(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[p.ID()]; !ok {
		return
	}
	delete(h.peers, p.ID())
	atomic.AddUint64(&h.stats.Removed, 1)

	h.log.Debug("Removed peer", "peer_id", p.ID(), "n_peers", len(h.peers))
}

// Count returns the number of registered peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.peers)
}

// Peers returns a snapshot of the registered peers, in no particular order.
func (h *Hub) Peers() []Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

// Subscribe registers and returns a new [ChanPeer] with the given buffer.
// The caller must call [Hub.Unsubscribe] when it is done reading.
func (h *Hub) Subscribe(buffer int) *ChanPeer {
	p := NewChanPeer(buffer)
	h.Add(p)
	return p
}

// Unsubscribe removes and closes a peer returned from [Hub.Subscribe].
func (h *Hub) Unsubscribe(p *ChanPeer) {
	h.Remove(p)
	p.Close()
}

// Broadcast sends payload to every peer registered at the time of the call.
//
// Each peer is written concurrently and bounded by the hub's write timeout.
// A failing peer is logged and counted but stays registered;
// the owner of its connection removes it when the connection ends.
// Broadcast returns once every write has completed or timed out.
func (h *Hub) Broadcast(ctx context.Context, payload []byte) Report {
	peers := h.Peers()
	atomic.AddUint64(&h.stats.Broadcasts, 1)

	var rep Report
	if len(peers) == 0 {
		return rep
	}

	type result struct {
		id  string
		err error
	}
	results := make(chan result, len(peers))

	var wg sync.WaitGroup
	wg.Add(len(peers))
	for _, p := range peers {
		go func() {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			defer cancel()

			results <- result{id: p.ID(), err: p.Send(sendCtx, payload)}
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			rep.Failed = append(rep.Failed, r.id)
			h.log.Warn("Failed to send to peer", "peer_id", r.id, "err", r.err)
			continue
		}
		rep.Delivered = append(rep.Delivered, r.id)
	}

	atomic.AddUint64(&h.stats.Delivered, uint64(len(rep.Delivered)))
	atomic.AddUint64(&h.stats.Failed, uint64(len(rep.Failed)))

	return rep
}

// Stats returns a snapshot of the hub's counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Broadcasts: atomic.LoadUint64(&h.stats.Broadcasts),
		Delivered:  atomic.LoadUint64(&h.stats.Delivered),
		Failed:     atomic.LoadUint64(&h.stats.Failed),

		Added:   atomic.LoadUint64(&h.stats.Added),
		Removed: atomic.LoadUint64(&h.stats.Removed),
	}
}
