package gconsensustest

import (
	"context"
	"slices"
	"sync"

	"github.com/gordian-engine/nocap/gfanout"
)

// RecordingPeers is a [gconsensus.PeerSet] that reports a fixed peer count
// and records every broadcast payload instead of delivering it.
type RecordingPeers struct {
	mu         sync.Mutex
	n          int
	broadcasts [][]byte
}

// NewRecordingPeers returns a RecordingPeers reporting n connected peers.
func NewRecordingPeers(n int) *RecordingPeers {
	return &RecordingPeers{n: n}
}

func (p *RecordingPeers) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// SetCount changes the reported peer count.
func (p *RecordingPeers) SetCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n = n
}

func (p *RecordingPeers) Broadcast(_ context.Context, payload []byte) gfanout.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, slices.Clone(payload))
	return gfanout.Report{}
}

// Subscribe returns a detached peer that never receives anything.
func (p *RecordingPeers) Subscribe(buffer int) *gfanout.ChanPeer {
	return gfanout.NewChanPeer(buffer)
}

func (p *RecordingPeers) Unsubscribe(cp *gfanout.ChanPeer) {
	cp.Close()
}

// Broadcasts returns a copy of every payload broadcast so far.
func (p *RecordingPeers) Broadcasts() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.broadcasts)
}
