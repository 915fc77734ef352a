package gconsensustest

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gordian-engine/nocap/gconsensus"
	"github.com/gordian-engine/nocap/gfanout"
	"github.com/gordian-engine/nocap/gledger"
	"github.com/gordian-engine/nocap/gtx"
)

// PeerBuffer is the outbound buffer size of each peer created by [NewFixture].
const PeerBuffer = 64

// Fixture is a fully wired engine
// with a real ledger, registry, and hub,
// and a fixed set of channel-backed peers registered on the hub.
//
// Fields may be inspected freely,
// but adding or removing hub peers changes the tally denominator.
type Fixture struct {
	Ledger   *gledger.Blockchain
	Registry *gconsensus.ProposalRegistry
	Hub      *gfanout.Hub
	Engine   *gconsensus.Engine

	Peers []*gfanout.ChanPeer
}

// NewFixture returns a Fixture with nPeers connected peers.
func NewFixture(log *slog.Logger, nPeers int) *Fixture {
	reg, err := gconsensus.NewProposalRegistry(gconsensus.DefaultRegistryCapacity)
	if err != nil {
		panic(err)
	}

	f := &Fixture{
		Ledger:   gledger.NewBlockchain(log.With("sys", "ledger")),
		Registry: reg,
		Hub:      gfanout.NewHub(log.With("sys", "fanout"), gfanout.HubConfig{}),
	}

	for range nPeers {
		f.Peers = append(f.Peers, f.Hub.Subscribe(PeerBuffer))
	}

	f.Engine, err = gconsensus.NewEngine(log.With("sys", "engine"), gconsensus.EngineConfig{
		Ledger:   f.Ledger,
		Registry: f.Registry,
		Peers:    f.Hub,
	})
	if err != nil {
		panic(err)
	}

	return f
}

// Drain returns every payload currently buffered for peer i,
// without blocking.
func (f *Fixture) Drain(i int) [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-f.Peers[i].Outbound():
			out = append(out, p)
		default:
			return out
		}
	}
}

// Proposal returns a valid ProposeUpdate message.
func Proposal(agentID, reasoningHash, description string) gtx.Message {
	return gtx.Message{
		Payload: gtx.Transaction{
			AgentID:       agentID,
			Signature:     "sig-" + agentID,
			ReasoningHash: reasoningHash,
			ActionType:    gtx.ProposeUpdate,
			Payload: gtx.Payload{
				ModelModification: &gtx.ModelModification{
					ModelHash:   "model-" + reasoningHash,
					CID:         "cid-" + reasoningHash,
					Description: description,
				},
				Description: description,
			},
		},
	}
}

// Vote returns a VoteAccept or VoteReject message
// from agentID on the proposal identified by reasoningHash.
func Vote(agentID, reasoningHash string, accept bool) gtx.Message {
	action, verdict := gtx.VoteReject, gtx.VerdictReject
	if accept {
		action, verdict = gtx.VoteAccept, gtx.VerdictAccept
	}
	return gtx.Message{
		Payload: gtx.Transaction{
			AgentID:       agentID,
			Signature:     "sig-" + agentID,
			ReasoningHash: reasoningHash,
			ActionType:    action,
			Payload: gtx.Payload{
				EvaluationResult: &gtx.EvaluationResult{Vote: &verdict},
				Description:      fmt.Sprintf("%s votes %s", agentID, verdict),
			},
		},
	}
}

// MustEncode returns the wire form of msg, panicking on error.
func MustEncode(msg gtx.Message) []byte {
	b, err := gtx.Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}

// MustDecodeBlock decodes a broadcast block payload, panicking on error.
func MustDecodeBlock(payload []byte) gledger.Block {
	var b gledger.Block
	if err := json.Unmarshal(payload, &b); err != nil {
		panic(fmt.Errorf("payload is not a block: %w; payload=%s", err, payload))
	}
	return b
}
