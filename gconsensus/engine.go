package gconsensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gordian-engine/nocap/gfanout"
	"github.com/gordian-engine/nocap/gledger"
	"github.com/gordian-engine/nocap/gtx"
)

// Ledger is the subset of [*gledger.Blockchain] used by the [Engine].
type Ledger interface {
	AppendPending(tx gtx.Transaction, decide func(pending []gtx.Transaction) bool) (*gledger.Block, error)
}

// PeerSet is the subset of [*gfanout.Hub] used by the [Engine].
type PeerSet interface {
	Count() int
	Broadcast(ctx context.Context, payload []byte) gfanout.Report
	Subscribe(buffer int) *gfanout.ChanPeer
	Unsubscribe(p *gfanout.ChanPeer)
}

// Engine applies inbound transaction messages to the ledger.
//
// Proposals are recorded and relayed to every peer.
// Votes are tallied against the pending buffer,
// and an accepting tally seals a block that is then broadcast to every peer.
//
// The engine holds no lock of its own.
// The append, tally, and seal of a single vote happen inside the ledger's lock,
// and fan-out only starts after that lock is released.
type Engine struct {
	log *slog.Logger

	ledger   Ledger
	registry *ProposalRegistry
	peers    PeerSet
	m        *Metrics
}

// EngineConfig is the configuration for [NewEngine].
type EngineConfig struct {
	Ledger   Ledger
	Registry *ProposalRegistry
	Peers    PeerSet

	// Optional. If nil, unregistered metrics are used.
	Metrics *Metrics
}

// NewEngine returns an Engine wired to the given ledger, registry, and peers.
func NewEngine(log *slog.Logger, cfg EngineConfig) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("proposal registry is required")
	}
	if cfg.Peers == nil {
		return nil, errors.New("peer set is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	return &Engine{
		log:      log,
		ledger:   cfg.Ledger,
		registry: cfg.Registry,
		peers:    cfg.Peers,
		m:        cfg.Metrics,
	}, nil
}

// OutcomeKind is what the engine did with a message.
type OutcomeKind uint8

const (
	_ OutcomeKind = iota // Invalid.

	OutcomeDropped  // Rejected before any state change.
	OutcomeProposed // Proposal recorded and relayed.
	OutcomeVoted    // Vote appended; the tally did not seal a block.
	OutcomeSealed   // Vote appended and a block was sealed and broadcast.
	OutcomeObserved // FlagMalicious or FinalizeBlock; logged only.
	OutcomeIgnored  // EvaluateUpdate; no processing.
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDropped:
		return "Dropped"
	case OutcomeProposed:
		return "Proposed"
	case OutcomeVoted:
		return "Voted"
	case OutcomeSealed:
		return "Sealed"
	case OutcomeObserved:
		return "Observed"
	case OutcomeIgnored:
		return "Ignored"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

// Outcome describes the effect of a single [Engine.Submit] call.
type Outcome struct {
	Kind OutcomeKind

	// Set for votes that reached the tally.
	Verdict Verdict

	// Set when Kind is OutcomeSealed.
	Block *gledger.Block

	// Result of the fan-out, for proposals and sealed blocks.
	Report gfanout.Report
}

// Submit decodes raw as a transaction message and processes it.
//
// The returned error wraps [ErrMalformedInput], [ErrInvalidProposal],
// or [ErrSelfVote] when the message was dropped.
// Callers following the fire-and-forget wire protocol
// only need to log the error.
//
// Submit panics if a sealed block cannot be hashed.
func (e *Engine) Submit(ctx context.Context, raw []byte) (Outcome, error) {
	msg, err := gtx.Decode(raw)
	if err != nil {
		e.m.Dropped.WithLabelValues("malformed").Inc()
		e.log.Debug("Dropping malformed message", "err", err)
		return Outcome{Kind: OutcomeDropped}, fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}

	return e.SubmitMessage(ctx, msg)
}

// SubmitMessage processes an already decoded message.
// It behaves exactly like [Engine.Submit] otherwise.
func (e *Engine) SubmitMessage(ctx context.Context, msg gtx.Message) (Outcome, error) {
	tx := msg.Payload

	e.log.Info(
		"Received transaction",
		"agent_id", tx.AgentID,
		"action", tx.ActionType,
		"reasoning_hash", tx.ReasoningHash,
	)

	switch tx.ActionType {
	case gtx.ProposeUpdate:
		return e.handleProposal(ctx, msg)

	case gtx.VoteAccept, gtx.VoteReject:
		return e.handleVote(ctx, tx)

	case gtx.FlagMalicious, gtx.FinalizeBlock:
		e.m.Transactions.WithLabelValues(string(tx.ActionType)).Inc()
		e.log.Info(
			"Observed transaction",
			"action", tx.ActionType,
			"agent_id", tx.AgentID,
			"description", tx.Payload.Description,
		)
		return Outcome{Kind: OutcomeObserved}, nil

	case gtx.EvaluateUpdate:
		e.m.Transactions.WithLabelValues(string(tx.ActionType)).Inc()
		e.log.Debug("Ignoring evaluation", "agent_id", tx.AgentID)
		return Outcome{Kind: OutcomeIgnored}, nil

	default:
		// Decode rejects unknown action types,
		// so this is only reachable through a hand-built message.
		e.m.Dropped.WithLabelValues("malformed").Inc()
		return Outcome{Kind: OutcomeDropped}, fmt.Errorf(
			"%w: unknown action type %q", ErrMalformedInput, tx.ActionType,
		)
	}
}

func (e *Engine) handleProposal(ctx context.Context, msg gtx.Message) (Outcome, error) {
	tx := msg.Payload
	if err := validateProposal(tx); err != nil {
		e.m.Dropped.WithLabelValues("invalid_proposal").Inc()
		e.log.Warn("Invalid proposal", "agent_id", tx.AgentID, "err", err)
		return Outcome{Kind: OutcomeDropped}, err
	}

	e.registry.Register(tx.ReasoningHash, tx.AgentID)

	if _, err := e.ledger.AppendPending(tx, nil); err != nil {
		// Appending without a decision never seals, so it cannot fail.
		panic(fmt.Errorf("BUG: failed to append proposal: %w", err))
	}
	e.m.Transactions.WithLabelValues(string(tx.ActionType)).Inc()

	payload, err := gtx.Encode(msg)
	if err != nil {
		// The message was decoded from JSON, so it must re-encode.
		panic(fmt.Errorf("BUG: failed to encode proposal: %w", err))
	}

	rep := e.peers.Broadcast(ctx, payload)
	e.log.Info(
		"Proposal broadcast to peers",
		"reasoning_hash", tx.ReasoningHash,
		"n_delivered", len(rep.Delivered),
		"n_failed", len(rep.Failed),
	)

	return Outcome{Kind: OutcomeProposed, Report: rep}, nil
}

func (e *Engine) handleVote(ctx context.Context, tx gtx.Transaction) (Outcome, error) {
	if owner, ok := e.registry.Owner(tx.ReasoningHash); ok && owner == tx.AgentID {
		e.m.Dropped.WithLabelValues("self_vote").Inc()
		e.log.Warn(
			"Agent attempted to vote on its own proposal; ignoring",
			"agent_id", tx.AgentID,
			"reasoning_hash", tx.ReasoningHash,
		)
		return Outcome{Kind: OutcomeDropped}, fmt.Errorf(
			"%w: agent %s on proposal %s", ErrSelfVote, tx.AgentID, tx.ReasoningHash,
		)
	}

	// Read the peer count before taking the ledger lock,
	// so the hub lock is never held inside it.
	nPeers := e.peers.Count()

	var count VoteCount
	var verdict Verdict
	b, err := e.ledger.AppendPending(tx, func(pending []gtx.Transaction) bool {
		count = CountVotes(pending, nPeers)
		verdict = count.Verdict()
		return verdict == VerdictAccept
	})
	if err != nil {
		panic(fmt.Errorf("failed to seal block: %w", err))
	}

	e.m.Transactions.WithLabelValues(string(tx.ActionType)).Inc()
	e.m.Verdicts.WithLabelValues(verdict.String()).Inc()

	logArgs := []any{
		"verdict", verdict,
		"accept", count.Accept,
		"reject", count.Reject,
		"denominator", count.Denominator,
	}

	switch verdict {
	case VerdictAccept:
		// Handled below.
	case VerdictReject:
		e.log.Info("Block has been rejected", logArgs...)
		return Outcome{Kind: OutcomeVoted, Verdict: verdict}, nil
	default:
		e.log.Info("Consensus not reached yet", logArgs...)
		return Outcome{Kind: OutcomeVoted, Verdict: verdict}, nil
	}

	e.m.BlocksSealed.Inc()

	payload, err := json.Marshal(b)
	if err != nil {
		// The block's transactions were already serialized to hash it.
		panic(fmt.Errorf("BUG: failed to encode sealed block: %w", err))
	}

	rep := e.peers.Broadcast(ctx, payload)
	e.log.Info(
		"Block sealed and broadcast",
		append(logArgs,
			"index", b.Index,
			"hash", b.Hash,
			"n_delivered", len(rep.Delivered),
			"n_failed", len(rep.Failed),
		)...,
	)

	return Outcome{
		Kind:    OutcomeSealed,
		Verdict: verdict,
		Block:   b,
		Report:  rep,
	}, nil
}

// Subscribe registers an in-process peer that receives
// every payload the engine broadcasts from now on.
//
// A subscriber is a connected peer like any other:
// it counts toward the vote denominator until it is unsubscribed.
// Only front doors relaying to a real remote peer should subscribe.
func (e *Engine) Subscribe(buffer int) *gfanout.ChanPeer {
	return e.peers.Subscribe(buffer)
}

// Unsubscribe removes a peer returned from [Engine.Subscribe].
func (e *Engine) Unsubscribe(p *gfanout.ChanPeer) {
	e.peers.Unsubscribe(p)
}

// validateProposal rejects proposals with blank identifying fields.
// Whitespace-only values count as blank.
func validateProposal(tx gtx.Transaction) error {
	switch {
	case strings.TrimSpace(tx.AgentID) == "":
		return fmt.Errorf("%w: agent ID is empty", ErrInvalidProposal)
	case strings.TrimSpace(tx.ReasoningHash) == "":
		return fmt.Errorf("%w: reasoning hash is empty", ErrInvalidProposal)
	case tx.ActionType != gtx.ProposeUpdate:
		return fmt.Errorf("%w: action %s is not %s", ErrInvalidProposal, tx.ActionType, gtx.ProposeUpdate)
	case strings.TrimSpace(tx.Payload.Description) == "":
		return fmt.Errorf("%w: description is empty", ErrInvalidProposal)
	}
	return nil
}
