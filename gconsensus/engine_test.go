package gconsensus_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gordian-engine/nocap/gconsensus"
	"github.com/gordian-engine/nocap/gconsensus/gconsensustest"
	"github.com/gordian-engine/nocap/gledger"
	"github.com/gordian-engine/nocap/gtx"
	"github.com/gordian-engine/nocap/internal/gtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestEngine_endToEnd(t *testing.T) {
	t.Parallel()

	const nPeers = 4
	f := gconsensustest.NewFixture(gtest.NewLogger(t), nPeers)

	proposal := gconsensustest.Proposal("A", "h1", "tune learning rate")
	out, err := f.Engine.SubmitMessage(t.Context(), proposal)
	require.NoError(t, err)
	require.Equal(t, gconsensus.OutcomeProposed, out.Kind)
	require.Len(t, out.Report.Delivered, nPeers)

	owner, ok := f.Registry.Owner("h1")
	require.True(t, ok)
	require.Equal(t, "A", owner)

	// Denominator is 3, so one accept is not enough.
	out, err = f.Engine.Submit(t.Context(), gconsensustest.MustEncode(gconsensustest.Vote("B", "h1", true)))
	require.NoError(t, err)
	require.Equal(t, gconsensus.OutcomeVoted, out.Kind)
	require.Equal(t, gconsensus.VerdictPending, out.Verdict)
	require.Nil(t, out.Block)
	require.Len(t, f.Ledger.Pending(), 2)

	out, err = f.Engine.Submit(t.Context(), gconsensustest.MustEncode(gconsensustest.Vote("C", "h1", true)))
	require.NoError(t, err)
	require.Equal(t, gconsensus.OutcomeSealed, out.Kind)
	require.Equal(t, gconsensus.VerdictAccept, out.Verdict)
	require.NotNil(t, out.Block)

	b := *out.Block
	require.Equal(t, uint32(1), b.Index)
	require.Len(t, b.Transactions, 3)
	require.Equal(t, gtx.ProposeUpdate, b.Transactions[0].ActionType)
	require.Equal(t, "B", b.Transactions[1].AgentID)
	require.Equal(t, "C", b.Transactions[2].AgentID)

	genesis, ok := f.Ledger.BlockAt(0)
	require.True(t, ok)
	require.Equal(t, genesis.Hash, b.PrevHash)

	require.Empty(t, f.Ledger.Pending())
	require.Len(t, f.Ledger.Archived(), 3)
	require.NoError(t, f.Ledger.Verify())

	// Every peer saw the proposal, then the block.
	wantProposal := gconsensustest.MustEncode(proposal)
	for i := range nPeers {
		got := f.Drain(i)
		require.Len(t, got, 2, "peer %d", i)
		require.JSONEq(t, string(wantProposal), string(got[0]))

		gotBlock := gconsensustest.MustDecodeBlock(got[1])
		require.Equal(t, b.Hash, gotBlock.Hash)
		require.Equal(t, b.Index, gotBlock.Index)
		require.NoError(t, gotBlock.Verify())
	}
}

func TestEngine_selfVote(t *testing.T) {
	t.Parallel()

	f := gconsensustest.NewFixture(gtest.NewLogger(t), 1)

	_, err := f.Engine.SubmitMessage(t.Context(), gconsensustest.Proposal("A", "h1", "d"))
	require.NoError(t, err)
	_ = f.Drain(0)

	out, err := f.Engine.SubmitMessage(t.Context(), gconsensustest.Vote("A", "h1", true))
	require.ErrorIs(t, err, gconsensus.ErrSelfVote)
	require.Equal(t, gconsensus.OutcomeDropped, out.Kind)

	// With one peer, any counted vote would have sealed.
	require.Equal(t, 1, f.Ledger.Len())
	require.Len(t, f.Ledger.Pending(), 1)
	require.Empty(t, f.Drain(0))
}

func TestEngine_voteOnUnknownProposal(t *testing.T) {
	t.Parallel()

	peers := gconsensustest.NewRecordingPeers(0)
	e, ledger, _ := newEngine(t, peers)

	// A lone node has denominator 1, so one vote seals.
	out, err := e.SubmitMessage(t.Context(), gconsensustest.Vote("A", "unknown", true))
	require.NoError(t, err)
	require.Equal(t, gconsensus.OutcomeSealed, out.Kind)
	require.Equal(t, 2, ledger.Len())

	require.Len(t, peers.Broadcasts(), 1)
	got := gconsensustest.MustDecodeBlock(peers.Broadcasts()[0])
	require.Equal(t, uint32(1), got.Index)
}

func TestEngine_reject(t *testing.T) {
	t.Parallel()

	f := gconsensustest.NewFixture(gtest.NewLogger(t), 4)

	_, err := f.Engine.SubmitMessage(t.Context(), gconsensustest.Proposal("A", "h1", "d"))
	require.NoError(t, err)

	out, err := f.Engine.SubmitMessage(t.Context(), gconsensustest.Vote("B", "h1", false))
	require.NoError(t, err)
	require.Equal(t, gconsensus.VerdictPending, out.Verdict)

	out, err = f.Engine.SubmitMessage(t.Context(), gconsensustest.Vote("C", "h1", false))
	require.NoError(t, err)
	require.Equal(t, gconsensus.OutcomeVoted, out.Kind)
	require.Equal(t, gconsensus.VerdictReject, out.Verdict)

	// A rejected round seals nothing and keeps the pending buffer.
	require.Equal(t, 1, f.Ledger.Len())
	require.Len(t, f.Ledger.Pending(), 3)

	for i := range 4 {
		require.Len(t, f.Drain(i), 1, "only the proposal should have been broadcast")
	}
}

func TestEngine_malformed(t *testing.T) {
	t.Parallel()

	peers := gconsensustest.NewRecordingPeers(3)
	e, ledger, _ := newEngine(t, peers)

	for _, raw := range []string{
		"",
		"hello everyone",
		`{"payload":{"agent_id":"A","action_type":"Dance"}}`,
		`{"payload":{"agent_id":"A"}}`,
		`[1,2,3]`,
	} {
		out, err := e.Submit(t.Context(), []byte(raw))
		require.ErrorIs(t, err, gconsensus.ErrMalformedInput, "input %q", raw)
		require.Equal(t, gconsensus.OutcomeDropped, out.Kind)
	}

	require.Empty(t, ledger.Pending())
	require.Empty(t, peers.Broadcasts())
}

func TestEngine_incompleteVoteCannotSeal(t *testing.T) {
	t.Parallel()

	// One peer means a denominator of 1, so any counted vote would seal.
	f := gconsensustest.NewFixture(gtest.NewLogger(t), 1)

	for _, raw := range []string{
		`{"payload":{"action_type":"VoteAccept"}}`,
		`{"payload":{"agent_id":null,"action_type":"VoteAccept","payload":{}}}`,
		`{"payload":{"agent_id":"B","reasoning_hash":"h1","action_type":"VoteAccept","payload":{"description":""}}}`,
		`{"payload":{"agent_id":"B","signature":"s","reasoning_hash":"h1","action_type":"VoteAccept","payload":{"description":null}}}`,
	} {
		out, err := f.Engine.Submit(t.Context(), []byte(raw))
		require.ErrorIs(t, err, gconsensus.ErrMalformedInput, "input %q", raw)
		require.ErrorIs(t, err, gtx.ErrMissingField, "input %q", raw)
		require.Equal(t, gconsensus.OutcomeDropped, out.Kind)
	}

	require.Equal(t, 1, f.Ledger.Len())
	require.Empty(t, f.Ledger.Pending())
	require.Empty(t, f.Drain(0))
}

func TestEngine_invalidProposal(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		modify func(*gtx.Transaction)
	}{
		{name: "blank agent", modify: func(tx *gtx.Transaction) { tx.AgentID = "" }},
		{name: "whitespace agent", modify: func(tx *gtx.Transaction) { tx.AgentID = " \t" }},
		{name: "blank reasoning hash", modify: func(tx *gtx.Transaction) { tx.ReasoningHash = "" }},
		{name: "whitespace description", modify: func(tx *gtx.Transaction) { tx.Payload.Description = "   " }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			peers := gconsensustest.NewRecordingPeers(3)
			e, ledger, reg := newEngine(t, peers)

			msg := gconsensustest.Proposal("A", "h1", "d")
			tc.modify(&msg.Payload)

			out, err := e.SubmitMessage(t.Context(), msg)
			require.ErrorIs(t, err, gconsensus.ErrInvalidProposal)
			require.Equal(t, gconsensus.OutcomeDropped, out.Kind)

			require.Empty(t, ledger.Pending())
			require.Empty(t, peers.Broadcasts())
			require.Zero(t, reg.Len())
		})
	}
}

func TestEngine_observedAndIgnored(t *testing.T) {
	t.Parallel()

	peers := gconsensustest.NewRecordingPeers(0)
	e, ledger, _ := newEngine(t, peers)

	for action, want := range map[gtx.ActionType]gconsensus.OutcomeKind{
		gtx.EvaluateUpdate: gconsensus.OutcomeIgnored,
		gtx.FlagMalicious:  gconsensus.OutcomeObserved,
		gtx.FinalizeBlock:  gconsensus.OutcomeObserved,
	} {
		out, err := e.SubmitMessage(t.Context(), gtx.Message{
			Payload: gtx.Transaction{AgentID: "A", ReasoningHash: "h", ActionType: action},
		})
		require.NoError(t, err)
		require.Equal(t, want, out.Kind, "action %s", action)
	}

	require.Empty(t, ledger.Pending())
	require.Equal(t, 1, ledger.Len())
	require.Empty(t, peers.Broadcasts())
}

func TestEngine_concurrentVotes(t *testing.T) {
	t.Parallel()

	const nPeers = 7
	f := gconsensustest.NewFixture(gtest.NewLogger(t), 0)

	// Drive the tally with a fixed count instead of real peers.
	peers := gconsensustest.NewRecordingPeers(nPeers)
	e, err := gconsensus.NewEngine(gtest.NewLogger(t), gconsensus.EngineConfig{
		Ledger:   f.Ledger,
		Registry: f.Registry,
		Peers:    peers,
	})
	require.NoError(t, err)

	const nVoters = 64
	var wg sync.WaitGroup
	for i := range nVoters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.SubmitMessage(t.Context(), gconsensustest.Vote(fmt.Sprintf("agent-%d", i), "h", true))
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	// Denominator 6 seals on every fourth accept.
	require.NoError(t, f.Ledger.Verify())
	require.Equal(t, nVoters, len(f.Ledger.Pending())+len(f.Ledger.Archived()))
	require.Equal(t, nVoters/4, f.Ledger.Len()-1)
	require.Len(t, peers.Broadcasts(), nVoters/4)
}

func TestEngine_metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := gconsensus.NewMetrics(reg)

	ledger := gledger.NewBlockchain(gtest.NewLogger(t))
	registry, err := gconsensus.NewProposalRegistry(8)
	require.NoError(t, err)
	e, err := gconsensus.NewEngine(gtest.NewLogger(t), gconsensus.EngineConfig{
		Ledger:   ledger,
		Registry: registry,
		Peers:    gconsensustest.NewRecordingPeers(0),
		Metrics:  m,
	})
	require.NoError(t, err)

	_, _ = e.Submit(t.Context(), []byte("not json"))
	_, _ = e.SubmitMessage(t.Context(), gconsensustest.Proposal("A", "h1", "d"))
	_, _ = e.SubmitMessage(t.Context(), gconsensustest.Vote("A", "h1", true))
	_, _ = e.SubmitMessage(t.Context(), gconsensustest.Vote("B", "h1", true))

	require.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues("malformed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues("self_vote")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("ProposeUpdate")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("VoteAccept")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Verdicts.WithLabelValues("Accept")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.BlocksSealed))
}

func TestNewEngine_requiresDependencies(t *testing.T) {
	t.Parallel()

	registry, err := gconsensus.NewProposalRegistry(1)
	require.NoError(t, err)
	ledger := gledger.NewBlockchain(gtest.NewLogger(t))
	peers := gconsensustest.NewRecordingPeers(0)

	_, err = gconsensus.NewEngine(gtest.NewLogger(t), gconsensus.EngineConfig{Registry: registry, Peers: peers})
	require.Error(t, err)
	_, err = gconsensus.NewEngine(gtest.NewLogger(t), gconsensus.EngineConfig{Ledger: ledger, Peers: peers})
	require.Error(t, err)
	_, err = gconsensus.NewEngine(gtest.NewLogger(t), gconsensus.EngineConfig{Ledger: ledger, Registry: registry})
	require.Error(t, err)
}

// newEngine returns an engine with a fresh ledger and registry.
func newEngine(t *testing.T, peers gconsensus.PeerSet) (
	*gconsensus.Engine, *gledger.Blockchain, *gconsensus.ProposalRegistry,
) {
	t.Helper()

	ledger := gledger.NewBlockchain(gtest.NewLogger(t))
	registry, err := gconsensus.NewProposalRegistry(gconsensus.DefaultRegistryCapacity)
	require.NoError(t, err)

	e, err := gconsensus.NewEngine(gtest.NewLogger(t), gconsensus.EngineConfig{
		Ledger:   ledger,
		Registry: registry,
		Peers:    peers,
	})
	require.NoError(t, err)

	return e, ledger, registry
}

func TestEngine_subscriberCountsAsPeer(t *testing.T) {
	t.Parallel()

	// Two peers give a denominator of 1, so a single accept would seal.
	f := gconsensustest.NewFixture(gtest.NewLogger(t), 2)

	sub := f.Engine.Subscribe(gconsensustest.PeerBuffer)
	require.Equal(t, 3, f.Hub.Count())

	// With the subscriber the denominator is 2, and one accept is not enough.
	out, err := f.Engine.SubmitMessage(t.Context(), gconsensustest.Vote("B", "h1", true))
	require.NoError(t, err)
	require.Equal(t, gconsensus.OutcomeVoted, out.Kind)
	require.Equal(t, gconsensus.VerdictPending, out.Verdict)
	require.Equal(t, 1, f.Ledger.Len())

	f.Engine.Unsubscribe(sub)
	require.Equal(t, 2, f.Hub.Count())

	out, err = f.Engine.SubmitMessage(t.Context(), gconsensustest.Vote("C", "h1", true))
	require.NoError(t, err)
	require.Equal(t, gconsensus.OutcomeSealed, out.Kind)
	require.Equal(t, 2, f.Ledger.Len())
}
