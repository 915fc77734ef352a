package gconsensus_test

import (
	"testing"

	"github.com/gordian-engine/nocap/gconsensus"
	"github.com/gordian-engine/nocap/gtx"
	"github.com/stretchr/testify/require"
)

func votes(accept, reject int, extra ...gtx.ActionType) []gtx.Transaction {
	var out []gtx.Transaction
	for range accept {
		out = append(out, gtx.Transaction{ActionType: gtx.VoteAccept})
	}
	for range reject {
		out = append(out, gtx.Transaction{ActionType: gtx.VoteReject})
	}
	for _, a := range extra {
		out = append(out, gtx.Transaction{ActionType: a})
	}
	return out
}

func TestTally(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		pending []gtx.Transaction
		peers   int
		want    gconsensus.Verdict
	}{
		{name: "empty buffer", pending: nil, peers: 4, want: gconsensus.VerdictPending},

		// Four peers: denominator 3, so two votes reach exactly two thirds.
		{name: "4 peers 1 accept", pending: votes(1, 0), peers: 4, want: gconsensus.VerdictPending},
		{name: "4 peers 2 accept", pending: votes(2, 0), peers: 4, want: gconsensus.VerdictAccept},
		{name: "4 peers 1 reject", pending: votes(0, 1), peers: 4, want: gconsensus.VerdictPending},
		{name: "4 peers 2 reject", pending: votes(0, 2), peers: 4, want: gconsensus.VerdictReject},

		// Both sides at two thirds: accept wins.
		{name: "tie above threshold", pending: votes(2, 2), peers: 4, want: gconsensus.VerdictAccept},
		{name: "accept below reject above", pending: votes(1, 2), peers: 4, want: gconsensus.VerdictReject},

		// Ten peers: denominator 9, threshold is six votes.
		{name: "10 peers 5 accept", pending: votes(5, 0), peers: 10, want: gconsensus.VerdictPending},
		{name: "10 peers 6 accept", pending: votes(6, 0), peers: 10, want: gconsensus.VerdictAccept},

		// The denominator never drops below one.
		{name: "no peers 1 accept", pending: votes(1, 0), peers: 0, want: gconsensus.VerdictAccept},
		{name: "one peer 1 reject", pending: votes(0, 1), peers: 1, want: gconsensus.VerdictReject},
		{name: "two peers 1 accept", pending: votes(1, 0), peers: 2, want: gconsensus.VerdictAccept},
		{name: "negative peers", pending: votes(1, 0), peers: -3, want: gconsensus.VerdictAccept},

		{
			name: "non-votes ignored",
			pending: votes(0, 0,
				gtx.ProposeUpdate, gtx.EvaluateUpdate, gtx.FlagMalicious, gtx.FinalizeBlock,
			),
			peers: 1,
			want:  gconsensus.VerdictPending,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, gconsensus.Tally(tc.pending, tc.peers))
		})
	}
}

func TestCountVotes(t *testing.T) {
	t.Parallel()

	c := gconsensus.CountVotes(votes(3, 2, gtx.ProposeUpdate), 7)
	require.Equal(t, gconsensus.VoteCount{Accept: 3, Reject: 2, Denominator: 6}, c)
	require.Equal(t, gconsensus.VerdictPending, c.Verdict())
}

func TestVerdict_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Pending", gconsensus.VerdictPending.String())
	require.Equal(t, "Accept", gconsensus.VerdictAccept.String())
	require.Equal(t, "Reject", gconsensus.VerdictReject.String())
	require.Equal(t, "Verdict(0)", gconsensus.Verdict(0).String())
}
