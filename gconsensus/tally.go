package gconsensus

import (
	"fmt"

	"github.com/gordian-engine/nocap/gtx"
)

// Verdict is the result of tallying the votes in the pending buffer.
type Verdict uint8

const (
	_ Verdict = iota // Invalid.

	// Neither side has reached a super-majority yet.
	VerdictPending

	// At least two thirds of the denominator voted to accept.
	VerdictAccept

	// At least two thirds of the denominator voted to reject,
	// and the accept side did not also reach two thirds.
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictPending:
		return "Pending"
	case VerdictAccept:
		return "Accept"
	case VerdictReject:
		return "Reject"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

// VoteCount is the raw material of a tally.
type VoteCount struct {
	Accept, Reject int

	// Denominator is max(connectedPeers-1, 1).
	// The node itself is excluded from the peer count,
	// and the floor of one keeps a lone node able to reach consensus.
	Denominator int
}

// CountVotes counts the VoteAccept and VoteReject transactions in pending.
// Every other action type is ignored.
func CountVotes(pending []gtx.Transaction, connectedPeers int) VoteCount {
	c := VoteCount{
		Denominator: max(connectedPeers-1, 1),
	}
	for _, tx := range pending {
		switch tx.ActionType {
		case gtx.VoteAccept:
			c.Accept++
		case gtx.VoteReject:
			c.Reject++
		}
	}
	return c
}

// Verdict applies the two-thirds rule to c.
// Integer arithmetic keeps the boundary exact:
// a side wins when 3*votes >= 2*denominator.
// Accept is checked first, so it wins when both sides qualify.
func (c VoteCount) Verdict() Verdict {
	threshold := 2 * c.Denominator
	if 3*c.Accept >= threshold {
		return VerdictAccept
	}
	if 3*c.Reject >= threshold {
		return VerdictReject
	}
	return VerdictPending
}

// Tally is shorthand for CountVotes(pending, connectedPeers).Verdict().
func Tally(pending []gtx.Transaction, connectedPeers int) Verdict {
	return CountVotes(pending, connectedPeers).Verdict()
}
