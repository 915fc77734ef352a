package gconsensus

import "errors"

var (
	// ErrMalformedInput is returned when an inbound message
	// cannot be decoded as a transaction message.
	ErrMalformedInput = errors.New("malformed input")

	// ErrInvalidProposal is returned for a ProposeUpdate
	// with a blank agent ID, reasoning hash, or description.
	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrSelfVote is returned when an agent votes on its own proposal.
	ErrSelfVote = errors.New("agent voted on its own proposal")
)
