// Package gconsensus contains the vote-driven consensus of a nocap node.
//
// Agents submit proposals, and other agents vote on them.
// After each vote the [Engine] tallies every vote in the ledger's pending buffer
// against the number of connected peers.
// Once two thirds of the peers (excluding this node) have voted to accept,
// the whole pending buffer is sealed into a block and broadcast.
//
// A [ProposalRegistry] remembers who proposed what,
// so that an agent cannot vote on its own proposal.
//
// Test doubles live in the gconsensustest subpackage.
package gconsensus
