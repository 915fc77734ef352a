package gconsensus

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRegistryCapacity is the number of proposals
// a [ProposalRegistry] remembers by default.
const DefaultRegistryCapacity = 1 << 16

// ProposalRegistry maps a proposal's reasoning hash to the agent that proposed it.
// It is used to reject agents voting on their own proposals.
//
// The registry is bounded.
// Once full, the least recently used entry is evicted,
// after which its author could vote on it undetected.
// The capacity should comfortably exceed the number of proposals
// expected to be open at once.
type ProposalRegistry struct {
	owners *lru.Cache[string, string]
}

// NewProposalRegistry returns an empty registry holding at most capacity entries.
func NewProposalRegistry(capacity int) (*ProposalRegistry, error) {
	c, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create proposal registry: %w", err)
	}
	return &ProposalRegistry{owners: c}, nil
}

// Register records agentID as the owner of reasoningHash,
// replacing any earlier owner.
func (r *ProposalRegistry) Register(reasoningHash, agentID string) {
	r.owners.Add(reasoningHash, agentID)
}

// Owner returns the agent that proposed reasoningHash.
func (r *ProposalRegistry) Owner(reasoningHash string) (agentID string, ok bool) {
	return r.owners.Get(reasoningHash)
}

// Len returns the number of proposals currently remembered.
func (r *ProposalRegistry) Len() int {
	return r.owners.Len()
}
