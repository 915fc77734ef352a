package gledger

import (
	"fmt"
	"slices"
	"time"

	"github.com/gordian-engine/nocap/ghash"
	"github.com/gordian-engine/nocap/gtx"
)

// GenesisPrevHash is the PrevHash of the genesis block.
const GenesisPrevHash = "0"

// Block is a sealed, immutable set of transactions in the chain.
type Block struct {
	Index     uint32    `json:"index"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`

	Transactions []gtx.Transaction `json:"transactions"`

	// Digest is a flat hash over the serialized transaction list.
	// It is not a Merkle root and cannot prove inclusion of a single transaction.
	Digest string `json:"digest"`
}

// newBlock computes the hash and digest for a block with the given contents.
// The transactions slice is copied.
func newBlock(index uint32, prevHash string, txs []gtx.Transaction, ts time.Time) (Block, error) {
	b := Block{
		Index:        index,
		PrevHash:     prevHash,
		Timestamp:    ts.UTC(),
		Transactions: slices.Clone(txs),
	}
	if b.Transactions == nil {
		b.Transactions = []gtx.Transaction{}
	}

	var err error
	b.Hash, err = ghash.Block(b.Index, b.PrevHash, "", b.Transactions, b.Timestamp)
	if err != nil {
		return Block{}, fmt.Errorf("failed to hash block %d: %w", index, err)
	}

	b.Digest, err = ghash.Transactions(b.Transactions)
	if err != nil {
		return Block{}, fmt.Errorf("failed to compute digest for block %d: %w", index, err)
	}

	return b, nil
}

// Verify recomputes the block's hash and digest
// and reports an error if either does not match.
func (b Block) Verify() error {
	wantHash, err := ghash.Block(b.Index, b.PrevHash, "", b.Transactions, b.Timestamp)
	if err != nil {
		return err
	}
	if b.Hash != wantHash {
		return fmt.Errorf("invalid hash: expected %s, got %s", wantHash, b.Hash)
	}

	wantDigest, err := ghash.Transactions(b.Transactions)
	if err != nil {
		return err
	}
	if b.Digest != wantDigest {
		return fmt.Errorf("invalid digest: expected %s, got %s", wantDigest, b.Digest)
	}

	return nil
}

func (b Block) clone() Block {
	b.Transactions = slices.Clone(b.Transactions)
	return b
}
