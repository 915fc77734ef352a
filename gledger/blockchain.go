package gledger

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gordian-engine/nocap/gtx"
)

// Blockchain is the in-memory ledger of a node.
//
// It owns three pieces of state behind a single lock:
// the ordered blocks (never reordered or pruned),
// the pending transactions that have not yet been sealed,
// and the archive of transactions that have been sealed.
// Every archived transaction was pending first,
// and no transaction is in both the pending buffer and the archive.
type Blockchain struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	blocks  []Block
	pending []gtx.Transaction
	archive []gtx.Transaction
}

// Option customizes a [Blockchain] created through [NewBlockchain].
type Option func(*Blockchain)

// WithClock overrides the source of block timestamps.
func WithClock(now func() time.Time) Option {
	return func(bc *Blockchain) {
		bc.now = now
	}
}

// NewBlockchain returns a chain holding only the genesis block:
// index 0, previous hash "0", no transactions, and the current timestamp.
//
// It panics if the genesis block cannot be hashed,
// which can only happen if JSON serialization is broken.
func NewBlockchain(log *slog.Logger, opts ...Option) *Blockchain {
	bc := &Blockchain{
		log: log,
		now: time.Now,
	}
	for _, o := range opts {
		o(bc)
	}

	genesis, err := newBlock(0, GenesisPrevHash, nil, bc.now())
	if err != nil {
		panic(fmt.Errorf("BUG: failed to create genesis block: %w", err))
	}
	bc.blocks = append(bc.blocks, genesis)

	log.Debug("Created genesis block", "hash", genesis.Hash)
	return bc
}

// AppendPending adds tx to the pending buffer.
//
// If decide is not nil, it is called with the updated pending buffer
// while the ledger lock is still held,
// and if it returns true the whole buffer is sealed into a new block,
// which is returned.
// No other ledger operation can interleave between the append,
// the decision, and the seal.
//
// decide must not retain or modify the slice it is given,
// and it must not call back into the Blockchain.
func (bc *Blockchain) AppendPending(
	tx gtx.Transaction, decide func(pending []gtx.Transaction) bool,
) (*Block, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	bc.pending = append(bc.pending, tx)

	if decide == nil || !decide(bc.pending) {
		return nil, nil
	}

	b, err := bc.sealLocked()
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Seal converts the entire pending buffer into a new block
// linked to the current last block, appends it to the chain,
// and moves the sealed transactions into the archive.
//
// Sealing is all-or-nothing: if the block cannot be hashed,
// the chain, the pending buffer, and the archive are unchanged.
// An empty pending buffer produces an empty block.
func (bc *Blockchain) Seal() (Block, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	return bc.sealLocked()
}

func (bc *Blockchain) sealLocked() (Block, error) {
	last := bc.blocks[len(bc.blocks)-1]

	b, err := newBlock(last.Index+1, last.Hash, bc.pending, bc.now())
	if err != nil {
		return Block{}, err
	}

	bc.blocks = append(bc.blocks, b)
	bc.archive = append(bc.archive, bc.pending...)
	bc.pending = nil

	bc.log.Info(
		"Sealed block",
		"index", b.Index,
		"hash", b.Hash,
		"n_txs", len(b.Transactions),
	)

	return b.clone(), nil
}

// LastBlock returns the most recently sealed block.
// The boolean result is false only if the chain is empty,
// which cannot happen for a chain created with [NewBlockchain].
func (bc *Blockchain) LastBlock() (Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	if len(bc.blocks) == 0 {
		return Block{}, false
	}
	return bc.blocks[len(bc.blocks)-1].clone(), true
}

// BlockAt returns the block at the given index.
func (bc *Blockchain) BlockAt(index uint32) (Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	if int(index) >= len(bc.blocks) {
		return Block{}, false
	}
	return bc.blocks[index].clone(), true
}

// BlocksAfter returns every block whose timestamp is strictly after ts,
// in chain order.
// Peers use this to catch up on blocks they missed.
func (bc *Blockchain) BlocksAfter(ts time.Time) []Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	var out []Block
	for _, b := range bc.blocks {
		if b.Timestamp.After(ts) {
			out = append(out, b.clone())
		}
	}
	return out
}

// Len returns the number of blocks in the chain, including genesis.
func (bc *Blockchain) Len() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	return len(bc.blocks)
}

// Pending returns a copy of the pending buffer.
func (bc *Blockchain) Pending() []gtx.Transaction {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	return slices.Clone(bc.pending)
}

// Archived returns a copy of every transaction that has been sealed, in sealing order.
func (bc *Blockchain) Archived() []gtx.Transaction {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	return slices.Clone(bc.archive)
}

// Verify validates the integrity of the entire chain:
// the genesis block, and for every later block its index continuity,
// previous hash linkage, hash, and digest.
func (bc *Blockchain) Verify() error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	if len(bc.blocks) == 0 {
		return fmt.Errorf("empty blockchain")
	}

	genesis := bc.blocks[0]
	if genesis.Index != 0 || genesis.PrevHash != GenesisPrevHash || len(genesis.Transactions) != 0 {
		return fmt.Errorf("invalid genesis block")
	}
	if err := genesis.Verify(); err != nil {
		return fmt.Errorf("genesis block invalid: %w", err)
	}

	for i := 1; i < len(bc.blocks); i++ {
		if err := validateBlock(bc.blocks[i], bc.blocks[i-1]); err != nil {
			return fmt.Errorf("block %d invalid: %w", i, err)
		}
	}

	return nil
}

// validateBlock verifies that current correctly follows previous.
func validateBlock(current, previous Block) error {
	if current.Index != previous.Index+1 {
		return fmt.Errorf("invalid index: expected %d, got %d", previous.Index+1, current.Index)
	}

	if current.PrevHash != previous.Hash {
		return fmt.Errorf("invalid prev hash: expected %s, got %s", previous.Hash, current.PrevHash)
	}

	return current.Verify()
}
