// Package gledger implements the append-only, in-memory ledger of a nocap node.
//
// A [Blockchain] starts with a genesis block and grows one [Block] at a time
// by sealing its buffer of pending transactions.
// Each block records the hash of its predecessor,
// so any modification of an earlier block breaks the chain,
// which [Blockchain.Verify] detects.
//
// Blocks are stored in a slice indexed by block index.
// Nothing is ever removed, and nothing is persisted:
// the chain lives exactly as long as the process.
package gledger
