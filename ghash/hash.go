// Package ghash computes the content hashes used by the ledger.
//
// Every hash is SHA-256 rendered as lowercase hex.
// Inputs are serialized with encoding/json over fixed struct layouts,
// so the same content in the same order always produces the same digest,
// and reordering transactions produces a different one.
package ghash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gordian-engine/nocap/gtx"
)

// ErrSerialize is wrapped by errors from failing to serialize transactions.
// Well-formed transactions always serialize,
// so callers should treat this as an internal consistency failure.
var ErrSerialize = errors.New("failed to serialize transactions")

// TimestampLayout is the layout used when a timestamp is fed into a hash.
// It matches the encoding/json representation of time.Time,
// so a block decoded from the wire hashes identically.
const TimestampLayout = time.RFC3339Nano

// Transactions returns the digest of the ordered transaction list.
// A nil list and an empty list have the same digest.
func Transactions(txs []gtx.Transaction) (string, error) {
	b, err := serializeTransactions(txs)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Block returns the hash of a block with the given fields.
//
// placeholderHash is the block's own hash field before sealing,
// which is empty for every block the ledger creates.
// It is part of the input so that the hash covers every field of the block.
func Block(
	index uint32,
	prevHash string,
	placeholderHash string,
	txs []gtx.Transaction,
	ts time.Time,
) (string, error) {
	b, err := serializeTransactions(txs)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	_, _ = io.WriteString(h, strconv.FormatUint(uint64(index), 10))
	_, _ = io.WriteString(h, prevHash)
	_, _ = io.WriteString(h, placeholderHash)
	_, _ = h.Write(b)
	_, _ = io.WriteString(h, ts.UTC().Format(TimestampLayout))

	return hex.EncodeToString(h.Sum(nil)), nil
}

func serializeTransactions(txs []gtx.Transaction) ([]byte, error) {
	if txs == nil {
		txs = []gtx.Transaction{}
	}

	b, err := json.Marshal(txs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialize, err)
	}
	return b, nil
}
