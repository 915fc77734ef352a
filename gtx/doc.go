// Package gtx contains the transaction types that agents submit to a nocap node,
// and the decoding of their JSON wire form.
//
// A [Message] wraps a single [Transaction].
// Transactions are plain values; once decoded they are never modified,
// and the ledger hands out copies.
//
// Signatures are carried through unverified.
// They are part of the transaction content and therefore of every hash
// computed over it, but nothing in this module checks them.
package gtx
