// Package gsi is the HTTP front door of a nocap node.
//
// It accepts transaction messages over POST /transaction and WebSocket,
// relays broadcasts to WebSocket peers,
// and serves read-only views of the chain for peers catching up.
package gsi
