// Package gfanout delivers outbound payloads to every connected peer.
//
// A [Hub] tracks a set of [Peer] values.
// Stream connections are wrapped in [ConnPeer],
// and in-process consumers such as WebSocket writers use [ChanPeer].
//
// [Hub.Broadcast] writes to all peers concurrently.
// One peer failing or stalling does not prevent delivery to the others.
package gfanout
