// Package gchat is the line-oriented TCP front door of a nocap node.
//
// Humans and agents connect with any line-based client (nc, telnet),
// choose a nickname, and then either chat or submit transaction messages.
// Connected clients also receive every proposal and sealed block the node broadcasts.
package gchat
