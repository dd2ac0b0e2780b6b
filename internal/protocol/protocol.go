// Package protocol is the JSON envelope spoken on the relay websocket and
// inside replicated payloads.
package protocol

import (
	"encoding/json"
)

// Relay messages.
const (
	MsgHost             = "host"
	MsgJoin             = "join"
	MsgWelcome          = "welcome"
	MsgError            = "error"
	MsgPeerConnected    = "peer_connected"
	MsgPeerDisconnected = "peer_disconnected"
	MsgData             = "data"
	MsgSend             = "send"
	MsgLeave            = "leave"
	MsgClosed           = "closed"
)

type Envelope struct {
	T string          `json:"t"`
	P json.RawMessage `json:"p"` // raw payload bytes
}

// Start asks the relay to host or join a session (MsgHost / MsgJoin).
type Start struct {
	Key      string `json:"key"`
	Capacity int    `json:"capacity"`
}

type Welcome struct {
	Key  string `json:"key"`
	Self string `json:"self"`
	Host string `json:"host"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Peer struct {
	ID string `json:"id"`
}

// Data travels both ways: MsgSend from a client, MsgData from the relay with
// From filled in.
type Data struct {
	From       string `json:"from,omitempty"`
	Object     string `json:"object"`
	Version    uint64 `json:"version"`
	Payload    []byte `json:"payload"`
	Compressed bool   `json:"z,omitempty"`
}
