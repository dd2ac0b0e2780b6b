package session

import (
	"github.com/kiliankoe/quizsync/internal/replica"
	"github.com/kiliankoe/quizsync/internal/transport"
)

// Payload envelope types carried in transport data events.
const (
	msgValue   = "value"
	msgRoster  = "roster"
	msgSpawn   = "spawn"
	msgGrant   = "grant"
	msgDeny    = "deny"
	msgClaim   = "claim"
	msgRelease = "release"
)

type rosterEntry struct {
	ID   transport.PeerID `json:"id"`
	Name string           `json:"name"`
}

type rosterMsg struct {
	Participants []rosterEntry `json:"participants"`
}

type spawnMsg struct {
	Kind   replica.Kind     `json:"kind"`
	Owner  transport.PeerID `json:"owner,omitempty"`
	Holder transport.PeerID `json:"holder,omitempty"`
	Epoch  uint32           `json:"epoch"`
	Value  replica.Value    `json:"value"`
}

type grantMsg struct {
	Holder transport.PeerID `json:"holder,omitempty"`
	Epoch  uint32           `json:"epoch"`
}

type denyMsg struct {
	Requester transport.PeerID `json:"requester"`
}

type requestMsg struct{}
