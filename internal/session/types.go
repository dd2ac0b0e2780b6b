package session

import (
	"time"

	"github.com/kiliankoe/quizsync/internal/leaderboard"
	"github.com/kiliankoe/quizsync/internal/replica"
	"github.com/kiliankoe/quizsync/internal/transport"
)

type Role string

const (
	RoleHost  Role = "Host"
	RoleGuest Role = "Guest"
)

type Mode string

const (
	ModeUnbound Mode = "Unbound"
	ModeHosting Mode = "Hosting"
	ModeJoining Mode = "JoiningAsClient"
)

type Liveness string

const (
	Connected Liveness = "Connected"
	Left      Liveness = "Left"
)

type Status string

const (
	StatusSearching    Status = "Searching"
	StatusHosting      Status = "Hosting"
	StatusJoined       Status = "Joined"
	StatusDisconnected Status = "Disconnected"
	StatusError        Status = "Error"
)

const (
	// UnknownName is shown for ids that have no name (yet, or any more).
	UnknownName = "Unknown Player"
	HostMarker  = "[Host] "
)

type Participant struct {
	ID       transport.PeerID `json:"id"`
	Name     string           `json:"name"`
	Role     Role             `json:"role"`
	Liveness Liveness         `json:"liveness"`
	JoinedAt time.Time        `json:"joinedAt"`
}

// Session is a read-only snapshot of the active session.
type Session struct {
	Key          string           `json:"key"`
	Mode         Mode             `json:"mode"`
	Capacity     int              `json:"capacity"`
	Self         transport.PeerID `json:"self"`
	Host         transport.PeerID `json:"host"`
	Participants []Participant    `json:"participants"`
}

type EventKind string

const (
	EventSessionHosted          EventKind = "SessionHosted"
	EventSessionJoined          EventKind = "SessionJoined"
	EventSessionEnded           EventKind = "SessionEnded"
	EventParticipantJoined      EventKind = "ParticipantJoined"
	EventParticipantLeft        EventKind = "ParticipantLeft"
	EventParticipantListChanged EventKind = "ParticipantListChanged"
	EventStatusChanged          EventKind = "StatusChanged"
	EventAuthorityChanged       EventKind = "AuthorityChanged"
	EventObjectValueChanged     EventKind = "ObjectValueChanged"
	EventLeaderboardChanged     EventKind = "LeaderboardChanged"
)

// Event is what the coordinator reports to its Listener. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind         EventKind
	Key          string
	Status       Status
	Message      string
	Participant  Participant
	Participants []Participant
	Object       transport.ObjectID
	Holder       transport.PeerID
	Value        replica.Value
	Leaderboard  []leaderboard.Entry
	Err          error
}

// Listener receives events on the coordinator's goroutine and must not block.
type Listener interface {
	HandleEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }

// PropSpec describes a prop the host spawns, unassigned, when a session starts.
type PropSpec struct {
	ID   transport.ObjectID
	Pose replica.Pose
}

func AvatarID(p transport.PeerID) transport.ObjectID {
	return transport.ObjectID("avatar/" + string(p))
}

func ScoreID(p transport.PeerID) transport.ObjectID {
	return transport.ObjectID("score/" + string(p))
}
