// Package transport describes the session service the replication core runs on:
// session creation and discovery by key, peer connect/disconnect notification,
// and reliable broadcast of small versioned state updates.
package transport

import (
	"context"
	"errors"
)

// PeerID identifies one connected participant for the lifetime of a session.
type PeerID string

// ObjectID identifies a replicated object within a session.
type ObjectID string

var (
	ErrNotFound = errors.New("session not found")
	ErrKeyTaken = errors.New("session key already taken")
	ErrCapacity = errors.New("session is full")
	ErrClosed   = errors.New("session handle closed")
	ErrHostLeft = errors.New("host left the session")
	ErrRejected = errors.New("request rejected by session service")
	ErrBadKey   = errors.New("session key must not be empty")
)

type EventKind string

const (
	ParticipantConnected    EventKind = "ParticipantConnected"
	ParticipantDisconnected EventKind = "ParticipantDisconnected"
	DataReceived            EventKind = "DataReceived"
	// Closed is the last event on a handle that the service tore down.
	Closed EventKind = "Closed"
)

// Event is one notification delivered on a Handle's event stream.
// Peer is set for connect/disconnect, From/Object/Version/Payload for data,
// Err for Closed.
type Event struct {
	Kind    EventKind
	Peer    PeerID
	From    PeerID
	Object  ObjectID
	Version uint64
	Payload []byte
	Err     error
}

// Handle is one live membership in a session.
type Handle interface {
	Key() string
	Self() PeerID
	Host() PeerID
	Events() <-chan Event
	// Send broadcasts to every other peer. Delivery is reliable but callers
	// must not assume ordering between sends.
	Send(object ObjectID, version uint64, payload []byte) error
	Shutdown() error
}

// Service creates and joins sessions.
type Service interface {
	StartAsHost(ctx context.Context, key string, capacity int) (Handle, error)
	// StartAsClient fails with ErrNotFound when no session exists under key.
	StartAsClient(ctx context.Context, key string, capacity int) (Handle, error)
}

// Wire codes for the error taxonomy, shared by the relay and its clients.
const (
	CodeNotFound = "not_found"
	CodeKeyTaken = "key_taken"
	CodeCapacity = "capacity"
	CodeClosed   = "closed"
	CodeHostLeft = "host_left"
	CodeBadKey   = "bad_key"
	CodeRejected = "rejected"
)

var codes = map[string]error{
	CodeNotFound: ErrNotFound,
	CodeKeyTaken: ErrKeyTaken,
	CodeCapacity: ErrCapacity,
	CodeClosed:   ErrClosed,
	CodeHostLeft: ErrHostLeft,
	CodeBadKey:   ErrBadKey,
}

// ErrorCode maps err onto its wire code, CodeRejected for anything unknown.
func ErrorCode(err error) string {
	for code, target := range codes {
		if errors.Is(err, target) {
			return code
		}
	}
	return CodeRejected
}

// FromCode is the inverse of ErrorCode.
func FromCode(code string) error {
	if err, ok := codes[code]; ok {
		return err
	}
	return ErrRejected
}
