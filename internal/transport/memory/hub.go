// Package memory is an in-process session service. It backs the relay server
// and the tests of everything above the transport.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kiliankoe/quizsync/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionInfo is returned by Sessions for discovery listings.
type SessionInfo struct {
	Key      string `json:"key"`
	Players  int    `json:"players"`
	Capacity int    `json:"capacity"`
}

// Hub holds every open session by key. Sessions are created by StartAsHost and
// removed when their host shuts down.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*room
	log      zerolog.Logger
}

type room struct {
	key      string
	capacity int
	host     transport.PeerID
	peers    []*peer // join order
}

type peer struct {
	hub  *Hub
	room *room
	id   transport.PeerID
	box  *mailbox

	mu   sync.Mutex
	gone bool
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*room), log: log.Logger}
}

// WithLogger replaces the hub's logger.
func (h *Hub) WithLogger(l zerolog.Logger) *Hub {
	h.log = l
	return h
}

func (h *Hub) StartAsHost(ctx context.Context, key string, capacity int) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, transport.ErrBadKey
	}
	if capacity <= 0 {
		capacity = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[key]; exists {
		return nil, transport.ErrKeyTaken
	}
	r := &room{key: key, capacity: capacity}
	p := h.newPeer(r)
	r.host = p.id
	r.peers = append(r.peers, p)
	h.sessions[key] = r
	p.box.push(transport.Event{Kind: transport.ParticipantConnected, Peer: p.id})
	h.log.Info().Str("key", key).Str("host", string(p.id)).Int("capacity", capacity).Msg("session created")
	return p, nil
}

func (h *Hub) StartAsClient(ctx context.Context, key string, _ int) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, transport.ErrBadKey
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.sessions[key]
	if !ok {
		return nil, transport.ErrNotFound
	}
	if len(r.peers) >= r.capacity {
		return nil, transport.ErrCapacity
	}
	p := h.newPeer(r)
	for _, other := range r.peers {
		p.box.push(transport.Event{Kind: transport.ParticipantConnected, Peer: other.id})
		other.box.push(transport.Event{Kind: transport.ParticipantConnected, Peer: p.id})
	}
	r.peers = append(r.peers, p)
	p.box.push(transport.Event{Kind: transport.ParticipantConnected, Peer: p.id})
	h.log.Info().Str("key", key).Str("peer", string(p.id)).Int("players", len(r.peers)).Msg("peer joined")
	return p, nil
}

// Sessions lists open sessions sorted by key.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for key, r := range h.sessions {
		out = append(out, SessionInfo{Key: key, Players: len(r.peers), Capacity: r.capacity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (h *Hub) newPeer(r *room) *peer {
	return &peer{hub: h, room: r, id: transport.PeerID(uuid.NewString()), box: newMailbox()}
}

func (h *Hub) broadcast(from *peer, ev transport.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if from.isGone() {
		return transport.ErrClosed
	}
	for _, p := range from.room.peers {
		if p != from {
			p.box.push(ev)
		}
	}
	return nil
}

func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := p.room
	for i, other := range r.peers {
		if other == p {
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			break
		}
	}
	p.box.discard()

	if p.id != r.host {
		for _, other := range r.peers {
			other.box.push(transport.Event{Kind: transport.ParticipantDisconnected, Peer: p.id})
		}
		h.log.Info().Str("key", r.key).Str("peer", string(p.id)).Int("players", len(r.peers)).Msg("peer left")
		return
	}

	// No host migration: the session ends with its host.
	for _, other := range r.peers {
		other.markGone()
		other.box.push(transport.Event{Kind: transport.Closed, Err: transport.ErrHostLeft})
		other.box.finish()
	}
	r.peers = nil
	if h.sessions[r.key] == r {
		delete(h.sessions, r.key)
	}
	h.log.Info().Str("key", r.key).Msg("session closed")
}

func (p *peer) Key() string                    { return p.room.key }
func (p *peer) Self() transport.PeerID         { return p.id }
func (p *peer) Host() transport.PeerID         { return p.room.host }
func (p *peer) Events() <-chan transport.Event { return p.box.out }

func (p *peer) Send(object transport.ObjectID, version uint64, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return p.hub.broadcast(p, transport.Event{
		Kind:    transport.DataReceived,
		From:    p.id,
		Object:  object,
		Version: version,
		Payload: buf,
	})
}

func (p *peer) Shutdown() error {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		p.box.discard()
		return nil
	}
	p.gone = true
	p.mu.Unlock()
	p.hub.leave(p)
	return nil
}

func (p *peer) markGone() {
	p.mu.Lock()
	p.gone = true
	p.mu.Unlock()
}

func (p *peer) isGone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gone
}
