package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/kiliankoe/quizsync/internal/authority"
	"github.com/kiliankoe/quizsync/internal/transport"
)

func (c *Coordinator) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.ParticipantConnected:
		c.participantConnected(ev.Peer)
	case transport.ParticipantDisconnected:
		c.participantDisconnected(ev.Peer)
	case transport.DataReceived:
		c.handleData(ev)
	case transport.Closed:
		c.lost(ev.Err)
	}
}

func (c *Coordinator) participantConnected(id transport.PeerID) {
	if c.find(id) >= 0 {
		c.log.Debug().Str("participant", string(id)).Msg("participant already in the list, ignoring")
		return
	}
	role := RoleGuest
	if id == c.handle.Host() {
		role = RoleHost
	}
	p := &Participant{ID: id, Role: role, Liveness: Connected, JoinedAt: time.Now().UTC()}
	c.participants = append(c.participants, p)

	if c.isHost() {
		c.assignName(id, role)
		c.spawnParticipantObjects(id)
		c.publishState()
	} else if id != c.self() {
		c.resendHeld()
	}

	c.log.Info().Str("participant", string(id)).Str("name", c.displayName(id)).Str("role", string(role)).Msg("participant joined")
	c.emit(Event{Kind: EventParticipantJoined, Participant: c.snapshot(p)})
	c.emitParticipantList()
}

// assignName gives id its display name. Names are assigned once and never change.
func (c *Coordinator) assignName(id transport.PeerID, role Role) {
	if _, ok := c.names[id]; ok {
		return
	}
	name := c.opts.NamePrefix + uuid.NewString()[:8]
	if role == RoleHost && len(c.participants) == 1 {
		name = HostMarker + name
	}
	c.names[id] = name
}

func (c *Coordinator) participantDisconnected(id transport.PeerID) {
	idx := c.find(id)
	if idx < 0 {
		c.log.Debug().Str("participant", string(id)).Msg("unknown participant left, ignoring")
		return
	}
	p := c.participants[idx]
	c.participants = append(c.participants[:idx], c.participants[idx+1:]...)
	p.Liveness = Left
	left := c.snapshot(p)

	removed := c.store.RemoveOwnedBy(id)
	revoked := c.registry.RevokeAll(id)
	delete(c.names, id)

	c.log.Info().Str("participant", string(id)).Str("name", left.Name).Int("removed", len(removed)).Int("revoked", len(revoked)).Msg("participant left")
	for _, rec := range revoked {
		c.emit(Event{Kind: EventAuthorityChanged, Object: rec.Object, Holder: authority.Unassigned})
	}
	c.emit(Event{Kind: EventParticipantLeft, Participant: left})
	c.emitParticipantList()
}

func (c *Coordinator) applyRoster(msg rosterMsg) {
	changed := false
	for _, e := range msg.Participants {
		if _, ok := c.names[e.ID]; ok || e.Name == "" {
			continue
		}
		c.names[e.ID] = e.Name
		changed = true
	}
	if changed {
		c.emitParticipantList()
	}
}

func (c *Coordinator) roster() rosterMsg {
	msg := rosterMsg{Participants: make([]rosterEntry, 0, len(c.participants))}
	for _, p := range c.participants {
		if name, ok := c.names[p.ID]; ok {
			msg.Participants = append(msg.Participants, rosterEntry{ID: p.ID, Name: name})
		}
	}
	return msg
}

func (c *Coordinator) find(id transport.PeerID) int {
	for i, p := range c.participants {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (c *Coordinator) displayName(id transport.PeerID) string {
	if name, ok := c.names[id]; ok {
		return name
	}
	return UnknownName
}

func (c *Coordinator) snapshot(p *Participant) Participant {
	out := *p
	out.Name = c.displayName(p.ID)
	return out
}

func (c *Coordinator) participantList() []Participant {
	out := make([]Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, c.snapshot(p))
	}
	return out
}

func (c *Coordinator) emitParticipantList() {
	c.emit(Event{Kind: EventParticipantListChanged, Participants: c.participantList()})
}
