package session

import (
	"github.com/kiliankoe/quizsync/internal/authority"
	"github.com/kiliankoe/quizsync/internal/protocol"
	"github.com/kiliankoe/quizsync/internal/replica"
	"github.com/kiliankoe/quizsync/internal/transport"
)

func (c *Coordinator) handleData(ev transport.Event) {
	env, err := protocol.DecodeEnvelope(ev.Payload)
	if err != nil {
		c.log.Warn().Err(err).Str("from", string(ev.From)).Msg("dropping undecodable payload")
		return
	}
	fromHost := ev.From == c.handle.Host()

	switch env.T {
	case msgValue:
		v, ok := decode[replica.Value](c, env)
		if !ok {
			return
		}
		c.receiveValue(replica.Update{Object: ev.Object, Version: ev.Version, Value: v}, ev.From)
	case msgRoster:
		if msg, ok := decode[rosterMsg](c, env); ok && fromHost {
			c.applyRoster(msg)
		}
	case msgSpawn:
		if msg, ok := decode[spawnMsg](c, env); ok && fromHost {
			c.applySpawn(ev.Object, msg)
		}
	case msgGrant:
		if msg, ok := decode[grantMsg](c, env); ok && fromHost {
			c.applyGrant(authority.Record{Object: ev.Object, Holder: msg.Holder, Epoch: msg.Epoch})
		}
	case msgDeny:
		if msg, ok := decode[denyMsg](c, env); ok && fromHost && msg.Requester == c.self() {
			c.resolve(ev.Object, authority.ErrHeld)
		}
	case msgClaim:
		if c.isHost() {
			_ = c.arbitrate(ev.Object, ev.From)
		}
	case msgRelease:
		if c.isHost() {
			if rec, changed := c.registry.Release(ev.Object, ev.From); changed {
				c.granted(rec)
			}
		}
	default:
		c.log.Debug().Str("type", env.T).Str("from", string(ev.From)).Msg("unknown message type")
	}
}

func decode[T any](c *Coordinator, env protocol.Envelope) (T, bool) {
	out, err := protocol.DecodePayload[T](env)
	if err != nil {
		c.log.Warn().Err(err).Str("type", env.T).Msg("dropping malformed message")
		return out, false
	}
	return out, true
}

func (c *Coordinator) receiveValue(u replica.Update, from transport.PeerID) {
	prev, applied := c.store.Apply(u, from)
	if !applied {
		c.log.Trace().Str("object", string(u.Object)).Str("from", string(from)).Uint64("version", u.Version).Msg("update not applied")
		return
	}
	c.valueChanged(u.Object, prev, u.Value)
}

// valueChanged reports a new value of obj and folds score changes into the
// leaderboard as deltas.
func (c *Coordinator) valueChanged(obj transport.ObjectID, prev, cur replica.Value) {
	o, ok := c.store.Get(obj)
	if !ok {
		return
	}
	holder, _ := c.registry.Holder(obj)
	c.emit(Event{Kind: EventObjectValueChanged, Object: obj, Holder: holder, Value: cur})

	if o.Kind != replica.KindScore {
		return
	}
	if delta := cur.Score - prev.Score; delta != 0 {
		c.board.AddScore(c.displayName(o.Owner), delta)
		c.emitLeaderboard()
	}
}

func (c *Coordinator) applySpawn(obj transport.ObjectID, msg spawnMsg) {
	if msg.Owner != "" && c.find(msg.Owner) < 0 {
		c.log.Debug().Str("object", string(obj)).Str("owner", string(msg.Owner)).Msg("spawn for unknown owner ignored")
		return
	}
	if c.registry.Apply(authority.Record{Object: obj, Holder: msg.Holder, Epoch: msg.Epoch}) {
		c.emit(Event{Kind: EventAuthorityChanged, Object: obj, Holder: msg.Holder})
	}
	o, err := c.store.Spawn(obj, msg.Kind, msg.Owner, msg.Value)
	if err != nil {
		return
	}
	c.log.Debug().Str("object", string(obj)).Str("kind", string(o.Kind)).Msg("object spawned")
	if o.Kind == replica.KindScore {
		c.enterBoard(o.Owner, msg.Value.Score)
	}
	if o.Version > 0 {
		c.valueChanged(obj, msg.Value, o.Value)
	}
}

// spawnParticipantObjects creates the avatar and score object of id, both held
// by id from the start.
func (c *Coordinator) spawnParticipantObjects(id transport.PeerID) {
	objs := []struct {
		id   transport.ObjectID
		kind replica.Kind
		v    replica.Value
	}{
		{AvatarID(id), replica.KindAvatar, replica.Value{Pose: replica.Pose{Rotation: replica.Identity}}},
		{ScoreID(id), replica.KindScore, replica.Value{}},
	}
	for _, o := range objs {
		if _, err := c.store.Spawn(o.id, o.kind, id, o.v); err != nil {
			c.log.Warn().Err(err).Str("object", string(o.id)).Msg("participant object spawn failed")
			continue
		}
		if _, err := c.registry.Assign(o.id, id); err != nil {
			c.log.Warn().Err(err).Str("object", string(o.id)).Msg("initial authority assignment failed")
			continue
		}
		c.emit(Event{Kind: EventAuthorityChanged, Object: o.id, Holder: id})
	}
	c.enterBoard(id, 0)
}

// enterBoard adds id to the leaderboard with the total its score object was
// spawned with. Later changes arrive as deltas through valueChanged.
func (c *Coordinator) enterBoard(id transport.PeerID, total int) {
	name := c.displayName(id)
	if _, ok := c.board.Score(name); ok {
		return
	}
	c.board.AddScore(name, total)
	c.emitLeaderboard()
}

func (c *Coordinator) emitLeaderboard() {
	c.emit(Event{Kind: EventLeaderboardChanged, Leaderboard: c.board.Entries()})
}

func (c *Coordinator) applyGrant(rec authority.Record) {
	if c.registry.Apply(rec) {
		c.log.Debug().Str("object", string(rec.Object)).Str("holder", string(rec.Holder)).Uint32("epoch", rec.Epoch).Msg("authority changed")
		c.emit(Event{Kind: EventAuthorityChanged, Object: rec.Object, Holder: rec.Holder})
	}
	// A claim still on its way to the host is answered by a deny or by a
	// later grant to us, never by a grant to someone else.
	if current, _ := c.registry.Holder(rec.Object); current == c.self() {
		c.resolve(rec.Object, nil)
	}
}

func (c *Coordinator) resolve(obj transport.ObjectID, err error) {
	for _, w := range c.waiters[obj] {
		w <- err
	}
	delete(c.waiters, obj)
}

func (c *Coordinator) claim(obj transport.ObjectID, reply chan error) {
	if c.handle == nil {
		reply <- ErrNoSession
		return
	}
	if c.isHost() {
		reply <- c.arbitrate(obj, c.self())
		return
	}
	holder, ok := c.registry.Holder(obj)
	if !ok {
		reply <- authority.ErrUnknownObject
		return
	}
	if holder == c.self() {
		reply <- nil
		return
	}
	if err := c.broadcast(msgClaim, obj, 0, requestMsg{}); err != nil {
		reply <- err
		return
	}
	c.waiters[obj] = append(c.waiters[obj], reply)
}

// arbitrate decides a claim on the host. The first claim on an unassigned
// object wins; everyone else is denied until it is released.
func (c *Coordinator) arbitrate(obj transport.ObjectID, requester transport.PeerID) error {
	rec, changed, err := c.registry.RequestTransfer(obj, requester)
	if err != nil {
		c.log.Debug().Err(err).Str("object", string(obj)).Str("requester", string(requester)).Msg("claim denied")
		if requester != c.self() {
			_ = c.broadcast(msgDeny, obj, 0, denyMsg{Requester: requester})
		}
		return err
	}
	if changed {
		c.granted(rec)
	} else if requester != c.self() {
		_ = c.broadcast(msgGrant, obj, 0, grantMsg{Holder: rec.Holder, Epoch: rec.Epoch})
	}
	return nil
}

// granted publishes a transition the host made to its own registry.
func (c *Coordinator) granted(rec authority.Record) {
	c.log.Debug().Str("object", string(rec.Object)).Str("holder", string(rec.Holder)).Uint32("epoch", rec.Epoch).Msg("authority changed")
	c.emit(Event{Kind: EventAuthorityChanged, Object: rec.Object, Holder: rec.Holder})
	_ = c.broadcast(msgGrant, rec.Object, 0, grantMsg{Holder: rec.Holder, Epoch: rec.Epoch})
}

func (c *Coordinator) release(obj transport.ObjectID) error {
	if c.handle == nil {
		return ErrNoSession
	}
	rec, changed := c.registry.Release(obj, c.self())
	if !changed {
		return nil
	}
	if c.isHost() {
		c.granted(rec)
		return nil
	}
	c.emit(Event{Kind: EventAuthorityChanged, Object: obj, Holder: authority.Unassigned})
	return c.broadcast(msgRelease, obj, 0, requestMsg{})
}

func (c *Coordinator) write(obj transport.ObjectID, v replica.Value) error {
	if c.handle == nil {
		return ErrNoSession
	}
	o, ok := c.store.Get(obj)
	if !ok {
		return replica.ErrUnknownObject
	}
	u, err := c.store.Write(obj, v, c.self())
	if err != nil {
		c.log.Debug().Err(err).Str("object", string(obj)).Msg("write rejected")
		return err
	}
	c.valueChanged(obj, o.Value, u.Value)
	return c.sendValue(u)
}

func (c *Coordinator) move(obj transport.ObjectID, pose replica.Pose) error {
	if c.handle == nil {
		return ErrNoSession
	}
	o, ok := c.store.Get(obj)
	if !ok {
		return replica.ErrUnknownObject
	}
	u, send, err := c.store.Move(obj, pose, c.self(), c.opts.Threshold)
	if err != nil {
		return err
	}
	cur, _ := c.store.Get(obj)
	c.valueChanged(obj, o.Value, cur.Value)
	if !send {
		return nil
	}
	return c.sendValue(u)
}

func (c *Coordinator) drop(obj transport.ObjectID, pose replica.Pose) error {
	if c.handle == nil {
		return ErrNoSession
	}
	o, ok := c.store.Get(obj)
	if !ok {
		return replica.ErrUnknownObject
	}
	v := o.Value
	v.Pose = pose
	if err := c.write(obj, v); err != nil {
		return err
	}
	return c.release(obj)
}

func (c *Coordinator) addScore(delta int) error {
	if c.handle == nil {
		return ErrNoSession
	}
	obj := ScoreID(c.self())
	o, ok := c.store.Get(obj)
	if !ok {
		return replica.ErrUnknownObject
	}
	v := o.Value
	v.Score += delta
	return c.write(obj, v)
}

func (c *Coordinator) sendValue(u replica.Update) error {
	return c.broadcast(msgValue, u.Object, u.Version, u.Value)
}

func (c *Coordinator) broadcast(t string, obj transport.ObjectID, version uint64, payload any) error {
	b, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	if err := c.handle.Send(obj, version, b); err != nil {
		c.log.Warn().Err(err).Str("type", t).Str("object", string(obj)).Msg("send failed")
		return err
	}
	return nil
}

// publishState brings every guest up to date after someone joined: the
// roster, every object with its authority record, and the values the host is
// responsible for. Guests resend the values they hold themselves.
func (c *Coordinator) publishState() {
	if len(c.participants) < 2 {
		return
	}
	_ = c.broadcast(msgRoster, "", 0, c.roster())
	for _, o := range c.store.Objects() {
		rec, _ := c.registry.Get(o.ID)
		msg := spawnMsg{Kind: o.Kind, Owner: o.Owner, Holder: rec.Holder, Epoch: rec.Epoch, Value: o.Value}
		if err := c.broadcast(msgSpawn, o.ID, 0, msg); err != nil {
			return
		}
		if rec.Holder != c.self() && rec.Held() {
			continue
		}
		if u, ok := c.store.Current(o.ID); ok {
			_ = c.sendValue(u)
		}
	}
}

func (c *Coordinator) resendHeld() {
	for _, obj := range c.registry.HeldBy(c.self()) {
		if u, ok := c.store.Current(obj); ok {
			_ = c.sendValue(u)
		}
	}
}
