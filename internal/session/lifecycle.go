package session

import (
	"errors"
	"fmt"

	"github.com/kiliankoe/quizsync/internal/authority"
	"github.com/kiliankoe/quizsync/internal/leaderboard"
	"github.com/kiliankoe/quizsync/internal/replica"
	"github.com/kiliankoe/quizsync/internal/transport"
)

const disconnectedMessage = "Disconnected. Please select Host or Join."

func (c *Coordinator) start(cmd startCmd) (Role, error) {
	c.teardown(nil)
	if err := cmd.ctx.Err(); err != nil {
		return "", err
	}

	var (
		h    transport.Handle
		mode Mode
		err  error
	)
	switch cmd.op {
	case opHost:
		h, err = c.svc.StartAsHost(cmd.ctx, cmd.key, cmd.capacity)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrSessionStart, err)
		}
		mode = ModeHosting
	case opJoin:
		h, err = c.svc.StartAsClient(cmd.ctx, cmd.key, cmd.capacity)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrSessionJoin, err)
		}
		mode = ModeJoining
	case opDiscover:
		c.status(StatusSearching, "Searching for Host...", nil)
		mode = ModeJoining
		h, err = c.svc.StartAsClient(cmd.ctx, cmd.key, cmd.capacity)
		if errors.Is(err, transport.ErrNotFound) {
			c.log.Info().Str("key", cmd.key).Msg("no host found, starting as host")
			mode = ModeHosting
			h, err = c.svc.StartAsHost(cmd.ctx, cmd.key, cmd.capacity)
			if err != nil {
				err = fmt.Errorf("%w: %w", ErrSessionStart, err)
			}
		} else if err != nil {
			err = fmt.Errorf("%w: %w", ErrSessionJoin, err)
		}
	}

	if err != nil {
		if cmd.ctx.Err() != nil {
			// Superseded while connecting; the next request reports status.
			return "", cmd.ctx.Err()
		}
		c.log.Warn().Err(err).Str("key", cmd.key).Msg("session start failed")
		c.status(StatusError, err.Error(), err)
		return "", err
	}
	if cmd.ctx.Err() != nil {
		_ = h.Shutdown()
		return "", cmd.ctx.Err()
	}

	c.bind(h, mode, cmd.capacity)
	if mode == ModeHosting {
		c.log.Info().Str("key", h.Key()).Int("capacity", cmd.capacity).Msg("hosting session")
		c.emit(Event{Kind: EventSessionHosted})
		c.status(StatusHosting, "Hosting session "+h.Key(), nil)
		return RoleHost, nil
	}
	c.log.Info().Str("key", h.Key()).Str("host", string(h.Host())).Msg("joined session")
	c.emit(Event{Kind: EventSessionJoined})
	c.status(StatusJoined, "Joined session "+h.Key(), nil)
	return RoleGuest, nil
}

func (c *Coordinator) bind(h transport.Handle, mode Mode, capacity int) {
	c.reset()
	c.handle = h
	c.events = h.Events()
	c.key = h.Key()
	c.mode = mode
	c.capacity = capacity
	c.store.SetCustodian(h.Host())

	if mode != ModeHosting {
		return
	}
	for _, p := range c.opts.Props {
		if _, err := c.store.Spawn(p.ID, replica.KindProp, "", replica.Value{Pose: p.Pose}); err != nil {
			c.log.Warn().Err(err).Str("object", string(p.ID)).Msg("prop spawn failed")
		}
	}
}

func (c *Coordinator) reset() {
	c.handle = nil
	c.events = nil
	c.key = ""
	c.mode = ModeUnbound
	c.capacity = 0
	c.participants = nil
	c.names = make(map[transport.PeerID]string)
	c.registry = authority.New()
	c.store = replica.NewStore(c.registry)
	c.board = leaderboard.New()
	c.waiters = make(map[transport.ObjectID][]chan error)
}

// teardown leaves the active session, if any, and reports SessionEnded.
func (c *Coordinator) teardown(cause error) {
	if c.handle == nil {
		return
	}
	key := c.key
	if err := c.handle.Shutdown(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("transport shutdown failed")
	}
	failWith := cause
	if failWith == nil {
		failWith = ErrNoSession
	}
	for obj, ws := range c.waiters {
		for _, w := range ws {
			w <- failWith
		}
		delete(c.waiters, obj)
	}
	c.reset()
	c.log.Info().Str("key", key).Msg("session ended")
	c.emit(Event{Kind: EventSessionEnded, Key: key, Err: cause})
}

func (c *Coordinator) shutdown() {
	if c.handle == nil {
		return
	}
	c.teardown(nil)
	c.status(StatusDisconnected, disconnectedMessage, nil)
}

// lost handles the transport dropping the session under us.
func (c *Coordinator) lost(cause error) {
	if c.handle == nil {
		return
	}
	if cause == nil {
		cause = transport.ErrClosed
	}
	err := fmt.Errorf("%w: %w", ErrTransportDisconnected, cause)
	c.log.Warn().Err(err).Str("key", c.key).Msg("session lost")
	c.teardown(err)
	c.status(StatusDisconnected, disconnectedMessage, err)
}
