// Package session negotiates hosting or joining a session, keeps the
// participant list, and drives authority hand-off and value replication for
// every replicated object.
//
// All state is owned by one goroutine (Run). Public methods may be called
// from any goroutine; they are queued onto that goroutine and wait for it.
// Host, Join, DiscoverOrHost and Shutdown hold the goroutine while the
// transport connects, so nothing observes a half-started session.
package session

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/kiliankoe/quizsync/internal/authority"
	"github.com/kiliankoe/quizsync/internal/leaderboard"
	"github.com/kiliankoe/quizsync/internal/replica"
	"github.com/kiliankoe/quizsync/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionStart          = errors.New("session start rejected")
	ErrSessionJoin           = errors.New("session join failed")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrNoSession             = errors.New("no active session")
	ErrUnknownParticipant    = errors.New("unknown participant")
	ErrStopped               = errors.New("coordinator stopped")
)

type Options struct {
	// NamePrefix precedes the generated part of every display name.
	NamePrefix string
	Threshold  replica.Threshold
	// Props are spawned by the host path only.
	Props    []PropSpec
	Listener Listener
	Logger   *zerolog.Logger
}

type Coordinator struct {
	svc      transport.Service
	opts     Options
	log      zerolog.Logger
	listener Listener

	inbox chan any
	done  chan struct{}

	attemptMu     sync.Mutex
	cancelAttempt context.CancelFunc

	// Everything below is owned by Run.
	handle       transport.Handle
	events       <-chan transport.Event
	key          string
	mode         Mode
	capacity     int
	participants []*Participant
	names        map[transport.PeerID]string
	registry     *authority.Registry
	store        *replica.Store
	board        *leaderboard.Board
	waiters      map[transport.ObjectID][]chan error
}

func New(svc transport.Service, opts Options) *Coordinator {
	if opts.NamePrefix == "" {
		opts.NamePrefix = "Player_"
	}
	if opts.Threshold == (replica.Threshold{}) {
		opts.Threshold = replica.DefaultThreshold
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Coordinator{
		svc:      svc,
		opts:     opts,
		log:      logger.With().Str("component", "session").Logger(),
		listener: opts.Listener,
		inbox:    make(chan any, 64),
		done:     make(chan struct{}),
		mode:     ModeUnbound,
	}
	c.reset()
	return c
}

// Run processes queued calls and transport events until ctx is done, then
// leaves any active session.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.teardown(nil)
			return ctx.Err()
		case cmd := <-c.inbox:
			c.handleCommand(cmd)
		case ev, ok := <-c.events:
			if !ok {
				c.lost(transport.ErrClosed)
				continue
			}
			c.handleTransport(ev)
		}
	}
}

type startOp int

const (
	opHost startOp = iota
	opJoin
	opDiscover
)

type startCmd struct {
	ctx      context.Context
	op       startOp
	key      string
	capacity int
	reply    chan<- startResult
}

type startResult struct {
	role Role
	err  error
}

type shutdownCmd struct {
	reply chan<- struct{}
}

type claimCmd struct {
	obj   transport.ObjectID
	reply chan error
}

type callCmd struct {
	fn   func()
	done chan<- struct{}
}

func (c *Coordinator) handleCommand(cmd any) {
	switch cmd := cmd.(type) {
	case startCmd:
		role, err := c.start(cmd)
		cmd.reply <- startResult{role: role, err: err}
	case shutdownCmd:
		c.shutdown()
		close(cmd.reply)
	case claimCmd:
		c.claim(cmd.obj, cmd.reply)
	case callCmd:
		cmd.fn()
		close(cmd.done)
	}
}

// Host tears down any previous session and starts a new one as host.
func (c *Coordinator) Host(ctx context.Context, key string, capacity int) error {
	_, err := c.startAndWait(ctx, opHost, key, capacity)
	return err
}

// Join tears down any previous session and joins key as a guest.
func (c *Coordinator) Join(ctx context.Context, key string) error {
	_, err := c.startAndWait(ctx, opJoin, key, 0)
	return err
}

// DiscoverOrHost joins key if such a session exists and hosts it otherwise.
// Exactly one of SessionJoined or SessionHosted is emitted on success.
func (c *Coordinator) DiscoverOrHost(ctx context.Context, key string, capacity int) (Role, error) {
	return c.startAndWait(ctx, opDiscover, key, capacity)
}

// Shutdown leaves the active session. It is a no-op without one.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancelPending()
	reply := make(chan struct{})
	if err := c.enqueue(ctx, shutdownCmd{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) startAndWait(ctx context.Context, op startOp, key string, capacity int) (Role, error) {
	attempt := c.supersede(ctx)
	reply := make(chan startResult, 1)
	if err := c.enqueue(ctx, startCmd{ctx: attempt, op: op, key: key, capacity: capacity, reply: reply}); err != nil {
		return "", err
	}
	select {
	case res := <-reply:
		return res.role, res.err
	case <-c.done:
		return "", ErrStopped
	}
}

// supersede cancels an in-flight start so the queued request runs right
// after it has been torn down.
func (c *Coordinator) supersede(parent context.Context) context.Context {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancelAttempt = cancel
	return ctx
}

// cancelPending cancels an in-flight start without starting a new attempt.
func (c *Coordinator) cancelPending() {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
}

func (c *Coordinator) enqueue(ctx context.Context, cmd any) error {
	select {
	case c.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// call runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := c.enqueue(ctx, callCmd{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// RequestTransfer asks for write authority over obj on behalf of the local
// participant. A host decides immediately; a guest waits for the host's
// answer. It fails with authority.ErrHeld while someone else holds obj.
func (c *Coordinator) RequestTransfer(ctx context.Context, obj transport.ObjectID) error {
	reply := make(chan error, 1)
	if err := c.enqueue(ctx, claimCmd{obj: obj, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Release gives up authority over obj. Releasing an object the local
// participant does not hold is a no-op.
func (c *Coordinator) Release(ctx context.Context, obj transport.ObjectID) error {
	var err error
	if cerr := c.call(ctx, func() { err = c.release(obj) }); cerr != nil {
		return cerr
	}
	return err
}

// Write sets obj's value. Writes by a non-holder fail with
// authority.ErrNotAuthority and are dropped.
func (c *Coordinator) Write(ctx context.Context, obj transport.ObjectID, v replica.Value) error {
	var err error
	if cerr := c.call(ctx, func() { err = c.write(obj, v) }); cerr != nil {
		return cerr
	}
	return err
}

// Move updates the pose of an object the local participant holds, sending it
// only once it drifted beyond the configured threshold.
func (c *Coordinator) Move(ctx context.Context, obj transport.ObjectID, pose replica.Pose) error {
	var err error
	if cerr := c.call(ctx, func() { err = c.move(obj, pose) }); cerr != nil {
		return cerr
	}
	return err
}

// Drop ends a grab: it sends the final pose regardless of the drift
// threshold and then releases obj.
func (c *Coordinator) Drop(ctx context.Context, obj transport.ObjectID, pose replica.Pose) error {
	var err error
	if cerr := c.call(ctx, func() { err = c.drop(obj, pose) }); cerr != nil {
		return cerr
	}
	return err
}

// MoveAvatar moves the local participant's avatar.
func (c *Coordinator) MoveAvatar(ctx context.Context, pose replica.Pose) error {
	var err error
	cerr := c.call(ctx, func() {
		if c.handle == nil {
			err = ErrNoSession
			return
		}
		err = c.move(AvatarID(c.handle.Self()), pose)
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// AddScore adds delta to the local participant's replicated score.
func (c *Coordinator) AddScore(ctx context.Context, delta int) error {
	var err error
	if cerr := c.call(ctx, func() { err = c.addScore(delta) }); cerr != nil {
		return cerr
	}
	return err
}

// Snapshot returns the active session, or a zero Session in ModeUnbound.
func (c *Coordinator) Snapshot(ctx context.Context) (Session, error) {
	var s Session
	err := c.call(ctx, func() {
		s = Session{Key: c.key, Mode: c.mode, Capacity: c.capacity, Participants: c.participantList()}
		if c.handle != nil {
			s.Self, s.Host = c.handle.Self(), c.handle.Host()
		}
	})
	return s, err
}

func (c *Coordinator) Participants(ctx context.Context) ([]Participant, error) {
	var out []Participant
	err := c.call(ctx, func() { out = c.participantList() })
	return out, err
}

// ParticipantName returns the display name of id. Unknown ids resolve to
// UnknownName together with ErrUnknownParticipant.
func (c *Coordinator) ParticipantName(ctx context.Context, id transport.PeerID) (string, error) {
	var (
		name string
		ok   bool
	)
	if err := c.call(ctx, func() { name, ok = c.names[id] }); err != nil {
		return UnknownName, err
	}
	if !ok {
		return UnknownName, ErrUnknownParticipant
	}
	return name, nil
}

func (c *Coordinator) Holder(ctx context.Context, obj transport.ObjectID) (transport.PeerID, error) {
	var (
		holder transport.PeerID
		ok     bool
	)
	if err := c.call(ctx, func() { holder, ok = c.registry.Holder(obj) }); err != nil {
		return authority.Unassigned, err
	}
	if !ok {
		return authority.Unassigned, authority.ErrUnknownObject
	}
	return holder, nil
}

func (c *Coordinator) Object(ctx context.Context, obj transport.ObjectID) (replica.Object, error) {
	var (
		o  replica.Object
		ok bool
	)
	if err := c.call(ctx, func() { o, ok = c.store.Get(obj) }); err != nil {
		return replica.Object{}, err
	}
	if !ok {
		return replica.Object{}, replica.ErrUnknownObject
	}
	return o, nil
}

func (c *Coordinator) Leaderboard(ctx context.Context) ([]leaderboard.Entry, error) {
	var out []leaderboard.Entry
	err := c.call(ctx, func() { out = c.board.Entries() })
	return out, err
}

// Rank returns a snapshot sequence of the leaderboard.
func (c *Coordinator) Rank(ctx context.Context) (iter.Seq2[string, int], error) {
	var seq iter.Seq2[string, int]
	err := c.call(ctx, func() { seq = c.board.Rank() })
	return seq, err
}

func (c *Coordinator) emit(ev Event) {
	if ev.Key == "" {
		ev.Key = c.key
	}
	if c.listener != nil {
		c.listener.HandleEvent(ev)
	}
}

func (c *Coordinator) status(s Status, msg string, err error) {
	c.emit(Event{Kind: EventStatusChanged, Status: s, Message: msg, Err: err})
}

func (c *Coordinator) self() transport.PeerID {
	if c.handle == nil {
		return ""
	}
	return c.handle.Self()
}

func (c *Coordinator) isHost() bool {
	return c.handle != nil && c.handle.Self() == c.handle.Host()
}
