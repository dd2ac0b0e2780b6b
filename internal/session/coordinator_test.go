package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiliankoe/quizsync/internal/authority"
	"github.com/kiliankoe/quizsync/internal/protocol"
	"github.com/kiliankoe/quizsync/internal/replica"
	"github.com/kiliankoe/quizsync/internal/transport"
	"github.com/kiliankoe/quizsync/internal/transport/memory"
	"github.com/rs/zerolog"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) statuses() []Status {
	var out []Status
	for _, e := range r.kinds(EventStatusChanged) {
		out = append(out, e.Status)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func startCoordinator(t *testing.T, svc transport.Service, props ...PropSpec) (*Coordinator, *recorder) {
	t.Helper()
	rec := &recorder{}
	logger := zerolog.Nop()
	c := New(svc, Options{Props: props, Listener: rec, Logger: &logger})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, rec
}

func participantCount(t *testing.T, c *Coordinator) int {
	t.Helper()
	ps, err := c.Participants(context.Background())
	if err != nil {
		t.Fatalf("should be able to list participants: %v", err)
	}
	return len(ps)
}

func TestHostAndJoin(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	host, hostRec := startCoordinator(t, hub)
	guest, guestRec := startCoordinator(t, hub)

	if err := host.Host(ctx, "Room1", 10); err != nil {
		t.Fatalf("should be able to host: %v", err)
	}
	if err := guest.Join(ctx, "Room1"); err != nil {
		t.Fatalf("should be able to join: %v", err)
	}
	eventually(t, "both participant lists", func() bool {
		return participantCount(t, host) == 2 && participantCount(t, guest) == 2
	})

	if got := len(hostRec.kinds(EventSessionHosted)); got != 1 {
		t.Fatalf("expected one SessionHosted, got %d", got)
	}
	if got := len(guestRec.kinds(EventSessionJoined)); got != 1 {
		t.Fatalf("expected one SessionJoined, got %d", got)
	}
	hs, _ := host.Snapshot(ctx)
	if hs.Mode != ModeHosting || hs.Key != "Room1" || hs.Host != hs.Self {
		t.Fatalf("unexpected host snapshot: %+v", hs)
	}
	gs, _ := guest.Snapshot(ctx)
	if gs.Mode != ModeJoining || gs.Host != hs.Self {
		t.Fatalf("unexpected guest snapshot: %+v", gs)
	}
	if gs.Participants[0].ID != hs.Self || gs.Participants[0].Role != RoleHost {
		t.Fatalf("host should be listed first on the guest, got %+v", gs.Participants)
	}
}

func TestNamesAgreeAcrossPeers(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	host, _ := startCoordinator(t, hub)
	guest, _ := startCoordinator(t, hub)
	_ = host.Host(ctx, "Room1", 10)
	_ = guest.Join(ctx, "Room1")

	hs, _ := host.Snapshot(ctx)
	gs, _ := guest.Snapshot(ctx)

	eventually(t, "host name", func() bool {
		_, err := host.ParticipantName(ctx, hs.Self)
		return err == nil
	})
	hostName, _ := host.ParticipantName(ctx, hs.Self)
	if !strings.HasPrefix(hostName, HostMarker+"Player_") || len(hostName) != len(HostMarker+"Player_")+8 {
		t.Fatalf("unexpected host name %q", hostName)
	}
	eventually(t, "guest name on host", func() bool {
		_, err := host.ParticipantName(ctx, gs.Self)
		return err == nil
	})
	guestName, _ := host.ParticipantName(ctx, gs.Self)
	if !strings.HasPrefix(guestName, "Player_") {
		t.Fatalf("unexpected guest name %q", guestName)
	}

	eventually(t, "roster on guest", func() bool {
		a, err1 := guest.ParticipantName(ctx, hs.Self)
		b, err2 := guest.ParticipantName(ctx, gs.Self)
		return err1 == nil && err2 == nil && a == hostName && b == guestName
	})

	name, err := host.ParticipantName(ctx, "nobody")
	if !errors.Is(err, ErrUnknownParticipant) || name != UnknownName {
		t.Fatalf("expected %q with ErrUnknownParticipant, got %q, %v", UnknownName, name, err)
	}
}

func TestDiscoverOrHost(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	first, rec := startCoordinator(t, hub)
	second, _ := startCoordinator(t, hub)

	role, err := first.DiscoverOrHost(ctx, "RoomX", 10)
	if err != nil {
		t.Fatalf("should fall back to hosting: %v", err)
	}
	if role != RoleHost {
		t.Fatalf("expected RoleHost, got %s", role)
	}
	statuses := rec.statuses()
	if len(statuses) < 2 || statuses[0] != StatusSearching || statuses[1] != StatusHosting {
		t.Fatalf("expected Searching then Hosting, got %v", statuses)
	}
	if len(rec.kinds(EventSessionJoined)) != 0 {
		t.Fatalf("fallback host must not report SessionJoined")
	}

	role, err = second.DiscoverOrHost(ctx, "RoomX", 10)
	if err != nil {
		t.Fatalf("should join the existing session: %v", err)
	}
	if role != RoleGuest {
		t.Fatalf("expected RoleGuest, got %s", role)
	}
}

func TestJoinMissingSession(t *testing.T) {
	c, rec := startCoordinator(t, memory.NewHub())
	err := c.Join(context.Background(), "Nope")
	if !errors.Is(err, ErrSessionJoin) || !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrSessionJoin wrapping ErrNotFound, got %v", err)
	}
	statuses := rec.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != StatusError {
		t.Fatalf("expected an Error status, got %v", statuses)
	}
	s, _ := c.Snapshot(context.Background())
	if s.Mode != ModeUnbound {
		t.Fatalf("failed join should leave the coordinator unbound, got %s", s.Mode)
	}
}

func TestHostTakenKey(t *testing.T) {
	hub := memory.NewHub()
	a, _ := startCoordinator(t, hub)
	b, _ := startCoordinator(t, hub)
	if err := a.Host(context.Background(), "Room1", 10); err != nil {
		t.Fatalf("should be able to host: %v", err)
	}
	err := b.Host(context.Background(), "Room1", 10)
	if !errors.Is(err, ErrSessionStart) || !errors.Is(err, transport.ErrKeyTaken) {
		t.Fatalf("expected ErrSessionStart wrapping ErrKeyTaken, got %v", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	c, rec := startCoordinator(t, memory.NewHub())
	ctx := context.Background()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown without a session should be a no-op: %v", err)
	}
	if len(rec.kinds(EventSessionEnded)) != 0 {
		t.Fatalf("no-op shutdown must not emit SessionEnded")
	}
	_ = c.Host(ctx, "Room1", 10)
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("should be able to shut down: %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown should be a no-op: %v", err)
	}
	if got := len(rec.kinds(EventSessionEnded)); got != 1 {
		t.Fatalf("expected exactly one SessionEnded, got %d", got)
	}
	s, _ := c.Snapshot(ctx)
	if s.Mode != ModeUnbound || len(s.Participants) != 0 {
		t.Fatalf("expected empty unbound snapshot, got %+v", s)
	}
	statuses := rec.statuses()
	if statuses[len(statuses)-1] != StatusDisconnected {
		t.Fatalf("expected Disconnected status last, got %v", statuses)
	}
}

func TestHostingAgainReplacesSession(t *testing.T) {
	hub := memory.NewHub()
	c, rec := startCoordinator(t, hub)
	ctx := context.Background()
	_ = c.Host(ctx, "Room1", 10)
	if err := c.Host(ctx, "Room2", 10); err != nil {
		t.Fatalf("should be able to host again: %v", err)
	}
	ended := rec.kinds(EventSessionEnded)
	if len(ended) != 1 || ended[0].Key != "Room1" {
		t.Fatalf("expected Room1 to end, got %+v", ended)
	}
	if sessions := hub.Sessions(); len(sessions) != 1 || sessions[0].Key != "Room2" {
		t.Fatalf("expected only Room2 to remain, got %+v", sessions)
	}
}

func TestAuthorityTransferAndRecovery(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	cube := PropSpec{ID: "prop/cube", Pose: replica.Pose{Rotation: replica.Identity}}
	host, _ := startCoordinator(t, hub, cube)
	guest, _ := startCoordinator(t, hub, cube)
	_ = host.Host(ctx, "Room1", 10)
	_ = guest.Join(ctx, "Room1")

	eventually(t, "prop on guest", func() bool {
		_, err := guest.Object(ctx, cube.ID)
		return err == nil
	})
	gs, _ := guest.Snapshot(ctx)

	if err := guest.RequestTransfer(ctx, cube.ID); err != nil {
		t.Fatalf("guest should win the unassigned prop: %v", err)
	}
	holder, _ := host.Holder(ctx, cube.ID)
	if holder != gs.Self {
		t.Fatalf("host should record the guest as holder, got %q", holder)
	}
	if err := host.RequestTransfer(ctx, cube.ID); !errors.Is(err, authority.ErrHeld) {
		t.Fatalf("second claim should fail with ErrHeld, got %v", err)
	}

	moved := replica.Value{Pose: replica.Pose{Position: replica.Vec3{X: 1}, Rotation: replica.Identity}}
	if err := host.Write(ctx, cube.ID, moved); !errors.Is(err, authority.ErrNotAuthority) {
		t.Fatalf("non-holder write should be rejected, got %v", err)
	}
	if err := guest.Write(ctx, cube.ID, moved); err != nil {
		t.Fatalf("holder should be able to write: %v", err)
	}
	eventually(t, "value on host", func() bool {
		o, _ := host.Object(ctx, cube.ID)
		return o.Value.Pose.Position.X == 1
	})

	if err := guest.Shutdown(ctx); err != nil {
		t.Fatalf("guest should be able to leave: %v", err)
	}
	eventually(t, "authority revoked", func() bool {
		h, _ := host.Holder(ctx, cube.ID)
		return h == authority.Unassigned
	})
	if _, err := host.Object(ctx, AvatarID(gs.Self)); !errors.Is(err, replica.ErrUnknownObject) {
		t.Fatalf("departed guest's avatar should be removed, got %v", err)
	}
	if err := host.RequestTransfer(ctx, cube.ID); err != nil {
		t.Fatalf("prop should be claimable again: %v", err)
	}
}

func TestReleaseHandsBackToHost(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	cube := PropSpec{ID: "prop/cube"}
	host, _ := startCoordinator(t, hub, cube)
	guest, _ := startCoordinator(t, hub)
	_ = host.Host(ctx, "Room1", 10)
	_ = guest.Join(ctx, "Room1")
	eventually(t, "prop on guest", func() bool {
		_, err := guest.Object(ctx, cube.ID)
		return err == nil
	})

	if err := guest.RequestTransfer(ctx, cube.ID); err != nil {
		t.Fatalf("should be able to claim: %v", err)
	}
	if err := guest.Release(ctx, cube.ID); err != nil {
		t.Fatalf("should be able to release: %v", err)
	}
	eventually(t, "release on host", func() bool {
		h, _ := host.Holder(ctx, cube.ID)
		return h == authority.Unassigned
	})
	if err := host.RequestTransfer(ctx, cube.ID); err != nil {
		t.Fatalf("host should be able to claim after release: %v", err)
	}
}

func TestAvatarMovesReplicate(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	host, _ := startCoordinator(t, hub)
	guest, _ := startCoordinator(t, hub)
	_ = host.Host(ctx, "Room1", 10)
	_ = guest.Join(ctx, "Room1")
	hs, _ := host.Snapshot(ctx)

	eventually(t, "host avatar on guest", func() bool {
		_, err := guest.Object(ctx, AvatarID(hs.Self))
		return err == nil
	})
	pose := replica.Pose{Position: replica.Vec3{Y: 2}, Rotation: replica.Identity}
	if err := host.MoveAvatar(ctx, pose); err != nil {
		t.Fatalf("should be able to move own avatar: %v", err)
	}
	eventually(t, "avatar pose on guest", func() bool {
		o, _ := guest.Object(ctx, AvatarID(hs.Self))
		return o.Value.Pose.Position.Y == 2
	})
}

func TestScoreReachesLeaderboard(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	host, hostRec := startCoordinator(t, hub)
	guest, _ := startCoordinator(t, hub)
	_ = host.Host(ctx, "Room1", 10)
	_ = guest.Join(ctx, "Room1")
	gs, _ := guest.Snapshot(ctx)
	eventually(t, "score object on guest", func() bool {
		_, err := guest.Object(ctx, ScoreID(gs.Self))
		return err == nil
	})

	if err := guest.AddScore(ctx, 10); err != nil {
		t.Fatalf("should be able to add score: %v", err)
	}
	if err := guest.AddScore(ctx, 10); err != nil {
		t.Fatalf("should be able to add score: %v", err)
	}
	guestName, _ := host.ParticipantName(ctx, gs.Self)
	eventually(t, "guest score on host", func() bool {
		entries, _ := host.Leaderboard(ctx)
		return len(entries) == 2 && entries[0].Name == guestName && entries[0].Score == 20
	})
	if len(hostRec.kinds(EventLeaderboardChanged)) == 0 {
		t.Fatalf("expected LeaderboardChanged events")
	}

	seq, err := guest.Rank(ctx)
	if err != nil {
		t.Fatalf("should be able to rank: %v", err)
	}
	for name, score := range seq {
		if name != guestName || score != 20 {
			t.Fatalf("expected %s first with 20, got %s with %d", guestName, name, score)
		}
		break
	}
}

func TestHostLeaveDisconnectsGuest(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	host, _ := startCoordinator(t, hub)
	guest, guestRec := startCoordinator(t, hub)
	_ = host.Host(ctx, "Room1", 10)
	_ = guest.Join(ctx, "Room1")

	if err := host.Shutdown(ctx); err != nil {
		t.Fatalf("host should be able to leave: %v", err)
	}
	eventually(t, "guest session end", func() bool {
		return len(guestRec.kinds(EventSessionEnded)) == 1
	})
	ended := guestRec.kinds(EventSessionEnded)[0]
	if !errors.Is(ended.Err, ErrTransportDisconnected) || !errors.Is(ended.Err, transport.ErrHostLeft) {
		t.Fatalf("expected host-left disconnect, got %v", ended.Err)
	}
	s, _ := guest.Snapshot(ctx)
	if s.Mode != ModeUnbound {
		t.Fatalf("guest should be unbound, got %s", s.Mode)
	}
	if err := guest.AddScore(ctx, 1); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after disconnect, got %v", err)
	}
}

func TestDuplicateConnectIsIgnored(t *testing.T) {
	h := newFakeHandle("self")
	c, rec := startCoordinator(t, &fakeService{handle: h})
	ctx := context.Background()
	if err := c.Host(ctx, "Room1", 10); err != nil {
		t.Fatalf("should be able to host: %v", err)
	}
	h.events <- transport.Event{Kind: transport.ParticipantConnected, Peer: "self"}
	h.events <- transport.Event{Kind: transport.ParticipantConnected, Peer: "self"}
	h.events <- transport.Event{Kind: transport.ParticipantConnected, Peer: "other"}

	eventually(t, "guest connect", func() bool { return participantCount(t, c) == 2 })
	if got := len(rec.kinds(EventParticipantJoined)); got != 2 {
		t.Fatalf("expected two joins, got %d", got)
	}
	h.events <- transport.Event{Kind: transport.ParticipantDisconnected, Peer: "stranger"}
	h.events <- transport.Event{Kind: transport.ParticipantDisconnected, Peer: "other"}
	eventually(t, "guest leave", func() bool { return participantCount(t, c) == 1 })
	left := rec.kinds(EventParticipantLeft)
	if len(left) != 1 || left[0].Participant.Liveness != Left {
		t.Fatalf("expected one departure marked Left, got %+v", left)
	}
}

func TestNewRequestSupersedesPendingJoin(t *testing.T) {
	svc := &fakeService{handle: newFakeHandle("self"), blockJoin: make(chan struct{})}
	c, _ := startCoordinator(t, svc)
	ctx := context.Background()

	joined := make(chan error, 1)
	go func() { joined <- c.Join(ctx, "Slow") }()
	<-svc.blockJoin

	if err := c.Host(ctx, "Room2", 10); err != nil {
		t.Fatalf("host request should go through: %v", err)
	}
	select {
	case err := <-joined:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("superseded join should report cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("superseded join never returned")
	}
	s, _ := c.Snapshot(ctx)
	if s.Key != "Room2" || s.Mode != ModeHosting {
		t.Fatalf("expected to host Room2, got %+v", s)
	}
}

type fakeService struct {
	handle    *fakeHandle
	client    *fakeHandle
	blockJoin chan struct{}
}

func (f *fakeService) StartAsHost(_ context.Context, key string, _ int) (transport.Handle, error) {
	f.handle.key = key
	return f.handle, nil
}

func (f *fakeService) StartAsClient(ctx context.Context, key string, _ int) (transport.Handle, error) {
	if f.blockJoin != nil {
		close(f.blockJoin)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.client != nil {
		f.client.key = key
		return f.client, nil
	}
	return nil, transport.ErrNotFound
}

type fakeHandle struct {
	key    string
	self   transport.PeerID
	host   transport.PeerID
	events chan transport.Event

	mu   sync.Mutex
	sent []string
}

func newFakeHandle(self transport.PeerID) *fakeHandle {
	return &fakeHandle{self: self, host: self, events: make(chan transport.Event, 16)}
}

func (h *fakeHandle) Key() string                    { return h.key }
func (h *fakeHandle) Self() transport.PeerID         { return h.self }
func (h *fakeHandle) Host() transport.PeerID         { return h.host }
func (h *fakeHandle) Events() <-chan transport.Event { return h.events }
func (h *fakeHandle) Shutdown() error                { return nil }

func (h *fakeHandle) Send(_ transport.ObjectID, _ uint64, b []byte) error {
	env, err := protocol.DecodeEnvelope(b)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, env.T)
	return nil
}

func (h *fakeHandle) sentTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

// deliver queues a message from the host as if it arrived over the transport.
func (h *fakeHandle) deliver(t *testing.T, typ string, obj transport.ObjectID, payload any) {
	t.Helper()
	b, err := protocol.Encode(typ, payload)
	if err != nil {
		t.Fatalf("should be able to encode %s: %v", typ, err)
	}
	h.events <- transport.Event{Kind: transport.DataReceived, From: h.host, Object: obj, Payload: b}
}

func TestDropSendsFinalPoseAndReleases(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	cube := PropSpec{ID: "prop/cube", Pose: replica.Pose{Rotation: replica.Identity}}
	host, _ := startCoordinator(t, hub, cube)
	guest, _ := startCoordinator(t, hub)
	_ = host.Host(ctx, "Room1", 10)
	_ = guest.Join(ctx, "Room1")
	eventually(t, "prop on guest", func() bool {
		_, err := guest.Object(ctx, cube.ID)
		return err == nil
	})
	if err := guest.RequestTransfer(ctx, cube.ID); err != nil {
		t.Fatalf("should be able to grab: %v", err)
	}

	// Below the drift threshold, so Move alone would not send it.
	final := replica.Pose{Position: replica.Vec3{X: 0.05}, Rotation: replica.Identity}
	if err := guest.Drop(ctx, cube.ID, final); err != nil {
		t.Fatalf("should be able to drop: %v", err)
	}
	eventually(t, "final pose and release on host", func() bool {
		o, _ := host.Object(ctx, cube.ID)
		h, _ := host.Holder(ctx, cube.ID)
		return o.Value.Pose.Position.X == 0.05 && h == authority.Unassigned
	})
}

func TestLateJoinerSeesEarlierScores(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	host, _ := startCoordinator(t, hub)
	guest, _ := startCoordinator(t, hub)
	if err := host.Host(ctx, "Room1", 10); err != nil {
		t.Fatalf("should be able to host: %v", err)
	}
	hs, _ := host.Snapshot(ctx)
	eventually(t, "host score object", func() bool {
		_, err := host.Object(ctx, ScoreID(hs.Self))
		return err == nil
	})
	if err := host.AddScore(ctx, 30); err != nil {
		t.Fatalf("should be able to add score: %v", err)
	}

	if err := guest.Join(ctx, "Room1"); err != nil {
		t.Fatalf("should be able to join: %v", err)
	}
	hostName, _ := host.ParticipantName(ctx, hs.Self)
	eventually(t, "host score on the late joiner", func() bool {
		entries, _ := guest.Leaderboard(ctx)
		return len(entries) == 2 && entries[0].Name == hostName && entries[0].Score == 30
	})

	// Later points still arrive as deltas on top of the spawned total.
	if err := host.AddScore(ctx, 10); err != nil {
		t.Fatalf("should be able to add score: %v", err)
	}
	eventually(t, "updated host score on the late joiner", func() bool {
		entries, _ := guest.Leaderboard(ctx)
		return len(entries) == 2 && entries[0].Score == 40
	})
}

func TestGuestClaimWaitsThroughOtherGrants(t *testing.T) {
	h := newFakeHandle("guest")
	h.host = "host"
	c, _ := startCoordinator(t, &fakeService{client: h})
	ctx := context.Background()
	if err := c.Join(ctx, "Room1"); err != nil {
		t.Fatalf("should be able to join: %v", err)
	}
	const cube = transport.ObjectID("prop/cube")
	h.deliver(t, msgSpawn, cube, spawnMsg{Kind: replica.KindProp})
	eventually(t, "prop spawned", func() bool {
		_, err := c.Object(ctx, cube)
		return err == nil
	})

	claimed := make(chan error, 1)
	go func() { claimed <- c.RequestTransfer(ctx, cube) }()
	eventually(t, "claim sent", func() bool {
		sent := h.sentTypes()
		return len(sent) > 0 && sent[len(sent)-1] == msgClaim
	})

	// The host grabs and releases the prop before our claim reaches it.
	h.deliver(t, msgGrant, cube, grantMsg{Holder: "host", Epoch: 1})
	eventually(t, "prop taken by the host", func() bool {
		holder, _ := c.Holder(ctx, cube)
		return holder == "host"
	})
	h.deliver(t, msgGrant, cube, grantMsg{Epoch: 2})
	eventually(t, "prop released again", func() bool {
		holder, err := c.Holder(ctx, cube)
		return err == nil && holder == authority.Unassigned
	})
	select {
	case err := <-claimed:
		t.Fatalf("claim should still be pending, got %v", err)
	default:
	}

	h.deliver(t, msgGrant, cube, grantMsg{Holder: "guest", Epoch: 3})
	select {
	case err := <-claimed:
		if err != nil {
			t.Fatalf("should be able to take the prop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("claim never resolved")
	}
	if holder, _ := c.Holder(ctx, cube); holder != "guest" {
		t.Fatalf("expected guest to hold the prop, got %q", holder)
	}
}

func TestGuestClaimDenied(t *testing.T) {
	h := newFakeHandle("guest")
	h.host = "host"
	c, _ := startCoordinator(t, &fakeService{client: h})
	ctx := context.Background()
	_ = c.Join(ctx, "Room1")
	const cube = transport.ObjectID("prop/cube")
	h.deliver(t, msgSpawn, cube, spawnMsg{Kind: replica.KindProp, Holder: "other", Epoch: 1})
	eventually(t, "prop spawned", func() bool {
		_, err := c.Object(ctx, cube)
		return err == nil
	})

	claimed := make(chan error, 1)
	go func() { claimed <- c.RequestTransfer(ctx, cube) }()
	eventually(t, "claim sent", func() bool {
		sent := h.sentTypes()
		return len(sent) > 0 && sent[len(sent)-1] == msgClaim
	})
	h.deliver(t, msgDeny, cube, denyMsg{Requester: "guest"})
	select {
	case err := <-claimed:
		if !errors.Is(err, authority.ErrHeld) {
			t.Fatalf("expected ErrHeld, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("claim never resolved")
	}
}

func TestShutdownCancelsPendingJoin(t *testing.T) {
	svc := &fakeService{handle: newFakeHandle("self"), blockJoin: make(chan struct{})}
	c, _ := startCoordinator(t, svc)
	ctx := context.Background()

	joined := make(chan error, 1)
	go func() { joined <- c.Join(ctx, "Slow") }()
	<-svc.blockJoin

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("should be able to shut down: %v", err)
	}
	select {
	case err := <-joined:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("pending join should report cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending join never returned")
	}
	c.attemptMu.Lock()
	left := c.cancelAttempt
	c.attemptMu.Unlock()
	if left != nil {
		t.Fatal("shutdown should not leave an attempt behind")
	}
}
