// Package replica keeps the canonical value of every replicated object and
// decides which incoming updates an observer applies.
package replica

import (
	"errors"
	"sort"

	"github.com/kiliankoe/quizsync/internal/authority"
	"github.com/kiliankoe/quizsync/internal/transport"
)

var (
	ErrObjectExists  = errors.New("object already exists")
	ErrUnknownObject = authority.ErrUnknownObject
)

type record struct {
	obj Object

	epoch uint32
	seq   uint32

	sent    Pose
	hasSent bool
}

type pendingUpdate struct {
	update Update
	from   transport.PeerID
}

// Store is not safe for concurrent use; its owner serializes access.
type Store struct {
	reg       *authority.Registry
	custodian transport.PeerID
	objects   map[transport.ObjectID]*record
	pending   map[transport.ObjectID]pendingUpdate
}

func NewStore(reg *authority.Registry) *Store {
	return &Store{
		reg:     reg,
		objects: make(map[transport.ObjectID]*record),
		pending: make(map[transport.ObjectID]pendingUpdate),
	}
}

// SetCustodian names the participant whose updates are accepted for objects
// nobody holds. That is the session host.
func (s *Store) SetCustodian(p transport.PeerID) {
	s.custodian = p
}

// Spawn creates an object. Updates that arrived for it before the spawn are
// applied right away.
func (s *Store) Spawn(id transport.ObjectID, kind Kind, owner transport.PeerID, initial Value) (Object, error) {
	if rec, ok := s.objects[id]; ok {
		return rec.obj, ErrObjectExists
	}
	rec := &record{obj: Object{ID: id, Kind: kind, Owner: owner, Value: initial}}
	s.objects[id] = rec
	s.reg.Track(id)
	if p, ok := s.pending[id]; ok {
		delete(s.pending, id)
		s.accept(rec, p.update, p.from)
	}
	return rec.obj, nil
}

// Remove destroys an object together with its authority record.
func (s *Store) Remove(id transport.ObjectID) bool {
	if _, ok := s.objects[id]; !ok {
		return false
	}
	delete(s.objects, id)
	delete(s.pending, id)
	s.reg.Remove(id)
	return true
}

// RemoveOwnedBy destroys every object owned by p and returns their ids.
func (s *Store) RemoveOwnedBy(p transport.PeerID) []transport.ObjectID {
	var out []transport.ObjectID
	for id, rec := range s.objects {
		if p != "" && rec.obj.Owner == p {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	for _, id := range out {
		s.Remove(id)
	}
	return out
}

// Write sets the canonical value of id. Only the current authority may write;
// the returned update is what must be propagated to observers.
func (s *Store) Write(id transport.ObjectID, v Value, writer transport.PeerID) (Update, error) {
	rec, ok := s.objects[id]
	if !ok {
		return Update{}, ErrUnknownObject
	}
	if err := s.reg.CheckWrite(id, writer); err != nil {
		return Update{}, err
	}
	auth, _ := s.reg.Get(id)
	if rec.epoch != auth.Epoch {
		rec.epoch, rec.seq = auth.Epoch, 0
	}
	rec.seq++
	version := Version(rec.epoch, rec.seq)
	if version <= rec.obj.Version {
		version = rec.obj.Version + 1
		rec.epoch, rec.seq = Epoch(version), uint32(version)
	}
	rec.obj.Value = v
	rec.obj.Version = version
	rec.sent, rec.hasSent = v.Pose, true
	return Update{Object: id, Version: version, Value: v}, nil
}

// Move reflects a new local pose immediately and emits a write only when the
// pose drifted from the last sent one beyond t. The boolean reports whether
// the returned update must be sent.
func (s *Store) Move(id transport.ObjectID, pose Pose, writer transport.PeerID, t Threshold) (Update, bool, error) {
	rec, ok := s.objects[id]
	if !ok {
		return Update{}, false, ErrUnknownObject
	}
	if err := s.reg.CheckWrite(id, writer); err != nil {
		return Update{}, false, err
	}
	if rec.hasSent && !t.Exceeded(rec.sent, pose) {
		rec.obj.Value.Pose = pose
		return Update{}, false, nil
	}
	v := rec.obj.Value
	v.Pose = pose
	u, err := s.Write(id, v, writer)
	return u, err == nil, err
}

// Apply mirrors an update received from another participant. It is applied
// only if from is the object's authority (or the custodian while nobody
// holds it) and its version exceeds the last applied one. prev is the value
// the update replaced.
func (s *Store) Apply(u Update, from transport.PeerID) (prev Value, applied bool) {
	rec, ok := s.objects[u.Object]
	if !ok {
		if p, seen := s.pending[u.Object]; !seen || u.Version > p.update.Version {
			s.pending[u.Object] = pendingUpdate{update: u, from: from}
		}
		return Value{}, false
	}
	return s.accept(rec, u, from)
}

func (s *Store) accept(rec *record, u Update, from transport.PeerID) (Value, bool) {
	holder, _ := s.reg.Holder(rec.obj.ID)
	switch {
	case from == "":
		return Value{}, false
	case holder == from:
	case holder == authority.Unassigned && from == s.custodian:
	default:
		return Value{}, false
	}
	if u.Version <= rec.obj.Version {
		return Value{}, false
	}
	prev := rec.obj.Value
	rec.obj.Value = u.Value
	rec.obj.Version = u.Version
	return prev, true
}

// Current returns the latest versioned value of id for re-broadcast.
func (s *Store) Current(id transport.ObjectID) (Update, bool) {
	rec, ok := s.objects[id]
	if !ok || rec.obj.Version == 0 {
		return Update{}, false
	}
	return Update{Object: id, Version: rec.obj.Version, Value: rec.obj.Value}, true
}

func (s *Store) Get(id transport.ObjectID) (Object, bool) {
	rec, ok := s.objects[id]
	if !ok {
		return Object{}, false
	}
	return rec.obj, true
}

// Objects returns every object sorted by id.
func (s *Store) Objects() []Object {
	out := make([]Object, 0, len(s.objects))
	for _, rec := range s.objects {
		out = append(out, rec.obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
