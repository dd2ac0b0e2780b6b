// Package authority tracks which participant may write each replicated object.
//
// Every object moves through Unassigned -> Held(P) -> Unassigned -> Held(Q).
// Each transition bumps the object's epoch, which mirrors use to discard
// records older than the one they already hold.
package authority

import (
	"errors"
	"sort"

	"github.com/kiliankoe/quizsync/internal/transport"
)

// Unassigned is the holder of an object nobody may write.
const Unassigned transport.PeerID = ""

var (
	ErrAlreadyAssigned = errors.New("object already has an authority")
	ErrNotAuthority    = errors.New("participant is not the object's authority")
	ErrHeld            = errors.New("object is held by another participant")
	ErrUnknownObject   = errors.New("unknown object")
)

// Record is the authority state of one object.
type Record struct {
	Object transport.ObjectID `json:"object"`
	Holder transport.PeerID   `json:"holder"`
	Epoch  uint32             `json:"epoch"`
}

func (r Record) Held() bool { return r.Holder != Unassigned }

// Registry is not safe for concurrent use; its owner serializes access.
type Registry struct {
	records map[transport.ObjectID]*Record
}

func New() *Registry {
	return &Registry{records: make(map[transport.ObjectID]*Record)}
}

// Assign sets the initial holder of obj at spawn time.
func (r *Registry) Assign(obj transport.ObjectID, p transport.PeerID) (Record, error) {
	rec := r.records[obj]
	if rec == nil {
		rec = &Record{Object: obj}
		r.records[obj] = rec
	}
	if rec.Held() {
		return *rec, ErrAlreadyAssigned
	}
	if p != Unassigned {
		rec.Holder = p
		rec.Epoch++
	}
	return *rec, nil
}

// Track registers obj as Unassigned if it is not known yet.
func (r *Registry) Track(obj transport.ObjectID) Record {
	rec := r.records[obj]
	if rec == nil {
		rec = &Record{Object: obj}
		r.records[obj] = rec
	}
	return *rec
}

// RequestTransfer grants obj to p when it is unassigned. A request from the
// current holder is a no-op grant. The first grant wins: while another
// participant holds obj every request fails with ErrHeld until it is released.
func (r *Registry) RequestTransfer(obj transport.ObjectID, p transport.PeerID) (Record, bool, error) {
	rec := r.records[obj]
	if rec == nil {
		return Record{}, false, ErrUnknownObject
	}
	switch rec.Holder {
	case p:
		return *rec, false, nil
	case Unassigned:
		rec.Holder = p
		rec.Epoch++
		return *rec, true, nil
	default:
		return *rec, false, ErrHeld
	}
}

// Release unassigns obj if p holds it and reports whether anything changed.
func (r *Registry) Release(obj transport.ObjectID, p transport.PeerID) (Record, bool) {
	rec := r.records[obj]
	if rec == nil {
		return Record{}, false
	}
	if p == Unassigned || rec.Holder != p {
		return *rec, false
	}
	rec.Holder = Unassigned
	rec.Epoch++
	return *rec, true
}

// RevokeAll unassigns everything p holds. Called when p leaves.
func (r *Registry) RevokeAll(p transport.PeerID) []Record {
	var out []Record
	if p == Unassigned {
		return out
	}
	for _, rec := range r.records {
		if rec.Holder == p {
			rec.Holder = Unassigned
			rec.Epoch++
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out
}

func (r *Registry) Remove(obj transport.ObjectID) {
	delete(r.records, obj)
}

// Apply installs a record received from the arbiter if it is newer than the
// local one.
func (r *Registry) Apply(in Record) bool {
	rec := r.records[in.Object]
	if rec != nil && in.Epoch <= rec.Epoch {
		return false
	}
	cp := in
	r.records[in.Object] = &cp
	return true
}

// CheckWrite fails with ErrNotAuthority unless p currently holds obj.
func (r *Registry) CheckWrite(obj transport.ObjectID, p transport.PeerID) error {
	rec := r.records[obj]
	if rec == nil {
		return ErrUnknownObject
	}
	if p == Unassigned || rec.Holder != p {
		return ErrNotAuthority
	}
	return nil
}

func (r *Registry) Holder(obj transport.ObjectID) (transport.PeerID, bool) {
	rec := r.records[obj]
	if rec == nil {
		return Unassigned, false
	}
	return rec.Holder, true
}

func (r *Registry) Get(obj transport.ObjectID) (Record, bool) {
	rec := r.records[obj]
	if rec == nil {
		return Record{}, false
	}
	return *rec, true
}

// HeldBy lists the objects p holds, sorted by object id.
func (r *Registry) HeldBy(p transport.PeerID) []transport.ObjectID {
	var out []transport.ObjectID
	for obj, rec := range r.records {
		if p != Unassigned && rec.Holder == p {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Object < recs[j].Object })
}
