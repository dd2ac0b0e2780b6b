package replica

import (
	"math"

	"github.com/kiliankoe/quizsync/internal/transport"
)

type Kind string

const (
	KindAvatar Kind = "Avatar"
	KindProp   Kind = "Prop"
	KindScore  Kind = "Score"
)

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Distance(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Identity is the zero rotation.
var Identity = Quat{W: 1}

// Angle returns the angle in degrees between two rotations.
func (q Quat) Angle(o Quat) float64 {
	dot := math.Abs(q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W)
	if dot > 1 {
		dot = 1
	}
	return 2 * math.Acos(dot) * 180 / math.Pi
}

type Pose struct {
	Position Vec3 `json:"position"`
	Rotation Quat `json:"rotation"`
}

// Value is the payload carried by a replicated object: a pose for avatars and
// props, a cumulative score for score objects.
type Value struct {
	Pose  Pose `json:"pose"`
	Score int  `json:"score"`
}

// Object is a snapshot of one replicated object.
type Object struct {
	ID      transport.ObjectID `json:"id"`
	Kind    Kind               `json:"kind"`
	Owner   transport.PeerID   `json:"owner,omitempty"`
	Value   Value              `json:"value"`
	Version uint64             `json:"version"`
}

// Update is one authority write as it travels to observers.
type Update struct {
	Object  transport.ObjectID
	Version uint64
	Value   Value
}

// Version packs an authority epoch and a per-epoch sequence number so every
// write made under a newer grant orders after all writes of older grants.
func Version(epoch uint32, seq uint32) uint64 {
	return uint64(epoch)<<32 | uint64(seq)
}

// Epoch extracts the authority epoch from a version.
func Epoch(version uint64) uint32 {
	return uint32(version >> 32)
}

// Threshold bounds how far a local pose may drift from the last sent one
// before the authority emits a new write.
type Threshold struct {
	Distance float64
	Angle    float64 // degrees
}

// DefaultThreshold matches the grab interaction of the VR client.
var DefaultThreshold = Threshold{Distance: 0.1, Angle: 1}

// Exceeded reports whether cur drifted from last beyond t.
func (t Threshold) Exceeded(last, cur Pose) bool {
	return last.Position.Distance(cur.Position) > t.Distance || last.Rotation.Angle(cur.Rotation) > t.Angle
}
