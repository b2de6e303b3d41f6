// Package entity holds the identifiers shared by the simulation, the
// culling core and the transport layer.
package entity

import (
	"fmt"
	"math"
)

// ID is an opaque entity handle. Handles are never reused within a run.
type ID uint64

// ClientID identifies a connected peer.
type ClientID uint64

// String returns a short printable form used in log lines.
func (id ID) String() string {
	return fmt.Sprintf("e%d", uint64(id))
}

// String returns a short printable form used in log lines.
func (c ClientID) String() string {
	return fmt.Sprintf("c%d", uint64(c))
}

// Network marks an entity as owned by a remote client.
// Owner is only used for lookup and attribution; the entity's lifetime
// is controlled by the simulation, not by the connection.
type Network struct {
	ID    ID
	Owner ClientID
}

// Vec2 is a position on the XZ plane.
type Vec2 struct {
	X, Y float32
}

// Add returns v + o.
func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{v.X + o.X, v.Y + o.Y}
}

// Scale returns v * s.
func (v Vec2) Scale(s float32) Vec2 {
	return Vec2{v.X * s, v.Y * s}
}

// Len returns the euclidean length.
func (v Vec2) Len() float32 {
	return float32(math.Hypot(float64(v.X), float64(v.Y)))
}

// Normalize returns a unit vector, or the zero vector when v is zero.
func (v Vec2) Normalize() Vec2 {
	l := v.Len()
	if l == 0 {
		return Vec2{}
	}
	return Vec2{v.X / l, v.Y / l}
}

// Distance returns the euclidean distance between v and o.
func (v Vec2) Distance(o Vec2) float32 {
	return Vec2{v.X - o.X, v.Y - o.Y}.Len()
}
