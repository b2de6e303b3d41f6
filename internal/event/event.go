// Package event defines the capability every client-originated event must
// satisfy before it can enter a snapshot buffer, plus the concrete kinds
// the game sends.
package event

import (
	"errors"
	"fmt"
	"math"
)

// Event is a producer-sequenced, producer-timestamped client event.
//
// Index is assigned monotonically by the producer. Timestamp is the
// producer's clock in seconds; it is only ever compared against other
// timestamps from the same producer.
type Event interface {
	Index() uint64
	Timestamp() float64
	Validate() error
}

// Kind identifies a concrete event type on the wire.
type Kind string

const (
	KindMovement Kind = "movement"
	KindFire     Kind = "fire"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid event")

// Movement2D is a movement intent on the XZ plane.
type Movement2D struct {
	Seq   uint64  `json:"index"`
	Time  float64 `json:"timestamp"`
	AxisX float32 `json:"axisX"`
	AxisY float32 `json:"axisY"`
}

func (m Movement2D) Index() uint64      { return m.Seq }
func (m Movement2D) Timestamp() float64 { return m.Time }

// Validate rejects non-finite values and axes outside [-1, 1].
// A zero axis is a valid "stop" intent.
func (m Movement2D) Validate() error {
	if err := validateTimestamp(m.Time); err != nil {
		return err
	}
	for _, a := range []float32{m.AxisX, m.AxisY} {
		f := float64(a)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite axis", ErrInvalid)
		}
		if f < -1 || f > 1 {
			return fmt.Errorf("%w: axis %v out of range", ErrInvalid, a)
		}
	}
	return nil
}

// Fire is a fire action. Its timestamp is used to look up where every
// other entity was when the shot was taken.
type Fire struct {
	Seq  uint64  `json:"index"`
	Time float64 `json:"timestamp"`
}

func (f Fire) Index() uint64      { return f.Seq }
func (f Fire) Timestamp() float64 { return f.Time }

// Validate rejects non-finite or negative timestamps.
func (f Fire) Validate() error {
	return validateTimestamp(f.Time)
}

func validateTimestamp(ts float64) error {
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return fmt.Errorf("%w: non-finite timestamp", ErrInvalid)
	}
	if ts < 0 {
		return fmt.Errorf("%w: negative timestamp %v", ErrInvalid, ts)
	}
	return nil
}
