package culling

import (
	"errors"
	"fmt"
	"log"

	"arena-sync/internal/entity"
)

// ErrMissingVisibility means a viewer's owning client has no visibility
// set, usually because the connection went away before the entity did.
var ErrMissingVisibility = errors.New("client has no visibility mapping")

// Transition records one visibility flip.
type Transition struct {
	Client  entity.ClientID
	Viewer  entity.ID
	Subject entity.ID
	Visible bool
}

// Result summarizes one Evaluate call.
type Result struct {
	Ran             bool
	Transitions     []Transition
	MissingDistance int
	MissingClients  int
}

// Evaluator toggles visibility against a distance threshold.
//
// With Hysteresis == 0 a pair is culled at distance >= Threshold and
// shown below it. A positive Hysteresis widens that into a band:
// hide at >= Threshold+Hysteresis, show at < Threshold-Hysteresis, and
// leave the current state alone in between.
//
// Relevant, when set, is checked before distance: a subject that is not
// relevant to the viewer is never shown, and is hidden if it was visible.
type Evaluator struct {
	Threshold  float32
	Hysteresis float32
	Relevant   func(viewer, subject entity.ID) bool
}

// Evaluate runs only when the cache changed since its last reset.
// Candidates without a cached distance are skipped, not hidden.
// Viewers whose client has no visibility set are logged and skipped.
func (e Evaluator) Evaluate(viewers []entity.Network, candidates []entity.ID, cache *DistanceCache, clients Clients) Result {
	var res Result
	if !cache.Changed() {
		return res
	}
	res.Ran = true

	hideAt := e.Threshold + e.Hysteresis
	showBelow := e.Threshold - e.Hysteresis

	for _, viewer := range viewers {
		vis, ok := clients.Visibility(viewer.Owner)
		if !ok {
			err := fmt.Errorf("%w: viewer %v client %v", ErrMissingVisibility, viewer.ID, viewer.Owner)
			log.Printf("❌ culling: %v, disconnected?", err)
			res.MissingClients++
			continue
		}

		for _, subject := range candidates {
			if subject == viewer.ID {
				continue
			}

			visible := vis.IsVisible(subject)
			if e.Relevant != nil && !e.Relevant(viewer.ID, subject) {
				if visible {
					vis.SetVisibility(subject, false)
					res.Transitions = append(res.Transitions, Transition{viewer.Owner, viewer.ID, subject, false})
				}
				continue
			}

			d, ok := cache.Get(viewer.ID, subject)
			if !ok {
				log.Printf("⚠️ culling: distance %v:%v not found", viewer.ID, subject)
				res.MissingDistance++
				continue
			}

			switch {
			case d.Distance >= hideAt && visible:
				vis.SetVisibility(subject, false)
				res.Transitions = append(res.Transitions, Transition{viewer.Owner, viewer.ID, subject, false})
			case d.Distance < showBelow && !visible:
				vis.SetVisibility(subject, true)
				res.Transitions = append(res.Transitions, Transition{viewer.Owner, viewer.ID, subject, true})
			}
		}
	}
	return res
}
