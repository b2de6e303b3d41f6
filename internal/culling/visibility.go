package culling

import (
	"sort"

	"arena-sync/internal/entity"
)

// Visibility is one client's per-entity replication switch.
type Visibility interface {
	IsVisible(id entity.ID) bool
	SetVisibility(id entity.ID, visible bool)
}

// Clients resolves the visibility set of a connected client.
type Clients interface {
	Visibility(client entity.ClientID) (Visibility, bool)
}

// ClientVisibility is the in-memory Visibility used by the server.
// Entities start hidden until the evaluator shows them.
type ClientVisibility struct {
	visible map[entity.ID]struct{}
}

// NewClientVisibility returns an empty set.
func NewClientVisibility() *ClientVisibility {
	return &ClientVisibility{visible: make(map[entity.ID]struct{})}
}

func (v *ClientVisibility) IsVisible(id entity.ID) bool {
	_, ok := v.visible[id]
	return ok
}

func (v *ClientVisibility) SetVisibility(id entity.ID, visible bool) {
	if visible {
		v.visible[id] = struct{}{}
		return
	}
	delete(v.visible, id)
}

// Forget drops any state for id (used when id is despawned).
func (v *ClientVisibility) Forget(id entity.ID) {
	delete(v.visible, id)
}

// Visible returns the visible entity IDs in ascending order.
func (v *ClientVisibility) Visible() []entity.ID {
	out := make([]entity.ID, 0, len(v.visible))
	for id := range v.visible {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClientMap is the server's client → visibility registry.
type ClientMap map[entity.ClientID]*ClientVisibility

func (m ClientMap) Visibility(client entity.ClientID) (Visibility, bool) {
	v, ok := m[client]
	if !ok {
		return nil, false
	}
	return v, true
}
