package match

import (
	"encoding/json"

	"parley/internal/models"
)

// Relay forwards an opaque payload from one peer of a matched pair to the
// other. The payload is neither parsed nor stored. Unknown rooms and
// senders outside the pair are dropped silently, since a match may end
// while its peers are still signaling.
func (m *Matchmaker) Relay(roomID, fromConnID string, payload json.RawMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pairs[roomID]
	if !ok {
		return false
	}
	to, ok := p.other(fromConnID)
	if !ok {
		return false
	}
	return m.deliver.Send(to, models.NewSignal(models.Signal{
		RoomID:  roomID,
		From:    fromConnID,
		Payload: payload,
	}))
}
