// Package invites is the ephemeral registry of pending room invitations.
// Invites are single-use: Take removes the invite whatever the caller decides
// to do with it. They carry no expiry.
package invites

import (
	"time"

	"cartserver/models"

	"github.com/google/uuid"
)

type Registry struct {
	invites map[string]*models.Invite
}

func New() *Registry {
	return &Registry{invites: make(map[string]*models.Invite)}
}

// Create registers a new invite from sender to target for a room.
func (rg *Registry) Create(senderID, targetID, roomID, gameID string) *models.Invite {
	inv := &models.Invite{
		ID:        uuid.New().String(),
		SenderID:  senderID,
		TargetID:  targetID,
		RoomID:    roomID,
		GameID:    gameID,
		CreatedAt: time.Now(),
	}
	rg.invites[inv.ID] = inv
	return inv
}

// Get returns a pending invite without consuming it.
func (rg *Registry) Get(id string) (*models.Invite, bool) {
	inv, ok := rg.invites[id]
	return inv, ok
}

// Delete consumes the invite. Responding to it a second time then fails as
// not-found, which is what makes invites single-use.
func (rg *Registry) Delete(id string) {
	delete(rg.invites, id)
}

// Count is the number of pending invites. Invites never expire, so the
// janitor reports this to make leakage observable.
func (rg *Registry) Count() int {
	return len(rg.invites)
}
