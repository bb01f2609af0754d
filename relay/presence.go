package relay

import "cartserver/models"

// presenceOf builds the outward view of a user: online flag plus the room and
// game they are currently in, if any.
func (r *Relay) presenceOf(userID string) models.FriendEntry {
	entry := models.FriendEntry{
		ID:     userID,
		Online: r.hub.IsOnline(userID),
	}
	if user, ok := r.dir.Get(userID); ok {
		entry.Name = user.Name
		entry.Code = user.FriendCode
		entry.Avatar = user.Avatar
	}
	if room, ok := r.rooms.RoomOf(userID); ok {
		entry.RoomID = room.ID
		entry.GameID = room.GameID
		entry.RoomOccupancy = len(room.Members)
	}
	return entry
}

// friendEntries is the friends:list payload for a user.
func (r *Relay) friendEntries(userID string) []models.FriendEntry {
	friends := r.dir.Friends(userID)
	entries := make([]models.FriendEntry, 0, len(friends))
	for _, friend := range friends {
		entries = append(entries, r.presenceOf(friend.ID))
	}
	return entries
}

// pushPresence sends the user's refreshed presence to every one of their
// friends. Called after any change to the user's visible status.
func (r *Relay) pushPresence(userID string) {
	user, ok := r.dir.Get(userID)
	if !ok {
		return
	}
	entry := r.presenceOf(userID)
	for _, friendID := range user.Friends {
		r.emit(friendID, models.EvPresenceUpdate, map[string]interface{}{"friend": entry})
	}
}
