package models

// User is a directory record. Identity is self-asserted at connection time;
// the friend code is the case-insensitive lookup key other players type in.
type User struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	FriendCode string   `json:"friendCode"`
	Avatar     string   `json:"avatar,omitempty"`
	Friends    []string `json:"friends"`
}

// HasFriend reports whether id is already in the friend list.
func (u *User) HasFriend(id string) bool {
	for _, f := range u.Friends {
		if f == id {
			return true
		}
	}
	return false
}

// FriendEntry is the per-friend view sent in friends:list payloads and
// presence updates.
type FriendEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Code   string `json:"code"`
	Avatar string `json:"avatar,omitempty"`
	Online bool   `json:"online"`
	RoomID string `json:"roomId,omitempty"`
	GameID string `json:"gameId,omitempty"`

	// RoomOccupancy lets friends watching a room see its occupancy move
	// without joining it.
	RoomOccupancy int `json:"roomOccupancy,omitempty"`
}
