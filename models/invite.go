package models

import "time"

// Invite is a single-use token linking a sender, a target, a room and a game.
// It is deleted the moment the target responds, whatever the outcome.
type Invite struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	TargetID  string    `json:"targetId"`
	RoomID    string    `json:"roomId"`
	GameID    string    `json:"gameId"`
	CreatedAt time.Time `json:"createdAt"`
}
