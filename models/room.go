package models

import "time"

// Session modes.
const (
	ModeLockstep = "lockstep"
	ModeStream   = "stream"
)

// Chat limits.
const (
	MaxChatTextLen = 400
	MaxChatLog     = 200
	MaxChatHistory = 100
)

// Room is a transient server-held group of connected users sharing one game
// session. Members is ordered by join time and free of duplicates; the host is
// always a member.
type Room struct {
	ID         string
	HostID     string
	GameID     string
	Members    []string
	Spectators map[string]bool
	Ready      map[string]bool
	Locked     bool
	Chat       []ChatMessage
	Session    *Session
	CreatedAt  time.Time
}

// Session is the active game-sharing mode attached to a room. At most one per
// room; replaced only by a new session start or room destruction.
type Session struct {
	Mode     string `json:"mode"`
	GameID   string `json:"gameId"`
	GameName string `json:"gameName,omitempty"`
	Platform string `json:"platform,omitempty"`

	// Lockstep only. RomPayload is carried so a freshly joining member can
	// bootstrap the emulator without a separate fetch.
	RomPayload      string `json:"romPayload,omitempty"`
	EmulatorID      string `json:"emulatorId,omitempty"`
	RomFingerprint  string `json:"romFingerprint,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
	CoreVersion     string `json:"coreVersion,omitempty"`

	StartedAt time.Time `json:"startedAt"`
}

// ChatMessage entries are kept per room, trimmed from the head once the log
// exceeds MaxChatLog.
type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HasMember reports whether id is a room member.
func (r *Room) HasMember(id string) bool {
	for _, m := range r.Members {
		if m == id {
			return true
		}
	}
	return false
}

// NonSpectatorCount counts members holding a controller.
func (r *Room) NonSpectatorCount() int {
	n := 0
	for _, m := range r.Members {
		if !r.Spectators[m] {
			n++
		}
	}
	return n
}

// RoomState is the outward shape of a room, used for room:update events and
// room:state responses. Chat is excluded; history has its own request.
type RoomState struct {
	ID         string   `json:"id"`
	HostID     string   `json:"hostId"`
	GameID     string   `json:"gameId"`
	Members    []string `json:"members"`
	Spectators []string `json:"spectators"`
	Ready      []string `json:"ready"`
	Locked     bool     `json:"locked"`
	Session    *Session `json:"session,omitempty"`
}

// State snapshots the room for the wire. Spectator and ready lists come out in
// member order so payloads are stable.
func (r *Room) State() RoomState {
	st := RoomState{
		ID:         r.ID,
		HostID:     r.HostID,
		GameID:     r.GameID,
		Members:    append([]string(nil), r.Members...),
		Spectators: []string{},
		Ready:      []string{},
		Locked:     r.Locked,
		Session:    r.Session,
	}
	for _, m := range r.Members {
		if r.Spectators[m] {
			st.Spectators = append(st.Spectators, m)
		}
		if r.Ready[m] {
			st.Ready = append(st.Ready, m)
		}
	}
	return st
}
