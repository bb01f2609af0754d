package models

import "encoding/json"

// Request is the client→server envelope. RequestID is optional: input and
// signal traffic is sent fire-and-forget with no id, and gets no response.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response is the server→client reply envelope. RequestID echoes the request
// that triggered it; a response without one is a best-effort diagnostic for an
// envelope the server could not parse.
type Response struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	OK        bool        `json:"ok"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Event is the unsolicited server→client envelope.
type Event struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Request types.
const (
	ReqAuth          = "auth"
	ReqFriendsList   = "friends:list"
	ReqFriendsAdd    = "friends:add"
	ReqRoomCreate    = "room:create"
	ReqRoomJoin      = "room:join"
	ReqRoomState     = "room:state"
	ReqChatHistory   = "room:chat:history"
	ReqChatSend      = "room:chat:send"
	ReqRoomReady     = "room:ready"
	ReqRoomLock      = "room:lock"
	ReqRoomKick      = "room:kick"
	ReqRoomTransfer  = "room:transferHost"
	ReqNetplayStart  = "netplay:start"
	ReqStreamStart   = "stream:start"
	ReqNetplayInput  = "netplay:input"
	ReqStreamSignal  = "stream:signal"
	ReqStreamInput   = "stream:input"
	ReqRoomPause     = "room:pause"
	ReqRoomClose     = "room:close"
	ReqInviteSend    = "invite:send"
	ReqInviteRespond = "invite:respond"
)

// Event types.
const (
	EvFriendsList    = "friends:list"
	EvInviteReceived = "invite:received"
	EvInviteAccepted = "invite:accepted"
	EvInviteDeclined = "invite:declined"
	EvPresenceUpdate = "presence:update"
	EvNetplayStart   = "netplay:start"
	EvNetplayInput   = "netplay:input"
	EvStreamStart    = "stream:start"
	EvStreamSignal   = "stream:signal"
	EvStreamInput    = "stream:input"
	EvRoomPause      = "room:pause"
	EvRoomUpdate     = "room:update"
	EvRoomClosed     = "room:closed"
	EvRoomKicked     = "room:kicked"
	EvRoomChat       = "room:chat"
)
