package relay

import (
	"encoding/json"
	"errors"

	"cartserver/hub"
	"cartserver/models"

	"go.uber.org/zap"
)

var (
	errNotAuthenticated = errors.New("Not authenticated")
	errUnknownType      = errors.New("Unknown request type")
	errBadPayload       = errors.New("Malformed payload")
)

type authPayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	FriendCode string `json:"friendCode"`
	Avatar     string `json:"avatar"`
}

type roomPayload struct {
	Room models.RoomState `json:"room"`
}

type roomRef struct {
	RoomID string `json:"roomId"`
}

func (r *Relay) handleAuth(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p authPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	user, err := r.dir.Upsert(p.ID, p.Name, p.FriendCode, p.Avatar)
	if err != nil {
		return nil, err
	}
	r.hub.Bind(client, user.ID)
	r.logger.Info("Client authenticated",
		zap.String("clientID", client.ID),
		zap.String("userID", user.ID),
		zap.String("friendCode", user.FriendCode),
	)

	// Friends watching this user see them come online.
	r.pushPresence(user.ID)

	return map[string]interface{}{
		"user":    r.presenceOf(user.ID),
		"friends": r.friendEntries(user.ID),
	}, nil
}

func (r *Relay) handleFriendsList(client *hub.Client) (interface{}, error) {
	return map[string]interface{}{"friends": r.friendEntries(client.UserID)}, nil
}

func (r *Relay) handleFriendsAdd(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	friend, err := r.dir.AddFriendshipByCode(client.UserID, p.Code)
	if err != nil {
		return nil, err
	}
	// Both parties get a refreshed list pushed; the actor also gets one in
	// the response.
	r.emit(friend.ID, models.EvFriendsList, map[string]interface{}{"friends": r.friendEntries(friend.ID)})
	r.emit(client.UserID, models.EvFriendsList, map[string]interface{}{"friends": r.friendEntries(client.UserID)})
	return map[string]interface{}{"friend": r.presenceOf(friend.ID)}, nil
}

func (r *Relay) handleRoomCreate(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		GameID string `json:"gameId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, err := r.rooms.Create(client.UserID, p.GameID)
	if err != nil {
		return nil, err
	}
	r.pushPresence(client.UserID)
	return roomPayload{Room: room.State()}, nil
}

func (r *Relay) handleRoomJoin(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID    string `json:"roomId"`
		Spectator bool   `json:"spectator"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, err := r.rooms.Join(client.UserID, p.RoomID, p.Spectator)
	if err != nil {
		return nil, err
	}
	r.broadcastRoom(room)
	return roomPayload{Room: room.State()}, nil
}

func (r *Relay) handleRoomState(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p roomRef
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, ok := r.rooms.Get(p.RoomID)
	if !ok {
		return nil, errors.New("Room not found")
	}
	return roomPayload{Room: room.State()}, nil
}

func (r *Relay) handleChatHistory(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p roomRef
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	history, err := r.rooms.History(client.UserID, p.RoomID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"messages": history}, nil
}

func (r *Relay) handleChatSend(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID string `json:"roomId"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	senderName := client.UserID
	if user, ok := r.dir.Get(client.UserID); ok {
		senderName = user.Name
	}
	msg, err := r.rooms.SendChat(client.UserID, senderName, p.RoomID, p.Text)
	if err != nil {
		return nil, err
	}
	room, _ := r.rooms.Get(p.RoomID)
	for _, member := range room.Members {
		r.emit(member, models.EvRoomChat, map[string]interface{}{"message": msg})
	}
	return map[string]interface{}{"message": msg}, nil
}

func (r *Relay) handleRoomReady(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID string `json:"roomId"`
		Ready  bool   `json:"ready"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, err := r.rooms.SetReady(client.UserID, p.RoomID, p.Ready)
	if err != nil {
		return nil, err
	}
	r.broadcastRoom(room)
	return roomPayload{Room: room.State()}, nil
}

func (r *Relay) handleRoomLock(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID string `json:"roomId"`
		Locked bool   `json:"locked"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, err := r.rooms.SetLock(client.UserID, p.RoomID, p.Locked)
	if err != nil {
		return nil, err
	}
	r.broadcastRoom(room)
	return roomPayload{Room: room.State()}, nil
}

func (r *Relay) handleRoomKick(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID   string `json:"roomId"`
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, err := r.rooms.Kick(client.UserID, p.RoomID, p.TargetID)
	if err != nil {
		return nil, err
	}
	// The target gets a dedicated kicked event, not the generic update the
	// remaining members see.
	r.emit(p.TargetID, models.EvRoomKicked, roomRef{RoomID: p.RoomID})
	r.broadcastRoom(room)
	r.pushPresence(p.TargetID)
	return roomPayload{Room: room.State()}, nil
}

func (r *Relay) handleRoomTransfer(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID   string `json:"roomId"`
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, err := r.rooms.TransferHost(client.UserID, p.RoomID, p.TargetID)
	if err != nil {
		return nil, err
	}
	r.broadcastRoom(room)
	return roomPayload{Room: room.State()}, nil
}

func (r *Relay) handleNetplayStart(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID          string `json:"roomId"`
		GameID          string `json:"gameId"`
		RomPayload      string `json:"romPayload"`
		EmulatorID      string `json:"emulatorId"`
		RomFingerprint  string `json:"romFingerprint"`
		ProtocolVersion string `json:"protocolVersion"`
		CoreVersion     string `json:"coreVersion"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, err := r.rooms.StartNetplay(client.UserID, p.RoomID, p.GameID, p.RomPayload,
		p.EmulatorID, p.RomFingerprint, p.ProtocolVersion, p.CoreVersion)
	if err != nil {
		return nil, err
	}
	// Every member, the actor included, bootstraps from this event; the rom
	// payload rides along for members who joined without one.
	for _, member := range room.Members {
		r.emit(member, models.EvNetplayStart, map[string]interface{}{
			"roomId":  room.ID,
			"session": room.Session,
		})
	}
	for _, member := range room.Members {
		r.pushPresence(member)
	}
	return map[string]interface{}{"session": room.Session}, nil
}

func (r *Relay) handleStreamStart(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID   string `json:"roomId"`
		GameID   string `json:"gameId"`
		GameName string `json:"gameName"`
		Platform string `json:"platform"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, err := r.rooms.StartStream(client.UserID, p.RoomID, p.GameID, p.GameName, p.Platform)
	if err != nil {
		return nil, err
	}
	for _, member := range room.Members {
		r.emit(member, models.EvStreamStart, map[string]interface{}{
			"roomId":  room.ID,
			"session": room.Session,
		})
	}
	for _, member := range room.Members {
		r.pushPresence(member)
	}
	return map[string]interface{}{"session": room.Session}, nil
}

func (r *Relay) handleRoomClose(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p roomRef
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, destroyed, err := r.rooms.Close(client.UserID, p.RoomID)
	if err != nil {
		return nil, err
	}
	if destroyed {
		for _, member := range room.Members {
			if member != client.UserID {
				r.emit(member, models.EvRoomClosed, roomRef{RoomID: room.ID})
			}
		}
		for _, member := range room.Members {
			r.pushPresence(member)
		}
	} else {
		r.broadcastRoom(room)
		r.pushPresence(client.UserID)
	}
	return map[string]interface{}{"closed": destroyed}, nil
}

func (r *Relay) handleInviteSend(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		FriendID string `json:"friendId"`
		RoomID   string `json:"roomId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	actor, ok := r.dir.Get(client.UserID)
	if !ok {
		return nil, errNotAuthenticated
	}
	if !actor.HasFriend(p.FriendID) {
		return nil, errors.New("Can only invite friends")
	}
	if !r.hub.IsOnline(p.FriendID) {
		return nil, errors.New("Friend is not online")
	}
	room, ok := r.rooms.Get(p.RoomID)
	if !ok {
		return nil, errors.New("Room not found")
	}
	if !room.HasMember(client.UserID) || room.HostID != client.UserID {
		return nil, errors.New("Only host can invite")
	}
	inv := r.invites.Create(client.UserID, p.FriendID, room.ID, room.GameID)
	r.emit(p.FriendID, models.EvInviteReceived, map[string]interface{}{
		"invite":     inv,
		"senderName": actor.Name,
	})
	return map[string]interface{}{"invite": inv}, nil
}

func (r *Relay) handleInviteRespond(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		InviteID string `json:"inviteId"`
		Accept   bool   `json:"accept"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	inv, ok := r.invites.Get(p.InviteID)
	if !ok {
		return nil, errors.New("Invite not found")
	}
	if inv.TargetID != client.UserID {
		// Not consumed: the invite still belongs to its real target.
		return nil, errors.New("Invite is not addressed to you")
	}
	r.invites.Delete(inv.ID)

	if !p.Accept {
		r.emit(inv.SenderID, models.EvInviteDeclined, map[string]interface{}{
			"inviteId": inv.ID,
			"userId":   client.UserID,
		})
		return map[string]interface{}{"accepted": false}, nil
	}

	// Normal join rules apply: the room may be gone, locked or full by now.
	room, err := r.rooms.Join(client.UserID, inv.RoomID, false)
	if err != nil {
		return nil, err
	}
	r.emit(inv.SenderID, models.EvInviteAccepted, map[string]interface{}{
		"inviteId": inv.ID,
		"userId":   client.UserID,
		"roomId":   room.ID,
	})
	r.broadcastRoom(room)
	return roomPayload{Room: room.State()}, nil
}
