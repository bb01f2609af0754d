package relay

import (
	"bytes"
	"encoding/json"
	"errors"

	"cartserver/hub"
	"cartserver/metrics"
	"cartserver/models"
)

// The relay never interprets session traffic. Input frames go to every other
// member, stream signaling goes to one addressee, guest input goes to the
// host and pause notices go to everyone but the sender.

func (r *Relay) handleNetplayInput(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID string `json:"roomId"`
		Frame  uint32 `json:"frame"`
		Mask   uint16 `json:"mask"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, ok := r.rooms.Get(p.RoomID)
	if !ok {
		return nil, errors.New("Room not found")
	}
	if !room.HasMember(client.UserID) {
		return nil, errors.New("Not a member of this room")
	}
	metrics.RelayedFramesTotal.Inc()
	payload := map[string]interface{}{
		"roomId": room.ID,
		"userId": client.UserID,
		"frame":  p.Frame,
		"mask":   p.Mask,
	}
	for _, member := range room.Members {
		if member != client.UserID {
			r.emit(member, models.EvNetplayInput, payload)
		}
	}
	return nil, nil
}

func (r *Relay) handleStreamSignal(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID       string          `json:"roomId"`
		TargetUserID string          `json:"targetUserId"`
		Signal       json.RawMessage `json:"signal"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	if !isJSONObject(p.Signal) {
		return nil, errors.New("Signal must be an object")
	}
	room, ok := r.rooms.Get(p.RoomID)
	if !ok {
		return nil, errors.New("Room not found")
	}
	if !room.HasMember(client.UserID) {
		return nil, errors.New("Not a member of this room")
	}
	if !room.HasMember(p.TargetUserID) {
		return nil, errors.New("Target is not a member")
	}
	metrics.RelayedFramesTotal.Inc()
	r.emit(p.TargetUserID, models.EvStreamSignal, map[string]interface{}{
		"roomId": room.ID,
		"userId": client.UserID,
		"signal": p.Signal,
	})
	return nil, nil
}

func (r *Relay) handleStreamInput(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID string          `json:"roomId"`
		Input  json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, ok := r.rooms.Get(p.RoomID)
	if !ok {
		return nil, errors.New("Room not found")
	}
	if !room.HasMember(client.UserID) {
		return nil, errors.New("Not a member of this room")
	}
	metrics.RelayedFramesTotal.Inc()
	// Guest input always flows toward the host, who owns the emulation.
	r.emit(room.HostID, models.EvStreamInput, map[string]interface{}{
		"roomId": room.ID,
		"userId": client.UserID,
		"input":  p.Input,
	})
	return nil, nil
}

func (r *Relay) handleRoomPause(client *hub.Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		RoomID string `json:"roomId"`
		Paused bool   `json:"paused"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errBadPayload
	}
	room, ok := r.rooms.Get(p.RoomID)
	if !ok {
		return nil, errors.New("Room not found")
	}
	if !room.HasMember(client.UserID) {
		return nil, errors.New("Not a member of this room")
	}
	payload := map[string]interface{}{
		"roomId": room.ID,
		"userId": client.UserID,
		"paused": p.Paused,
	}
	for _, member := range room.Members {
		if member != client.UserID {
			r.emit(member, models.EvRoomPause, payload)
		}
	}
	return nil, nil
}

// isJSONObject checks the payload starts as an object. That is the entire
// validation the relay performs on signaling contents.
func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
