// Package rooms is the in-memory room registry and state machine. Rooms are
// transient: the registry never persists anything and a room is destroyed the
// instant its member list becomes empty.
package rooms

import (
	"errors"
	"math/rand"
	"strings"
	"time"

	"cartserver/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Room codes are short and human-typeable; the alphabet drops the characters
// that read ambiguously (I/O/0/1).
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

type Registry struct {
	logger *zap.Logger
	rooms  map[string]*models.Room
	rand   *rand.Rand
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		rooms:  make(map[string]*models.Room),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Get resolves a room by id.
func (rg *Registry) Get(roomID string) (*models.Room, bool) {
	room, ok := rg.rooms[roomID]
	return room, ok
}

// RoomOf finds the room containing userID, if any. Rooms are keyed by id and
// members are id lists, so this is a scan rather than a back-pointer.
func (rg *Registry) RoomOf(userID string) (*models.Room, bool) {
	for _, room := range rg.rooms {
		if room.HasMember(userID) {
			return room, true
		}
	}
	return nil, false
}

// Count is the number of live rooms.
func (rg *Registry) Count() int {
	return len(rg.rooms)
}

// Create allocates a fresh room with the actor as sole member and host.
func (rg *Registry) Create(actorID, gameID string) (*models.Room, error) {
	if strings.TrimSpace(gameID) == "" {
		return nil, errors.New("A game is required to create a room")
	}
	room := &models.Room{
		ID:         rg.newCode(),
		HostID:     actorID,
		GameID:     gameID,
		Members:    []string{actorID},
		Spectators: make(map[string]bool),
		Ready:      make(map[string]bool),
		CreatedAt:  time.Now(),
	}
	rg.rooms[room.ID] = room
	rg.logger.Info("Room created",
		zap.String("roomID", room.ID),
		zap.String("hostID", actorID),
		zap.String("gameID", gameID),
	)
	return room, nil
}

func (rg *Registry) newCode() string {
	for {
		b := make([]byte, codeLength)
		for i := range b {
			b[i] = codeAlphabet[rg.rand.Intn(len(codeAlphabet))]
		}
		code := string(b)
		if _, taken := rg.rooms[code]; !taken {
			return code
		}
	}
}

// Join adds the actor to the room. Adding is idempotent but the spectator
// flag is always set exactly as requested, so a member can move between seat
// and spectator bench by re-joining.
func (rg *Registry) Join(actorID, roomID string, asSpectator bool) (*models.Room, error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, errors.New("Room not found")
	}
	already := room.HasMember(actorID)
	if room.Locked && !already {
		return nil, errors.New("Room is locked")
	}
	if room.Session != nil && room.Session.Mode == models.ModeStream &&
		!already && !asSpectator && room.NonSpectatorCount() >= 2 {
		return nil, errors.New("Streaming room already has two players")
	}
	if !already {
		room.Members = append(room.Members, actorID)
	}
	if asSpectator {
		room.Spectators[actorID] = true
	} else {
		delete(room.Spectators, actorID)
	}
	rg.repair(room)
	return room, nil
}

// SetReady toggles the actor's membership in the ready set. Spectators have
// no seat to be ready for.
func (rg *Registry) SetReady(actorID, roomID string, ready bool) (*models.Room, error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, errors.New("Room not found")
	}
	if !room.HasMember(actorID) {
		return nil, errors.New("Not a member of this room")
	}
	if room.Spectators[actorID] {
		return nil, errors.New("Spectators cannot ready up")
	}
	if ready {
		room.Ready[actorID] = true
	} else {
		delete(room.Ready, actorID)
	}
	rg.repair(room)
	return room, nil
}

// SetLock flips the join lock. Host only.
func (rg *Registry) SetLock(actorID, roomID string, locked bool) (*models.Room, error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, errors.New("Room not found")
	}
	if room.HostID != actorID {
		return nil, errors.New("Only host can change lock")
	}
	room.Locked = locked
	return room, nil
}

// Kick removes target from the room. Host only; kicking yourself is a leave,
// not a kick.
func (rg *Registry) Kick(actorID, roomID, targetID string) (*models.Room, error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, errors.New("Room not found")
	}
	if room.HostID != actorID {
		return nil, errors.New("Only host can kick")
	}
	if targetID == actorID {
		return nil, errors.New("Cannot kick yourself")
	}
	if !room.HasMember(targetID) {
		return nil, errors.New("Target is not a member")
	}
	rg.strip(room, targetID)
	rg.repair(room)
	return room, nil
}

// TransferHost hands the host role to target. Transferring to self is a no-op
// success.
func (rg *Registry) TransferHost(actorID, roomID, targetID string) (*models.Room, error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, errors.New("Room not found")
	}
	if room.HostID != actorID {
		return nil, errors.New("Only host can transfer host")
	}
	if !room.HasMember(targetID) {
		return nil, errors.New("Target is not a member")
	}
	room.HostID = targetID
	return room, nil
}

// Leave strips the actor from the room. A departing host hands the role to
// the oldest remaining member (join order); an emptied room is destroyed.
func (rg *Registry) Leave(actorID, roomID string) (room *models.Room, destroyed bool, err error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, false, errors.New("Room not found")
	}
	if !room.HasMember(actorID) {
		return nil, false, errors.New("Not a member of this room")
	}
	rg.strip(room, actorID)
	if len(room.Members) == 0 {
		rg.destroy(room)
		return room, true, nil
	}
	if room.HostID == actorID {
		room.HostID = room.Members[0]
	}
	rg.repair(room)
	return room, false, nil
}

// LeaveAll strips the user from every room they are in, used on disconnect.
// Returns each affected room and whether it was destroyed.
func (rg *Registry) LeaveAll(userID string) []LeaveResult {
	var results []LeaveResult
	for _, room := range rg.roomsContaining(userID) {
		r, destroyed, err := rg.Leave(userID, room.ID)
		if err != nil {
			continue
		}
		results = append(results, LeaveResult{Room: r, Destroyed: destroyed})
	}
	return results
}

type LeaveResult struct {
	Room      *models.Room
	Destroyed bool
}

func (rg *Registry) roomsContaining(userID string) []*models.Room {
	var out []*models.Room
	for _, room := range rg.rooms {
		if room.HasMember(userID) {
			out = append(out, room)
		}
	}
	return out
}

// Close destroys the room when the actor is its host. A non-host caller
// merely leaves.
func (rg *Registry) Close(actorID, roomID string) (room *models.Room, destroyed bool, err error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, false, errors.New("Room not found")
	}
	if !room.HasMember(actorID) {
		return nil, false, errors.New("Not a member of this room")
	}
	if room.HostID != actorID {
		return rg.Leave(actorID, roomID)
	}
	rg.destroy(room)
	return room, true, nil
}

// StartNetplay installs a lockstep session and leaves broadcasting to the
// caller. The rom payload rides along so a later joiner can bootstrap.
func (rg *Registry) StartNetplay(actorID, roomID, gameID, romPayload, emulatorID, romFingerprint, protocolVersion, coreVersion string) (*models.Room, error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, errors.New("Room not found")
	}
	if !room.HasMember(actorID) {
		return nil, errors.New("Not a member of this room")
	}
	if room.HostID != actorID {
		return nil, errors.New("Only host can start a session")
	}
	if gameID == "" || romPayload == "" || emulatorID == "" ||
		romFingerprint == "" || protocolVersion == "" || coreVersion == "" {
		return nil, errors.New("Missing session fields")
	}
	room.Session = &models.Session{
		Mode:            models.ModeLockstep,
		GameID:          gameID,
		RomPayload:      romPayload,
		EmulatorID:      emulatorID,
		RomFingerprint:  romFingerprint,
		ProtocolVersion: protocolVersion,
		CoreVersion:     coreVersion,
		StartedAt:       time.Now(),
	}
	rg.logger.Info("Netplay session started",
		zap.String("roomID", roomID),
		zap.String("gameID", gameID),
		zap.String("emulatorID", emulatorID),
	)
	return room, nil
}

// StartStream installs a stream session. Requires exactly two non-spectator
// members at the moment of activation.
func (rg *Registry) StartStream(actorID, roomID, gameID, gameName, platform string) (*models.Room, error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, errors.New("Room not found")
	}
	if !room.HasMember(actorID) {
		return nil, errors.New("Not a member of this room")
	}
	if room.HostID != actorID {
		return nil, errors.New("Only host can start a session")
	}
	if gameID == "" {
		return nil, errors.New("A game is required to start streaming")
	}
	if room.NonSpectatorCount() != 2 {
		return nil, errors.New("Streaming needs exactly two players in the room")
	}
	room.Session = &models.Session{
		Mode:      models.ModeStream,
		GameID:    gameID,
		GameName:  gameName,
		Platform:  platform,
		StartedAt: time.Now(),
	}
	rg.logger.Info("Stream session started",
		zap.String("roomID", roomID),
		zap.String("gameID", gameID),
		zap.String("platform", platform),
	)
	return room, nil
}

// SendChat appends a message to the room log, truncating the text to
// MaxChatTextLen and trimming the log head past MaxChatLog.
func (rg *Registry) SendChat(actorID, senderName, roomID, text string) (*models.ChatMessage, error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, errors.New("Room not found")
	}
	if !room.HasMember(actorID) {
		return nil, errors.New("Not a member of this room")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("Message is empty")
	}
	// Truncate on runes, not bytes, so multibyte text is never cut mid-rune.
	if runes := []rune(text); len(runes) > models.MaxChatTextLen {
		text = string(runes[:models.MaxChatTextLen])
	}
	msg := models.ChatMessage{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		SenderID:   actorID,
		SenderName: senderName,
		Text:       text,
		CreatedAt:  time.Now(),
	}
	room.Chat = append(room.Chat, msg)
	if over := len(room.Chat) - models.MaxChatLog; over > 0 {
		room.Chat = append([]models.ChatMessage(nil), room.Chat[over:]...)
	}
	return &msg, nil
}

// History returns the most recent chat entries, newest last, capped at
// MaxChatHistory.
func (rg *Registry) History(actorID, roomID string) ([]models.ChatMessage, error) {
	room, ok := rg.rooms[roomID]
	if !ok {
		return nil, errors.New("Room not found")
	}
	if !room.HasMember(actorID) {
		return nil, errors.New("Not a member of this room")
	}
	start := 0
	if len(room.Chat) > models.MaxChatHistory {
		start = len(room.Chat) - models.MaxChatHistory
	}
	return append([]models.ChatMessage(nil), room.Chat[start:]...), nil
}

// RepairAll re-applies the membership invariants to every room. Run
// periodically as a defensive sweep.
func (rg *Registry) RepairAll() {
	for _, room := range rg.rooms {
		rg.repair(room)
	}
}

// repair re-filters the ready and spectator sets against current members and
// drops ready flags from spectators.
func (rg *Registry) repair(room *models.Room) {
	for id := range room.Ready {
		if !room.HasMember(id) || room.Spectators[id] {
			delete(room.Ready, id)
		}
	}
	for id := range room.Spectators {
		if !room.HasMember(id) {
			delete(room.Spectators, id)
		}
	}
}

// strip removes a user from members, spectators and ready.
func (rg *Registry) strip(room *models.Room, userID string) {
	for i, m := range room.Members {
		if m == userID {
			room.Members = append(room.Members[:i], room.Members[i+1:]...)
			break
		}
	}
	delete(room.Spectators, userID)
	delete(room.Ready, userID)
}

func (rg *Registry) destroy(room *models.Room) {
	delete(rg.rooms, room.ID)
	rg.logger.Info("Room destroyed", zap.String("roomID", room.ID))
}
