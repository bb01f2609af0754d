// Package relay is the protocol dispatcher: it owns every registry, serializes
// message handling into run-to-completion critical sections, correlates
// requests to responses and fans out server-initiated events.
//
// Concurrency model: each connection reads in its own goroutine, but every
// inbound message is handled under one mutex from parse to broadcast. No
// handler suspends mid-mutation, so the registries need no locking of their
// own and observers only ever see rooms between transitions, never inside one.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"cartserver/directory"
	"cartserver/hub"
	"cartserver/invites"
	"cartserver/metrics"
	"cartserver/models"
	"cartserver/rooms"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const readLimit = 4 << 20 // rom payloads ride inside netplay:start

// knownRequestTypes bounds the request-type metric label: the type string is
// client-controlled, so anything outside this set is counted as "unknown"
// instead of minting a fresh label series.
var knownRequestTypes = map[string]bool{
	models.ReqAuth:          true,
	models.ReqFriendsList:   true,
	models.ReqFriendsAdd:    true,
	models.ReqRoomCreate:    true,
	models.ReqRoomJoin:      true,
	models.ReqRoomState:     true,
	models.ReqChatHistory:   true,
	models.ReqChatSend:      true,
	models.ReqRoomReady:     true,
	models.ReqRoomLock:      true,
	models.ReqRoomKick:      true,
	models.ReqRoomTransfer:  true,
	models.ReqNetplayStart:  true,
	models.ReqStreamStart:   true,
	models.ReqNetplayInput:  true,
	models.ReqStreamSignal:  true,
	models.ReqStreamInput:   true,
	models.ReqRoomPause:     true,
	models.ReqRoomClose:     true,
	models.ReqInviteSend:    true,
	models.ReqInviteRespond: true,
}

func requestLabel(reqType string) string {
	if knownRequestTypes[reqType] {
		return reqType
	}
	return "unknown"
}

type Relay struct {
	mu      sync.Mutex
	logger  *zap.Logger
	hub     *hub.Hub
	dir     *directory.Directory
	rooms   *rooms.Registry
	invites *invites.Registry
}

func New(dir *directory.Directory, logger *zap.Logger) *Relay {
	return &Relay{
		logger:  logger,
		hub:     hub.NewHub(logger),
		dir:     dir,
		rooms:   rooms.New(logger),
		invites: invites.New(),
	}
}

// HandleConnection upgrades the request and serves the connection until the
// transport drops. Blocks for the connection's lifetime.
func (r *Relay) HandleConnection(w http.ResponseWriter, req *http.Request, upgrader websocket.Upgrader) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}

	client := hub.NewClient(conn)
	r.mu.Lock()
	r.hub.Add(client)
	r.mu.Unlock()
	metrics.Connections.Inc()
	r.logger.Info("New client connected", zap.String("clientID", client.ID))

	go client.WritePump(r.logger)
	r.readPump(client)
}

func (r *Relay) readPump(client *hub.Client) {
	defer r.disconnect(client)

	client.Conn.SetReadLimit(readLimit)
	client.Conn.SetReadDeadline(time.Now().Add(hub.PongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(hub.PongWait))
		return nil
	})

	for {
		_, raw, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				r.logger.Error("WebSocket error", zap.String("clientID", client.ID), zap.Error(err))
			}
			return
		}
		r.HandleMessage(client, raw)
	}
}

// disconnect runs the synchronous cleanup for a dropped connection. A dropped
// connection cannot be resumed; the client re-authenticates fresh.
func (r *Relay) disconnect(client *hub.Client) {
	client.Close()
	metrics.Connections.Dec()

	r.mu.Lock()
	defer r.mu.Unlock()

	userID, wentOffline := r.hub.Unbind(client)
	r.logger.Info("Client removed", zap.String("clientID", client.ID), zap.String("userID", userID))
	if userID == "" || !wentOffline {
		// Another device or tab still holds the identity; memberships stay.
		return
	}
	for _, res := range r.rooms.LeaveAll(userID) {
		if res.Destroyed {
			// Members became empty, no one remains to notify.
			continue
		}
		r.broadcastRoom(res.Room)
	}
	r.pushPresence(userID)
}

// HandleMessage dispatches one inbound envelope. Exported for tests, which
// drive the dispatcher without a transport.
func (r *Relay) HandleMessage(client *hub.Client, raw []byte) {
	var req models.Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Type == "" {
		// Best-effort diagnostic: no requestId to correlate with.
		metrics.MalformedTotal.Inc()
		r.hub.Respond(client, models.Response{Type: "response", OK: false, Error: "Malformed message"})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	payload, err := r.dispatch(client, &req)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RequestsTotal.WithLabelValues(requestLabel(req.Type), outcome).Inc()

	// Requests without an id are fire-and-forget; input and signal traffic
	// runs this way and gets no per-frame acknowledgement.
	if req.RequestID == "" {
		if err != nil {
			r.logger.Debug("Unacknowledged request failed",
				zap.String("type", req.Type),
				zap.String("userID", client.UserID),
				zap.Error(err),
			)
		}
		return
	}
	resp := models.Response{Type: "response", RequestID: req.RequestID, OK: err == nil, Payload: payload}
	if err != nil {
		resp.Error = err.Error()
	}
	r.hub.Respond(client, resp)
}

func (r *Relay) dispatch(client *hub.Client, req *models.Request) (interface{}, error) {
	if req.Type == models.ReqAuth {
		return r.handleAuth(client, req.Payload)
	}
	if client.UserID == "" {
		return nil, errNotAuthenticated
	}

	switch req.Type {
	case models.ReqFriendsList:
		return r.handleFriendsList(client)
	case models.ReqFriendsAdd:
		return r.handleFriendsAdd(client, req.Payload)
	case models.ReqRoomCreate:
		return r.handleRoomCreate(client, req.Payload)
	case models.ReqRoomJoin:
		return r.handleRoomJoin(client, req.Payload)
	case models.ReqRoomState:
		return r.handleRoomState(client, req.Payload)
	case models.ReqChatHistory:
		return r.handleChatHistory(client, req.Payload)
	case models.ReqChatSend:
		return r.handleChatSend(client, req.Payload)
	case models.ReqRoomReady:
		return r.handleRoomReady(client, req.Payload)
	case models.ReqRoomLock:
		return r.handleRoomLock(client, req.Payload)
	case models.ReqRoomKick:
		return r.handleRoomKick(client, req.Payload)
	case models.ReqRoomTransfer:
		return r.handleRoomTransfer(client, req.Payload)
	case models.ReqNetplayStart:
		return r.handleNetplayStart(client, req.Payload)
	case models.ReqStreamStart:
		return r.handleStreamStart(client, req.Payload)
	case models.ReqNetplayInput:
		return r.handleNetplayInput(client, req.Payload)
	case models.ReqStreamSignal:
		return r.handleStreamSignal(client, req.Payload)
	case models.ReqStreamInput:
		return r.handleStreamInput(client, req.Payload)
	case models.ReqRoomPause:
		return r.handleRoomPause(client, req.Payload)
	case models.ReqRoomClose:
		return r.handleRoomClose(client, req.Payload)
	case models.ReqInviteSend:
		return r.handleInviteSend(client, req.Payload)
	case models.ReqInviteRespond:
		return r.handleInviteRespond(client, req.Payload)
	default:
		return nil, errUnknownType
	}
}

// broadcastRoom sends the room's current shape to every member and refreshes
// each member's presence toward their own friends.
func (r *Relay) broadcastRoom(room *models.Room) {
	state := room.State()
	for _, member := range room.Members {
		r.emit(member, models.EvRoomUpdate, roomPayload{Room: state})
	}
	for _, member := range room.Members {
		r.pushPresence(member)
	}
}

func (r *Relay) emit(userID, event string, payload interface{}) {
	metrics.EventsTotal.WithLabelValues(event).Inc()
	r.hub.FanOut(userID, event, payload)
}

// Stats snapshots registry sizes for the janitor and the metrics gauges.
type Stats struct {
	Clients        int
	OnlineUsers    int
	Rooms          int
	PendingInvites int
	Users          int
}

func (r *Relay) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Clients:        r.hub.ClientCount(),
		OnlineUsers:    r.hub.OnlineCount(),
		Rooms:          r.rooms.Count(),
		PendingInvites: r.invites.Count(),
		Users:          r.dir.Count(),
	}
}

// RepairRooms sweeps every room and restores its structural invariants.
func (r *Relay) RepairRooms() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms.RepairAll()
}
