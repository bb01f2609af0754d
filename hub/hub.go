// Package hub tracks live connections and their binding to user ids. A user
// may hold several simultaneous connections (multiple devices or tabs); a
// connection binds at most one user.
//
// The hub does no locking of its own: it is owned by the dispatcher, whose
// serialized message handling is the critical section for all registries.
package hub

import (
	"encoding/json"

	"cartserver/models"

	"go.uber.org/zap"
)

type Hub struct {
	logger  *zap.Logger
	clients map[*Client]bool
	byUser  map[string]map[*Client]bool
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*Client]bool),
		byUser:  make(map[string]map[*Client]bool),
	}
}

// Add registers a freshly upgraded connection, not yet authenticated.
func (h *Hub) Add(c *Client) {
	h.clients[c] = true
}

// Bind associates a connection with a user id, adding it to that user's
// connection set. Rebinding to a different user moves the connection.
func (h *Hub) Bind(c *Client, userID string) {
	if c.UserID != "" && c.UserID != userID {
		h.dropBinding(c)
	}
	c.UserID = userID
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[*Client]bool)
		h.byUser[userID] = set
	}
	set[c] = true
}

// Unbind removes a connection entirely. The second return is true when the
// user's connection set became empty, i.e. the user went offline.
func (h *Hub) Unbind(c *Client) (userID string, wentOffline bool) {
	delete(h.clients, c)
	userID = c.UserID
	if userID == "" {
		return "", false
	}
	h.dropBinding(c)
	_, stillOnline := h.byUser[userID]
	return userID, !stillOnline
}

func (h *Hub) dropBinding(c *Client) {
	set := h.byUser[c.UserID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.byUser, c.UserID)
	}
}

// IsOnline is a cardinality check over the user's connection set, not a
// liveness probe.
func (h *Hub) IsOnline(userID string) bool {
	return len(h.byUser[userID]) > 0
}

// FanOut delivers an event to every bound connection of a user.
func (h *Hub) FanOut(userID string, event string, payload interface{}) {
	set := h.byUser[userID]
	if len(set) == 0 {
		return
	}
	msg, err := json.Marshal(models.Event{Type: "event", Event: event, Payload: payload})
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	for c := range set {
		if !c.Enqueue(msg) {
			h.logger.Warn("Dropped event for slow client",
				zap.String("event", event),
				zap.String("userID", userID),
				zap.String("clientID", c.ID),
			)
		}
	}
}

// Respond sends a response envelope to a single connection.
func (h *Hub) Respond(c *Client, resp models.Response) {
	msg, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if !c.Enqueue(msg) {
		h.logger.Warn("Dropped response for slow client", zap.String("clientID", c.ID))
	}
}

// ClientCount is the number of open connections.
func (h *Hub) ClientCount() int {
	return len(h.clients)
}

// OnlineCount is the number of users with at least one bound connection.
func (h *Hub) OnlineCount() int {
	return len(h.byUser)
}
