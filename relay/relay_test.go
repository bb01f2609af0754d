package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"cartserver/directory"
	"cartserver/hub"
	"cartserver/metrics"
	"cartserver/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	users []models.User
}

func (s *memStore) Load() ([]models.User, error)   { return s.users, nil }
func (s *memStore) Save(users []models.User) error { s.users = users; return nil }

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	dir, err := directory.New(&memStore{}, zap.NewNop())
	require.NoError(t, err)
	return New(dir, zap.NewNop())
}

// wire is the union of the outbound envelope shapes, for assertions.
type wire struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

func drain(t *testing.T, c *hub.Client) []wire {
	t.Helper()
	var out []wire
	for {
		select {
		case raw := <-c.Outbox():
			var msg wire
			require.NoError(t, json.Unmarshal(raw, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

func events(msgs []wire, name string) []wire {
	var out []wire
	for _, m := range msgs {
		if m.Type == "event" && m.Event == name {
			out = append(out, m)
		}
	}
	return out
}

var reqSeq int

// call drives one correlated request through the dispatcher and returns the
// response.
func call(t *testing.T, r *Relay, c *hub.Client, reqType string, payload interface{}) wire {
	t.Helper()
	reqSeq++
	id := fmt.Sprintf("req-%d", reqSeq)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	msg, err := json.Marshal(models.Request{Type: reqType, RequestID: id, Payload: raw})
	require.NoError(t, err)
	r.HandleMessage(c, msg)

	// Pull the correlated response out of the outbox and requeue everything
	// else so later drains still see the events this request fanned out.
	var resp *wire
	var rest [][]byte
	for {
		select {
		case out := <-c.Outbox():
			var m wire
			require.NoError(t, json.Unmarshal(out, &m))
			if resp == nil && m.Type == "response" && m.RequestID == id {
				resp = &m
			} else {
				rest = append(rest, out)
			}
			continue
		default:
		}
		break
	}
	for _, out := range rest {
		require.True(t, c.Enqueue(out))
	}
	if resp == nil {
		t.Fatalf("no response for %s", reqType)
	}
	return *resp
}

// notify drives one fire-and-forget request through the dispatcher.
func notify(t *testing.T, r *Relay, c *hub.Client, reqType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	msg, err := json.Marshal(models.Request{Type: reqType, Payload: raw})
	require.NoError(t, err)
	r.HandleMessage(c, msg)
}

func connect(t *testing.T, r *Relay) *hub.Client {
	t.Helper()
	c := hub.NewClient(nil)
	r.mu.Lock()
	r.hub.Add(c)
	r.mu.Unlock()
	return c
}

func authenticate(t *testing.T, r *Relay, c *hub.Client, id, name, code string) {
	t.Helper()
	resp := call(t, r, c, models.ReqAuth, authPayload{ID: id, Name: name, FriendCode: code})
	require.True(t, resp.OK, resp.Error)
}

func makeFriends(t *testing.T, r *Relay, a, b *hub.Client, codeB string) {
	t.Helper()
	resp := call(t, r, a, models.ReqFriendsAdd, map[string]string{"code": codeB})
	require.True(t, resp.OK, resp.Error)
	drain(t, a)
	drain(t, b)
}

func createRoom(t *testing.T, r *Relay, c *hub.Client, gameID string) string {
	t.Helper()
	resp := call(t, r, c, models.ReqRoomCreate, map[string]string{"gameId": gameID})
	require.True(t, resp.OK, resp.Error)
	var p roomPayload
	require.NoError(t, json.Unmarshal(resp.Payload, &p))
	require.NotEmpty(t, p.Room.ID)
	return p.Room.ID
}

func joinRoom(t *testing.T, r *Relay, c *hub.Client, roomID string) {
	t.Helper()
	resp := call(t, r, c, models.ReqRoomJoin, map[string]interface{}{"roomId": roomID})
	require.True(t, resp.OK, resp.Error)
}

func TestAuthAndFriendAddByCode(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	drain(t, a)
	drain(t, b)

	resp := call(t, r, a, models.ReqFriendsAdd, map[string]string{"code": "bbbb2222"})
	require.True(t, resp.OK, resp.Error)

	// the other party gets a refreshed list pushed
	pushed := events(drain(t, b), models.EvFriendsList)
	require.Len(t, pushed, 1)
	var list struct {
		Friends []models.FriendEntry `json:"friends"`
	}
	require.NoError(t, json.Unmarshal(pushed[0].Payload, &list))
	require.Len(t, list.Friends, 1)
	assert.Equal(t, "u1", list.Friends[0].ID)
	assert.True(t, list.Friends[0].Online)

	resp = call(t, r, a, models.ReqFriendsList, struct{}{})
	require.True(t, resp.OK)
	require.NoError(t, json.Unmarshal(resp.Payload, &list))
	require.Len(t, list.Friends, 1)
	assert.Equal(t, "u2", list.Friends[0].ID)
	assert.True(t, list.Friends[0].Online)
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	r := newTestRelay(t)
	c := connect(t, r)
	resp := call(t, r, c, models.ReqRoomCreate, map[string]string{"gameId": "smb"})
	assert.False(t, resp.OK)
	assert.Equal(t, "Not authenticated", resp.Error)
}

func TestUnknownRequestTypesCollapseToOneMetricLabel(t *testing.T) {
	r := newTestRelay(t)
	c := connect(t, r)
	authenticate(t, r, c, "u1", "Mario", "AAAA1111")

	before := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("unknown", "error"))
	for _, bogus := range []string{"room:embezzle", "zzz", "metrics{spray}"} {
		resp := call(t, r, c, bogus, struct{}{})
		assert.False(t, resp.OK)
		assert.Equal(t, "Unknown request type", resp.Error)
	}
	after := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("unknown", "error"))
	assert.Equal(t, before+3, after)
}

func TestMalformedEnvelopeGetsUncorrelatedDiagnostic(t *testing.T) {
	r := newTestRelay(t)
	c := connect(t, r)
	r.HandleMessage(c, []byte("{nope"))

	msgs := drain(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "response", msgs[0].Type)
	assert.Empty(t, msgs[0].RequestID)
	assert.False(t, msgs[0].OK)
}

func TestInviteAcceptJoinsRoom(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	makeFriends(t, r, a, b, "BBBB2222")

	roomID := createRoom(t, r, a, "smb")
	drain(t, a)

	resp := call(t, r, a, models.ReqInviteSend, map[string]string{"friendId": "u2", "roomId": roomID})
	require.True(t, resp.OK, resp.Error)

	received := events(drain(t, b), models.EvInviteReceived)
	require.Len(t, received, 1)
	var invPayload struct {
		Invite     models.Invite `json:"invite"`
		SenderName string        `json:"senderName"`
	}
	require.NoError(t, json.Unmarshal(received[0].Payload, &invPayload))
	assert.Equal(t, "Mario", invPayload.SenderName)
	assert.Equal(t, roomID, invPayload.Invite.RoomID)

	resp = call(t, r, b, models.ReqInviteRespond, map[string]interface{}{
		"inviteId": invPayload.Invite.ID, "accept": true,
	})
	require.True(t, resp.OK, resp.Error)
	var rp roomPayload
	require.NoError(t, json.Unmarshal(resp.Payload, &rp))
	assert.Equal(t, []string{"u1", "u2"}, rp.Room.Members)

	aMsgs := drain(t, a)
	assert.Len(t, events(aMsgs, models.EvRoomUpdate), 1, "sender sees the join")
	accepted := events(aMsgs, models.EvInviteAccepted)
	require.Len(t, accepted, 1)
	var acc struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, json.Unmarshal(accepted[0].Payload, &acc))
	assert.Equal(t, roomID, acc.RoomID)
	assert.Len(t, events(drain(t, b), models.EvRoomUpdate), 1)

	// a second response fails as not-found
	resp = call(t, r, b, models.ReqInviteRespond, map[string]interface{}{
		"inviteId": invPayload.Invite.ID, "accept": true,
	})
	assert.False(t, resp.OK)
	assert.Equal(t, "Invite not found", resp.Error)
}

func TestInviteDeclineNotifiesSender(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	makeFriends(t, r, a, b, "BBBB2222")
	roomID := createRoom(t, r, a, "smb")
	drain(t, a)

	resp := call(t, r, a, models.ReqInviteSend, map[string]string{"friendId": "u2", "roomId": roomID})
	require.True(t, resp.OK)
	received := events(drain(t, b), models.EvInviteReceived)
	require.Len(t, received, 1)
	var invPayload struct {
		Invite models.Invite `json:"invite"`
	}
	require.NoError(t, json.Unmarshal(received[0].Payload, &invPayload))

	resp = call(t, r, b, models.ReqInviteRespond, map[string]interface{}{
		"inviteId": invPayload.Invite.ID, "accept": false,
	})
	require.True(t, resp.OK)
	assert.Len(t, events(drain(t, a), models.EvInviteDeclined), 1)

	// declined invites are consumed too
	resp = call(t, r, b, models.ReqInviteRespond, map[string]interface{}{
		"inviteId": invPayload.Invite.ID, "accept": false,
	})
	assert.False(t, resp.OK)
}

func TestInviteRequiresFriendOnlineAndHost(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	roomID := createRoom(t, r, a, "smb")

	// not friends yet
	resp := call(t, r, a, models.ReqInviteSend, map[string]string{"friendId": "u2", "roomId": roomID})
	assert.False(t, resp.OK)

	makeFriends(t, r, a, b, "BBBB2222")
	joinRoom(t, r, b, roomID)
	drain(t, a)

	// non-host member cannot invite
	resp = call(t, r, b, models.ReqInviteSend, map[string]string{"friendId": "u1", "roomId": roomID})
	assert.False(t, resp.OK)
	assert.Equal(t, "Only host can invite", resp.Error)
}

func TestNetplayStartBroadcastsRomToEveryMember(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	roomID := createRoom(t, r, a, "smb")
	joinRoom(t, r, b, roomID)
	drain(t, a)
	drain(t, b)

	resp := call(t, r, a, models.ReqNetplayStart, map[string]string{
		"roomId":          roomID,
		"gameId":          "smb",
		"romPayload":      "QkFTRTY0Uk9N",
		"emulatorId":      "nes",
		"romFingerprint":  "sha1:deadbeef",
		"protocolVersion": "1",
		"coreVersion":     "0.9.2",
	})
	require.True(t, resp.OK, resp.Error)

	for _, c := range []*hub.Client{a, b} {
		started := events(drain(t, c), models.EvNetplayStart)
		require.Len(t, started, 1, "every member including the actor bootstraps from the event")
		var p struct {
			RoomID  string         `json:"roomId"`
			Session models.Session `json:"session"`
		}
		require.NoError(t, json.Unmarshal(started[0].Payload, &p))
		assert.Equal(t, roomID, p.RoomID)
		assert.Equal(t, "QkFTRTY0Uk9N", p.Session.RomPayload)
		assert.Equal(t, models.ModeLockstep, p.Session.Mode)
	}
}

func TestNetplayInputIsForwardedToOtherMembersOnly(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	roomID := createRoom(t, r, a, "smb")
	joinRoom(t, r, b, roomID)
	drain(t, a)
	drain(t, b)

	notify(t, r, a, models.ReqNetplayInput, map[string]interface{}{
		"roomId": roomID, "frame": 10, "mask": 3,
	})

	assert.Empty(t, events(drain(t, a), models.EvNetplayInput), "sender does not echo")
	forwarded := events(drain(t, b), models.EvNetplayInput)
	require.Len(t, forwarded, 1)
	var p struct {
		UserID string `json:"userId"`
		Frame  uint32 `json:"frame"`
		Mask   uint16 `json:"mask"`
	}
	require.NoError(t, json.Unmarshal(forwarded[0].Payload, &p))
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, uint32(10), p.Frame)
	assert.Equal(t, uint16(3), p.Mask)
}

func TestLockIsHostOnlyOverTheWire(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	roomID := createRoom(t, r, a, "smb")
	joinRoom(t, r, b, roomID)

	resp := call(t, r, b, models.ReqRoomLock, map[string]interface{}{"roomId": roomID, "locked": true})
	assert.False(t, resp.OK)
	assert.Equal(t, "Only host can change lock", resp.Error)
}

func TestChatIsTruncatedTo400(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	roomID := createRoom(t, r, a, "smb")
	joinRoom(t, r, b, roomID)
	drain(t, a)
	drain(t, b)

	resp := call(t, r, a, models.ReqChatSend, map[string]string{
		"roomId": roomID, "text": strings.Repeat("x", 450),
	})
	require.True(t, resp.OK, resp.Error)

	chat := events(drain(t, b), models.EvRoomChat)
	require.Len(t, chat, 1)
	var p struct {
		Message models.ChatMessage `json:"message"`
	}
	require.NoError(t, json.Unmarshal(chat[0].Payload, &p))
	assert.Len(t, p.Message.Text, 400)
	assert.Equal(t, "Mario", p.Message.SenderName)
}

func TestHostCloseNotifiesOthersExactlyOnce(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	roomID := createRoom(t, r, a, "smb")
	joinRoom(t, r, b, roomID)
	drain(t, a)
	drain(t, b)

	resp := call(t, r, a, models.ReqRoomClose, roomRef{RoomID: roomID})
	require.True(t, resp.OK, resp.Error)

	bMsgs := drain(t, b)
	assert.Len(t, events(bMsgs, models.EvRoomClosed), 1)
	assert.Empty(t, events(bMsgs, models.EvRoomKicked))
	assert.Empty(t, events(drain(t, a), models.EvRoomClosed), "the closing host is not notified")

	resp = call(t, r, b, models.ReqRoomState, roomRef{RoomID: roomID})
	assert.False(t, resp.OK)
	assert.Equal(t, "Room not found", resp.Error)
}

func TestKickedMemberGetsDedicatedEvent(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	roomID := createRoom(t, r, a, "smb")
	joinRoom(t, r, b, roomID)
	drain(t, a)
	drain(t, b)

	resp := call(t, r, a, models.ReqRoomKick, map[string]string{"roomId": roomID, "targetId": "u2"})
	require.True(t, resp.OK, resp.Error)

	bMsgs := drain(t, b)
	assert.Len(t, events(bMsgs, models.EvRoomKicked), 1)
	assert.Empty(t, events(bMsgs, models.EvRoomClosed))
	assert.Empty(t, events(bMsgs, models.EvRoomUpdate), "the target is gone before the update broadcast")
}

func TestStreamSignalRelaysOpaquely(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	roomID := createRoom(t, r, a, "smb")
	joinRoom(t, r, b, roomID)
	drain(t, a)
	drain(t, b)

	offer := map[string]interface{}{"sdp": "v=0...", "type": "offer", "nested": map[string]int{"x": 1}}
	resp := call(t, r, a, models.ReqStreamSignal, map[string]interface{}{
		"roomId": roomID, "targetUserId": "u2", "signal": offer,
	})
	require.True(t, resp.OK, resp.Error)

	forwarded := events(drain(t, b), models.EvStreamSignal)
	require.Len(t, forwarded, 1)
	var p struct {
		UserID string          `json:"userId"`
		Signal json.RawMessage `json:"signal"`
	}
	require.NoError(t, json.Unmarshal(forwarded[0].Payload, &p))
	assert.Equal(t, "u1", p.UserID)
	var echoed map[string]interface{}
	require.NoError(t, json.Unmarshal(p.Signal, &echoed))
	assert.Equal(t, "offer", echoed["type"])
	assert.Empty(t, events(drain(t, a), models.EvStreamSignal))

	// anything that is not an object is refused
	resp = call(t, r, a, models.ReqStreamSignal, map[string]interface{}{
		"roomId": roomID, "targetUserId": "u2", "signal": 42,
	})
	assert.False(t, resp.OK)
	assert.Equal(t, "Signal must be an object", resp.Error)
}

func TestStreamInputFlowsToHostAndPauseToOthers(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	roomID := createRoom(t, r, a, "smb")
	joinRoom(t, r, b, roomID)
	drain(t, a)
	drain(t, b)

	notify(t, r, b, models.ReqStreamInput, map[string]interface{}{
		"roomId": roomID, "input": map[string]int{"mask": 8},
	})
	assert.Len(t, events(drain(t, a), models.EvStreamInput), 1)
	assert.Empty(t, events(drain(t, b), models.EvStreamInput))

	notify(t, r, a, models.ReqRoomPause, map[string]interface{}{"roomId": roomID, "paused": true})
	paused := events(drain(t, b), models.EvRoomPause)
	require.Len(t, paused, 1)
	assert.Empty(t, events(drain(t, a), models.EvRoomPause), "sender is excluded")
}

func TestDisconnectStripsMembershipOnLastConnection(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b1 := connect(t, r)
	b2 := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b1, "u2", "Luigi", "BBBB2222")
	authenticate(t, r, b2, "u2", "Luigi", "BBBB2222")
	roomID := createRoom(t, r, a, "smb")
	joinRoom(t, r, b1, roomID)
	drain(t, a)
	drain(t, b1)
	drain(t, b2)

	// one of two devices drops: membership survives
	r.disconnect(b1)
	resp := call(t, r, a, models.ReqRoomState, roomRef{RoomID: roomID})
	require.True(t, resp.OK)
	var rp roomPayload
	require.NoError(t, json.Unmarshal(resp.Payload, &rp))
	assert.Equal(t, []string{"u1", "u2"}, rp.Room.Members)

	// the last device drops: implicit leave
	drain(t, a)
	r.disconnect(b2)
	updates := events(drain(t, a), models.EvRoomUpdate)
	require.Len(t, updates, 1)
	resp = call(t, r, a, models.ReqRoomState, roomRef{RoomID: roomID})
	require.True(t, resp.OK)
	require.NoError(t, json.Unmarshal(resp.Payload, &rp))
	assert.Equal(t, []string{"u1"}, rp.Room.Members)
}

func TestPresencePushOnRoomChange(t *testing.T) {
	r := newTestRelay(t)
	a := connect(t, r)
	b := connect(t, r)
	authenticate(t, r, a, "u1", "Mario", "AAAA1111")
	authenticate(t, r, b, "u2", "Luigi", "BBBB2222")
	makeFriends(t, r, a, b, "BBBB2222")

	roomID := createRoom(t, r, a, "smb")

	updates := events(drain(t, b), models.EvPresenceUpdate)
	require.NotEmpty(t, updates)
	var p struct {
		Friend models.FriendEntry `json:"friend"`
	}
	require.NoError(t, json.Unmarshal(updates[len(updates)-1].Payload, &p))
	assert.Equal(t, "u1", p.Friend.ID)
	assert.Equal(t, roomID, p.Friend.RoomID)
	assert.Equal(t, "smb", p.Friend.GameID)
	assert.Equal(t, 1, p.Friend.RoomOccupancy)
}
