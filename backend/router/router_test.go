package router_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/peerhub/peerhub/backend/model"
	"github.com/peerhub/peerhub/backend/registry"
	"github.com/peerhub/peerhub/backend/router"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer records everything the router sends to one client.
type fakePeer struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (p *fakePeer) Send(msg model.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *fakePeer) messages() []model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Message(nil), p.msgs...)
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

func newRouter(t *testing.T) (*router.Router, *registry.Registry) {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New(&logger)
	return router.New(router.Config{Registry: reg, Logger: &logger}), reg
}

func frame(t *testing.T, msg model.Message) []byte {
	t.Helper()
	b, err := json.Marshal(&msg)
	require.NoError(t, err)
	return b
}

func TestRouter_CreateRoom(t *testing.T) {
	rt, reg := newRouter(t)

	alice := &model.Client{ID: "alice"}
	alicePeer := &fakePeer{}

	rt.HandleMessage(alice, alicePeer, frame(t, model.Message{Type: model.TypeCreate, Room: "r1"}))

	require.Len(t, alicePeer.messages(), 1)
	assert.Equal(t, model.Message{Type: model.TypeRoomCreated, Room: "r1"}, alicePeer.messages()[0])
	assert.Equal(t, "r1", alice.RoomID)

	// Conflicting create gets an error reply and the room stays untouched.
	bob := &model.Client{ID: "bob"}
	bobPeer := &fakePeer{}
	rt.HandleMessage(bob, bobPeer, frame(t, model.Message{Type: model.TypeCreate, Room: "r1"}))

	require.Len(t, bobPeer.messages(), 1)
	assert.Equal(t, model.TypeError, bobPeer.messages()[0].Type)
	assert.Equal(t, "Room already exists", bobPeer.messages()[0].Text)
	assert.Empty(t, bob.RoomID)

	room, err := reg.Snapshot("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, room.Participants)

	// A second create from an already-joined client is dropped silently.
	rt.HandleMessage(alice, alicePeer, frame(t, model.Message{Type: model.TypeCreate, Room: "r2"}))
	require.Len(t, alicePeer.messages(), 1)
	assert.Equal(t, 1, reg.Len())
}

func TestRouter_JoinNotifications(t *testing.T) {
	rt, _ := newRouter(t)

	alice := &model.Client{ID: "alice"}
	alicePeer := &fakePeer{}
	rt.HandleMessage(alice, alicePeer, frame(t, model.Message{Type: model.TypeCreate, Room: "r1"}))
	alicePeer.reset()

	bob := &model.Client{ID: "bob"}
	bobPeer := &fakePeer{}
	rt.HandleMessage(bob, bobPeer, frame(t, model.Message{Type: model.TypeJoin, Room: "r1"}))

	// Joining client learns the full roster, first entry is the creator.
	require.Len(t, bobPeer.messages(), 1)
	assert.Equal(t, model.Message{
		Type:         model.TypeRoomJoined,
		Room:         "r1",
		Participants: []string{"alice", "bob"},
	}, bobPeer.messages()[0])
	assert.Equal(t, "r1", bob.RoomID)

	// Existing member is told about the newcomer, not about itself.
	require.Len(t, alicePeer.messages(), 1)
	assert.Equal(t, model.Message{
		Type:   model.TypeNewParticipant,
		Room:   "r1",
		PeerID: "bob",
	}, alicePeer.messages()[0])
}

func TestRouter_JoinErrors(t *testing.T) {
	rt, reg := newRouter(t)

	t.Run("unknown room", func(t *testing.T) {
		bob := &model.Client{ID: "bob"}
		bobPeer := &fakePeer{}
		rt.HandleMessage(bob, bobPeer, frame(t, model.Message{Type: model.TypeJoin, Room: "nope"}))

		require.Len(t, bobPeer.messages(), 1)
		assert.Equal(t, model.TypeError, bobPeer.messages()[0].Type)
		assert.Equal(t, "Room does not exist", bobPeer.messages()[0].Text)
		assert.Empty(t, bob.RoomID)
	})

	t.Run("full room", func(t *testing.T) {
		creator := &model.Client{ID: "u0"}
		rt.HandleMessage(creator, &fakePeer{}, frame(t, model.Message{Type: model.TypeCreate, Room: "r1"}))
		for i := 1; i < 4; i++ {
			cl := &model.Client{ID: fmt.Sprintf("u%d", i)}
			rt.HandleMessage(cl, &fakePeer{}, frame(t, model.Message{Type: model.TypeJoin, Room: "r1"}))
			require.Equal(t, "r1", cl.RoomID)
		}

		fifth := &model.Client{ID: "u4"}
		fifthPeer := &fakePeer{}
		rt.HandleMessage(fifth, fifthPeer, frame(t, model.Message{Type: model.TypeJoin, Room: "r1"}))

		require.Len(t, fifthPeer.messages(), 1)
		assert.Equal(t, model.Message{Type: model.TypeRoomFull, Room: "r1"}, fifthPeer.messages()[0])
		assert.Empty(t, fifth.RoomID)

		room, err := reg.Snapshot("r1")
		require.NoError(t, err)
		assert.Equal(t, []string{"u0", "u1", "u2", "u3"}, room.Participants)
	})
}

// threeMemberRoom sets up r1 with alice (creator), bob and carol, and clears
// the setup traffic from all peers.
func threeMemberRoom(t *testing.T, rt *router.Router) (clients map[string]*model.Client, peers map[string]*fakePeer) {
	t.Helper()
	clients = make(map[string]*model.Client)
	peers = make(map[string]*fakePeer)
	for i, id := range []string{"alice", "bob", "carol"} {
		clients[id] = &model.Client{ID: id}
		peers[id] = &fakePeer{}
		msgType := model.TypeJoin
		if i == 0 {
			msgType = model.TypeCreate
		}
		rt.HandleMessage(clients[id], peers[id], frame(t, model.Message{Type: msgType, Room: "r1"}))
		require.Equal(t, "r1", clients[id].RoomID)
	}
	for _, p := range peers {
		p.reset()
	}
	return clients, peers
}

func TestRouter_RelayTargeted(t *testing.T) {
	rt, _ := newRouter(t)
	clients, peers := threeMemberRoom(t, rt)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	rt.HandleMessage(clients["alice"], peers["alice"], frame(t, model.Message{
		Type:   model.TypeOffer,
		Room:   "r1",
		Target: "bob",
		Sender: "mallory", // client-supplied sender must be ignored
		Offer:  offer,
	}))

	got := peers["bob"].messages()
	require.Len(t, got, 1, spew.Sdump(got))
	assert.Equal(t, model.TypeOffer, got[0].Type)
	assert.Equal(t, "alice", got[0].Sender)
	assert.Equal(t, offer, got[0].Offer)

	// Only the named target hears the offer.
	assert.Empty(t, peers["carol"].messages())
	assert.Empty(t, peers["alice"].messages())

	// Answer and candidate follow the same path back.
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	rt.HandleMessage(clients["bob"], peers["bob"], frame(t, model.Message{
		Type:   model.TypeAnswer,
		Room:   "r1",
		Target: "alice",
		Answer: answer,
	}))
	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp"}`)
	rt.HandleMessage(clients["bob"], peers["bob"], frame(t, model.Message{
		Type:      model.TypeCandidate,
		Room:      "r1",
		Target:    "alice",
		Candidate: candidate,
	}))

	got = peers["alice"].messages()
	require.Len(t, got, 2, spew.Sdump(got))
	assert.Equal(t, model.TypeAnswer, got[0].Type)
	assert.Equal(t, "bob", got[0].Sender)
	assert.Equal(t, answer, got[0].Answer)
	assert.Equal(t, model.TypeCandidate, got[1].Type)
	assert.Equal(t, candidate, got[1].Candidate)
}

func TestRouter_RelayDropped(t *testing.T) {
	rt, _ := newRouter(t)
	clients, peers := threeMemberRoom(t, rt)

	// Unknown target, room mismatch, and a sender that never joined are all
	// silently dropped.
	rt.HandleMessage(clients["alice"], peers["alice"], frame(t, model.Message{
		Type: model.TypeOffer, Room: "r1", Target: "nobody",
	}))
	rt.HandleMessage(clients["alice"], peers["alice"], frame(t, model.Message{
		Type: model.TypeOffer, Room: "other", Target: "bob",
	}))

	stranger := &model.Client{ID: "stranger"}
	rt.HandleMessage(stranger, &fakePeer{}, frame(t, model.Message{
		Type: model.TypeOffer, Room: "r1", Target: "bob",
	}))

	assert.Empty(t, peers["alice"].messages())
	assert.Empty(t, peers["bob"].messages())
	assert.Empty(t, peers["carol"].messages())
}

func TestRouter_Chat(t *testing.T) {
	rt, _ := newRouter(t)
	clients, peers := threeMemberRoom(t, rt)

	rt.HandleMessage(clients["bob"], peers["bob"], frame(t, model.Message{
		Type: model.TypeChat,
		Room: "r1",
		Text: "hello there",
	}))

	want := model.Message{
		Type:   model.TypeChat,
		Room:   "r1",
		Sender: "Participant bob",
		Text:   "hello there",
	}
	for _, id := range []string{"alice", "carol"} {
		got := peers[id].messages()
		require.Len(t, got, 1, spew.Sdump(got))
		assert.Equal(t, want, got[0])
	}
	assert.Empty(t, peers["bob"].messages())
}

func TestRouter_LeaveAndDisconnect(t *testing.T) {
	rt, reg := newRouter(t)

	alice := &model.Client{ID: "alice"}
	alicePeer := &fakePeer{}
	rt.HandleMessage(alice, alicePeer, frame(t, model.Message{Type: model.TypeCreate, Room: "r1"}))

	bob := &model.Client{ID: "bob"}
	bobPeer := &fakePeer{}
	rt.HandleMessage(bob, bobPeer, frame(t, model.Message{Type: model.TypeJoin, Room: "r1"}))
	alicePeer.reset()

	// Explicit leave notifies the remaining member and keeps the room alive.
	rt.HandleMessage(bob, bobPeer, frame(t, model.Message{Type: model.TypeLeave, Room: "r1"}))

	got := alicePeer.messages()
	require.Len(t, got, 1)
	assert.Equal(t, model.Message{
		Type:   model.TypeUserDisconnected,
		Room:   "r1",
		PeerID: "bob",
	}, got[0])
	assert.Empty(t, bob.RoomID)

	room, err := reg.Snapshot("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, room.Participants)

	// Transport close after an explicit leave must not notify twice.
	rt.HandleDisconnect(bob)
	assert.Len(t, alicePeer.messages(), 1)

	// Last member disconnecting removes the room.
	rt.HandleDisconnect(alice)
	assert.Empty(t, alice.RoomID)
	assert.Equal(t, 0, reg.Len())
}

func TestRouter_DisconnectWithoutLeave(t *testing.T) {
	rt, reg := newRouter(t)

	alice := &model.Client{ID: "alice"}
	alicePeer := &fakePeer{}
	rt.HandleMessage(alice, alicePeer, frame(t, model.Message{Type: model.TypeCreate, Room: "r1"}))

	bob := &model.Client{ID: "bob"}
	rt.HandleMessage(bob, &fakePeer{}, frame(t, model.Message{Type: model.TypeJoin, Room: "r1"}))
	alicePeer.reset()

	// Dropped transport produces exactly the same transition as a leave.
	rt.HandleDisconnect(bob)

	got := alicePeer.messages()
	require.Len(t, got, 1)
	assert.Equal(t, model.TypeUserDisconnected, got[0].Type)
	assert.Equal(t, "bob", got[0].PeerID)

	room, err := reg.Snapshot("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, room.Participants)
}

func TestRouter_InvalidFrames(t *testing.T) {
	rt, reg := newRouter(t)

	alice := &model.Client{ID: "alice"}
	alicePeer := &fakePeer{}
	rt.HandleMessage(alice, alicePeer, frame(t, model.Message{Type: model.TypeCreate, Room: "r1"}))
	alicePeer.reset()

	rt.HandleMessage(alice, alicePeer, []byte("{not json"))
	rt.HandleMessage(alice, alicePeer, frame(t, model.Message{Type: "warp_drive"}))
	rt.HandleMessage(alice, alicePeer, frame(t, model.Message{Type: model.TypeCreate}))
	rt.HandleMessage(alice, alicePeer, frame(t, model.Message{Type: model.TypeChat, Room: "other", Text: "hi"}))

	assert.Empty(t, alicePeer.messages())
	assert.Equal(t, "r1", alice.RoomID)
	assert.Equal(t, 1, reg.Len())
}
