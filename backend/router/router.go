package router

import (
	"encoding/json"
	"errors"

	"github.com/peerhub/peerhub/backend/model"
	"github.com/peerhub/peerhub/backend/registry"
	"github.com/rs/zerolog"
)

const (
	errTextRoomExists   = "Room already exists"
	errTextRoomNotFound = "Room does not exist"
)

type (
	// RoomRegistry is the registry surface the router mutates. Only the
	// router ever changes room membership; transport code stays out.
	RoomRegistry interface {
		Create(roomID, clientID string, peer model.Peer) error
		Join(roomID, clientID string, peer model.Peer) ([]string, error)
		Leave(roomID, clientID string) ([]string, error)
		Peer(roomID, clientID string) (model.Peer, bool)
		BroadcastTargets(roomID, excludeID string) []model.Peer
	}

	Router struct {
		reg    RoomRegistry
		logger zerolog.Logger
	}

	Config struct {
		Registry RoomRegistry
		Logger   *zerolog.Logger
	}
)

func New(cfg Config) *Router {
	return &Router{
		reg:    cfg.Registry,
		logger: cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// HandleMessage decodes one inbound frame from cl and dispatches it by type.
// Malformed frames and unknown types are logged and dropped, they never
// terminate the connection. peer is the sending client's own send handle,
// used for replies.
func (rt *Router) HandleMessage(cl *model.Client, peer model.Peer, frame []byte) {
	var msg model.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		rt.logger.Debug().Err(err).
			Str("clientID", cl.ID).
			Msg("discarding malformed frame")
		return
	}

	switch msg.Type {
	case model.TypeCreate:
		rt.handleCreate(cl, peer, msg)
	case model.TypeJoin:
		rt.handleJoin(cl, peer, msg)
	case model.TypeOffer, model.TypeAnswer, model.TypeCandidate:
		rt.relay(cl, msg)
	case model.TypeChat:
		rt.chat(cl, msg)
	case model.TypeLeave:
		rt.leave(cl)
	default:
		rt.logger.Debug().
			Str("clientID", cl.ID).
			Str("type", msg.Type).
			Msg("unknown message type")
	}
}

// HandleDisconnect runs the same cleanup as an explicit leave for whatever
// room cl occupies. Safe to call after a prior leave: cl no longer holds a
// room reference and nothing happens.
func (rt *Router) HandleDisconnect(cl *model.Client) {
	rt.leave(cl)
}

func (rt *Router) handleCreate(cl *model.Client, peer model.Peer, msg model.Message) {
	if msg.Room == "" || cl.RoomID != "" {
		rt.logger.Debug().
			Str("clientID", cl.ID).
			Str("roomID", cl.RoomID).
			Msg("dropping invalid create")
		return
	}
	if err := rt.reg.Create(msg.Room, cl.ID, peer); err != nil {
		peer.Send(model.Message{Type: model.TypeError, Text: errTextRoomExists})
		return
	}
	cl.RoomID = msg.Room
	peer.Send(model.Message{Type: model.TypeRoomCreated, Room: msg.Room})
}

func (rt *Router) handleJoin(cl *model.Client, peer model.Peer, msg model.Message) {
	if msg.Room == "" || cl.RoomID != "" {
		rt.logger.Debug().
			Str("clientID", cl.ID).
			Str("roomID", cl.RoomID).
			Msg("dropping invalid join")
		return
	}
	members, err := rt.reg.Join(msg.Room, cl.ID, peer)
	switch {
	case errors.Is(err, registry.ErrRoomIsFull):
		peer.Send(model.Message{Type: model.TypeRoomFull, Room: msg.Room})
		return
	case err != nil:
		peer.Send(model.Message{Type: model.TypeError, Text: errTextRoomNotFound})
		return
	}
	cl.RoomID = msg.Room

	// Confirmation goes first so the joining client sees the authoritative
	// roster before any later new_participant notices.
	peer.Send(model.Message{
		Type:         model.TypeRoomJoined,
		Room:         msg.Room,
		Participants: members,
	})
	rt.broadcast(msg.Room, cl.ID, model.Message{
		Type:   model.TypeNewParticipant,
		Room:   msg.Room,
		PeerID: cl.ID,
	})
}

// relay forwards offer/answer/candidate to the named target only. Sender is
// always the hub-assigned connection id, a client-supplied sender field is
// ignored.
func (rt *Router) relay(cl *model.Client, msg model.Message) {
	if cl.RoomID == "" || msg.Room != cl.RoomID || msg.Target == "" {
		rt.logger.Debug().
			Str("clientID", cl.ID).
			Str("type", msg.Type).
			Msg("dropping relay outside of joined room")
		return
	}
	peer, ok := rt.reg.Peer(msg.Room, msg.Target)
	if !ok {
		rt.logger.Debug().
			Str("clientID", cl.ID).
			Str("target", msg.Target).
			Str("type", msg.Type).
			Msg("cannot forward, target not found")
		return
	}
	sent := peer.Send(model.Message{
		Type:      msg.Type,
		Room:      msg.Room,
		Sender:    cl.ID,
		Offer:     msg.Offer,
		Answer:    msg.Answer,
		Candidate: msg.Candidate,
	})
	if !sent {
		rt.logger.Debug().
			Str("clientID", cl.ID).
			Str("target", msg.Target).
			Str("type", msg.Type).
			Msg("relay was dropped, dead target")
	}
}

func (rt *Router) chat(cl *model.Client, msg model.Message) {
	if cl.RoomID == "" || msg.Room != cl.RoomID {
		rt.logger.Debug().
			Str("clientID", cl.ID).
			Msg("dropping chat outside of joined room")
		return
	}
	rt.broadcast(cl.RoomID, cl.ID, model.Message{
		Type:   model.TypeChat,
		Room:   cl.RoomID,
		Sender: model.DisplayName(cl.ID),
		Text:   msg.Text,
	})
}

func (rt *Router) leave(cl *model.Client) {
	if cl.RoomID == "" {
		return
	}
	roomID := cl.RoomID
	cl.RoomID = ""

	if _, err := rt.reg.Leave(roomID, cl.ID); err != nil {
		rt.logger.Debug().Err(err).
			Str("clientID", cl.ID).
			Str("roomID", roomID).
			Msg("leave for unknown room")
		return
	}
	rt.broadcast(roomID, cl.ID, model.Message{
		Type:   model.TypeUserDisconnected,
		Room:   roomID,
		PeerID: cl.ID,
	})
}

func (rt *Router) broadcast(roomID, excludeID string, msg model.Message) {
	var sent bool
	for _, peer := range rt.reg.BroadcastTargets(roomID, excludeID) {
		if peer.Send(msg) {
			sent = true
		}
	}
	if !sent {
		rt.logger.Debug().
			Str("roomID", roomID).
			Str("type", msg.Type).
			Msg("broadcast did not reach anyone")
	}
}
