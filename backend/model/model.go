package model

import "encoding/json"

// Message types sent by clients.
const (
	TypeCreate    = "create"
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeChat      = "chat_message"
)

// Message types sent by server.
const (
	TypeRoomCreated      = "room_created"
	TypeRoomJoined       = "room_joined"
	TypeRoomFull         = "room_full"
	TypeNewParticipant   = "new_participant"
	TypeUserDisconnected = "user_disconnected"
	TypeError            = "error"
)

// Message is a single signaling frame. One struct covers every frame type,
// optional fields are omitted when empty. Offer/answer/candidate payloads
// stay raw and are forwarded verbatim, the hub never interprets them.
type Message struct {
	Type         string          `json:"type"`
	Room         string          `json:"room,omitempty"`
	Target       string          `json:"target,omitempty"`
	Sender       string          `json:"sender,omitempty"` // for outbound messages server assigns this based on websocket session
	PeerID       string          `json:"peerId,omitempty"`
	Participants []string        `json:"participants,omitempty"`
	Text         string          `json:"message,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// Client is the hub-side record of a single websocket connection. The
// transport handle itself never leaves the websocket server, everything
// else addresses the client by ID.
type Client struct {
	ID     string
	RoomID string // room currently joined, empty if none
}

// Peer is a send-capable handle to a connected client, implemented by the
// websocket server. Send is best-effort and reports whether the message was
// enqueued; messages to a gone peer are simply lost.
type Peer interface {
	Send(msg Message) bool
}

// Room is a read-only membership snapshot used by the API server.
type Room struct {
	ID           string   `json:"room_id"`
	CreatorID    string   `json:"creator_id"`
	Participants []string `json:"participants"`
}

// DisplayName derives the chat label shown to other room members.
func DisplayName(id string) string {
	if len(id) > 4 {
		id = id[:4]
	}
	return "Participant " + id
}
