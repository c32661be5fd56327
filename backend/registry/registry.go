package registry

import (
	"errors"
	"sync"

	"github.com/peerhub/peerhub/backend/model"
	"github.com/rs/zerolog"
)

const defaultMaxParticipants = 4

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room does not exist")
	ErrRoomIsFull   = errors.New("room is full")
)

// room keeps members in join order; members[0] is the creator until the
// creator leaves. peers is kept exactly in sync with members.
type room struct {
	creatorID string
	members   []string
	peers     map[string]model.Peer
}

// Registry is the process-wide room table. All mutations go through its
// mutex; rooms hold at most four members so operations are O(1) in practice.
type Registry struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	rooms  map[string]*room
}

func New(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		mx:     &sync.Mutex{},
		rooms:  make(map[string]*room),
	}
}

// Create inserts a fresh room with clientID as its only member.
func (r *Registry) Create(roomID, clientID string, peer model.Peer) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.rooms[roomID]; ok {
		return ErrRoomExists
	}
	r.rooms[roomID] = &room{
		creatorID: clientID,
		members:   []string{clientID},
		peers:     map[string]model.Peer{clientID: peer},
	}
	r.logger.Debug().
		Str("roomID", roomID).
		Str("clientID", clientID).
		Msg("room created")
	return nil
}

// Join appends clientID to the room and returns the post-join member list
// in join order.
func (r *Registry) Join(roomID, clientID string, peer model.Peer) ([]string, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if len(rm.members) >= defaultMaxParticipants {
		return nil, ErrRoomIsFull
	}
	rm.members = append(rm.members, clientID)
	rm.peers[clientID] = peer

	r.logger.Debug().
		Str("roomID", roomID).
		Str("clientID", clientID).
		Msg("client joined room")
	return append([]string(nil), rm.members...), nil
}

// Leave removes clientID from the room if present (no-op otherwise, so
// disconnect cleanup stays idempotent) and returns the remaining members.
// The room is deleted the moment it becomes empty.
func (r *Registry) Leave(roomID, clientID string) ([]string, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if _, ok = rm.peers[clientID]; ok {
		delete(rm.peers, clientID)
		for i, id := range rm.members {
			if id == clientID {
				rm.members = append(rm.members[:i], rm.members[i+1:]...)
				break
			}
		}
		r.logger.Debug().
			Str("roomID", roomID).
			Str("clientID", clientID).
			Msg("client left room")
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		r.logger.Debug().Str("roomID", roomID).Msg("room deleted")
		return nil, nil
	}
	return append([]string(nil), rm.members...), nil
}

// Peer resolves the send handle of a single room member.
func (r *Registry) Peer(roomID, clientID string) (model.Peer, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	peer, ok := rm.peers[clientID]
	return peer, ok
}

// BroadcastTargets returns send handles of every room member except
// excludeID, in join order.
func (r *Registry) BroadcastTargets(roomID, excludeID string) []model.Peer {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	targets := make([]model.Peer, 0, len(rm.members))
	for _, id := range rm.members {
		if id != excludeID {
			targets = append(targets, rm.peers[id])
		}
	}
	return targets
}

// Snapshot returns a read-only copy of the room's membership.
func (r *Registry) Snapshot(roomID string) (*model.Room, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &model.Room{
		ID:           roomID,
		CreatorID:    rm.creatorID,
		Participants: append([]string(nil), rm.members...),
	}, nil
}

// Len reports the number of live rooms.
func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.rooms)
}
