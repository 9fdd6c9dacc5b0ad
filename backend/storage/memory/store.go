package memory

import (
	"errors"
	"sync"

	"github.com/adwski/webrtc-call/backend/model"
)

var (
	ErrRoomIsFull   = errors.New("room is full")
	ErrRoomNotFound = errors.New("room is not found")
	ErrNotAMember   = errors.New("user is not a member of this room")
)

// MemStore keeps room membership of the relay. Rooms are created on first
// join and dropped once the last participant leaves.
type MemStore struct {
	mx      *sync.Mutex
	db      map[string]*model.Room
	members map[string]map[string]struct{} // userID -> roomIDs
	maxSize int
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:      &sync.Mutex{},
		db:      make(map[string]*model.Room),
		members: make(map[string]map[string]struct{}),
		maxSize: model.MaxRoomParticipants,
	}
}

func (ms *MemStore) CreateOrJoinRoom(roomID string, userID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		room = &model.Room{
			ID:           roomID,
			Participants: make(map[string]model.Participant),
		}
		ms.db[roomID] = room
	}

	if len(room.Participants) >= ms.maxSize {
		if _, ok := room.Participants[userID]; !ok {
			return nil, ErrRoomIsFull
		}
	}

	room.Participants[userID] = model.Participant{
		ID: userID,
	}
	rooms, ok := ms.members[userID]
	if !ok {
		rooms = make(map[string]struct{})
		ms.members[userID] = rooms
	}
	rooms[roomID] = struct{}{}
	return copyRoom(room), nil
}

// LeaveRoom removes userID from roomID and returns the remaining room state.
func (ms *MemStore) LeaveRoom(roomID string, userID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if _, ok = room.Participants[userID]; !ok {
		return nil, ErrNotAMember
	}
	delete(room.Participants, userID)
	if rooms, ok := ms.members[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(ms.members, userID)
		}
	}
	if len(room.Participants) == 0 {
		delete(ms.db, roomID)
	}
	return copyRoom(room), nil
}

func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

// RoomsOf lists rooms userID is currently a member of.
func (ms *MemStore) RoomsOf(userID string) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rooms := make([]string, 0, len(ms.members[userID]))
	for roomID := range ms.members[userID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func copyRoom(room *model.Room) *model.Room {
	cp := &model.Room{
		ID:           room.ID,
		Participants: make(map[string]model.Participant, len(room.Participants)),
	}
	for id, p := range room.Participants {
		cp.Participants[id] = p
	}
	return cp
}
