package service

import (
	"context"
	"sync"

	"marcel.works/roomsync/app/model"
)

// Store persists what the relay needs to serve a room: the room itself, its
// song list, who voted for what, and who is connected.
type Store interface {
	SaveRoom(ctx context.Context, room model.Room) error
	Room(ctx context.Context, roomID string) (model.Room, error)
	// DeleteRoom drops the room with its songs, voters and presence.
	DeleteRoom(ctx context.Context, roomID string) error

	SaveSongs(ctx context.Context, roomID string, songs []model.Song) error
	Songs(ctx context.Context, roomID string) ([]model.Song, error)
	NextSongID(ctx context.Context) (int64, error)

	// AddVoter records a vote and reports false when voter already voted.
	AddVoter(ctx context.Context, roomID string, songID int64, voter string) (bool, error)
	RemoveVoter(ctx context.Context, roomID string, songID int64, voter string) error
	ClearVoters(ctx context.Context, roomID string, songID int64) error

	// Join and Leave return the active participant count afterwards.
	Join(ctx context.Context, roomID, sessionID string) (int, error)
	Leave(ctx context.Context, roomID, sessionID string) (int, error)
}

type memoryRoom struct {
	room     model.Room
	songs    []model.Song
	voters   map[int64]map[string]struct{}
	presence map[string]struct{}
}

type MemoryStore struct {
	mu     sync.Mutex
	rooms  map[string]*memoryRoom
	lastID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memoryRoom)}
}

func (s *MemoryStore) get(roomID string) (*memoryRoom, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNoRoom
	}
	return r, nil
}

func (s *MemoryStore) SaveRoom(_ context.Context, room model.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[room.ID]; ok {
		r.room = room
		return nil
	}
	s.rooms[room.ID] = &memoryRoom{
		room:     room,
		voters:   make(map[int64]map[string]struct{}),
		presence: make(map[string]struct{}),
	}
	return nil
}

func (s *MemoryStore) Room(_ context.Context, roomID string) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(roomID)
	if err != nil {
		return model.Room{}, err
	}
	return r.room, nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveSongs(_ context.Context, roomID string, songs []model.Song) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(roomID)
	if err != nil {
		return err
	}
	r.songs = append([]model.Song(nil), songs...)
	return nil
}

func (s *MemoryStore) Songs(_ context.Context, roomID string) ([]model.Song, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(roomID)
	if err != nil {
		return nil, err
	}
	return append([]model.Song(nil), r.songs...), nil
}

func (s *MemoryStore) NextSongID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return s.lastID, nil
}

func (s *MemoryStore) AddVoter(_ context.Context, roomID string, songID int64, voter string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(roomID)
	if err != nil {
		return false, err
	}
	vs, ok := r.voters[songID]
	if !ok {
		vs = make(map[string]struct{})
		r.voters[songID] = vs
	}
	if _, dup := vs[voter]; dup {
		return false, nil
	}
	vs[voter] = struct{}{}
	return true, nil
}

func (s *MemoryStore) RemoveVoter(_ context.Context, roomID string, songID int64, voter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(roomID)
	if err != nil {
		return err
	}
	delete(r.voters[songID], voter)
	return nil
}

func (s *MemoryStore) ClearVoters(_ context.Context, roomID string, songID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(roomID)
	if err != nil {
		return err
	}
	delete(r.voters, songID)
	return nil
}

func (s *MemoryStore) Join(_ context.Context, roomID, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(roomID)
	if err != nil {
		return 0, err
	}
	r.presence[sessionID] = struct{}{}
	return len(r.presence), nil
}

func (s *MemoryStore) Leave(_ context.Context, roomID, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(roomID)
	if err != nil {
		return 0, err
	}
	delete(r.presence, sessionID)
	return len(r.presence), nil
}
