package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/encoding/json"

	"marcel.works/roomsync/app/model"
)

const _keySongID = "roomsync:song-id"

type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(addr, password string) *RedisStore {
	return &RedisStore{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})}
}

func (s *RedisStore) Connect(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func roomKey(roomID string) string     { return "roomsync:room:" + roomID }
func songsKey(roomID string) string    { return "roomsync:room:" + roomID + ":songs" }
func presenceKey(roomID string) string { return "roomsync:room:" + roomID + ":presence" }
func votersKey(roomID string, songID int64) string {
	return fmt.Sprintf("roomsync:room:%s:voters:%d", roomID, songID)
}

func (s *RedisStore) exists(ctx context.Context, roomID string) error {
	n, err := s.Client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRoom
	}
	return nil
}

func (s *RedisStore) SaveRoom(ctx context.Context, room model.Room) error {
	payload, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, roomKey(room.ID), payload, 0).Err()
}

func (s *RedisStore) Room(ctx context.Context, roomID string) (model.Room, error) {
	payload, err := s.Client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Room{}, ErrNoRoom
	}
	if err != nil {
		return model.Room{}, err
	}
	var room model.Room
	err = json.Unmarshal(payload, &room)
	return room, err
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	keys := []string{roomKey(roomID), songsKey(roomID), presenceKey(roomID)}
	voters, err := s.Client.Keys(ctx, "roomsync:room:"+roomID+":voters:*").Result()
	if err != nil {
		return err
	}
	return s.Client.Del(ctx, append(keys, voters...)...).Err()
}

func (s *RedisStore) SaveSongs(ctx context.Context, roomID string, songs []model.Song) error {
	if err := s.exists(ctx, roomID); err != nil {
		return err
	}
	if songs == nil {
		songs = []model.Song{}
	}
	payload, err := json.Marshal(songs)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, songsKey(roomID), payload, 0).Err()
}

func (s *RedisStore) Songs(ctx context.Context, roomID string) ([]model.Song, error) {
	if err := s.exists(ctx, roomID); err != nil {
		return nil, err
	}
	payload, err := s.Client.Get(ctx, songsKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var songs []model.Song
	err = json.Unmarshal(payload, &songs)
	return songs, err
}

func (s *RedisStore) NextSongID(ctx context.Context) (int64, error) {
	return s.Client.Incr(ctx, _keySongID).Result()
}

func (s *RedisStore) AddVoter(ctx context.Context, roomID string, songID int64, voter string) (bool, error) {
	if err := s.exists(ctx, roomID); err != nil {
		return false, err
	}
	added, err := s.Client.SAdd(ctx, votersKey(roomID, songID), voter).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func (s *RedisStore) RemoveVoter(ctx context.Context, roomID string, songID int64, voter string) error {
	return s.Client.SRem(ctx, votersKey(roomID, songID), voter).Err()
}

func (s *RedisStore) ClearVoters(ctx context.Context, roomID string, songID int64) error {
	return s.Client.Del(ctx, votersKey(roomID, songID)).Err()
}

func (s *RedisStore) Join(ctx context.Context, roomID, sessionID string) (int, error) {
	if err := s.exists(ctx, roomID); err != nil {
		return 0, err
	}
	pipe := s.Client.TxPipeline()
	pipe.SAdd(ctx, presenceKey(roomID), sessionID)
	count := pipe.SCard(ctx, presenceKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(count.Val()), nil
}

func (s *RedisStore) Leave(ctx context.Context, roomID, sessionID string) (int, error) {
	if err := s.exists(ctx, roomID); err != nil {
		return 0, err
	}
	pipe := s.Client.TxPipeline()
	pipe.SRem(ctx, presenceKey(roomID), sessionID)
	count := pipe.SCard(ctx, presenceKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(count.Val()), nil
}
