package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/queue"
	"marcel.works/roomsync/app/youtube"
)

// Relay plays the room backend's part in process: it relays client
// publications to room topics, keeps presence counts, and runs queue
// transitions authoritatively before broadcasting the full song list.
type Relay struct {
	Broker Broker
	Store  Store

	topicPrefix string
	appPrefix   string
	log         *zap.Logger

	mu sync.Mutex
}

func NewRelay(broker Broker, store Store, topicPrefix, appPrefix string, log *zap.Logger) *Relay {
	return &Relay{
		Broker:      broker,
		Store:       store,
		topicPrefix: topicPrefix,
		appPrefix:   appPrefix,
		log:         log.Named("relay"),
	}
}

func (s *Relay) topics(roomID string) model.Topics {
	return model.NewTopics(s.topicPrefix, s.appPrefix, roomID)
}

func (s *Relay) CreateRoom(ctx context.Context, name, creatorID string) (model.Room, error) {
	room := model.Room{
		ID:            uuid.NewString(),
		Name:          name,
		ShareableLink: uuid.NewString(),
		CreatorID:     creatorID,
	}
	if err := s.Store.SaveRoom(ctx, room); err != nil {
		return model.Room{}, fmt.Errorf("relay: create room: %w", err)
	}
	if err := s.Store.SaveSongs(ctx, room.ID, nil); err != nil {
		return model.Room{}, fmt.Errorf("relay: create room: %w", err)
	}
	s.log.Info("room created", zap.String("room_id", room.ID), zap.String("creator", creatorID))
	return room, nil
}

// ReceiveCommands serves one room's client publications until ctx ends or the
// broker connection drops.
func (s *Relay) ReceiveCommands(ctx context.Context, roomID string) error {
	subs, err := s.Listen(roomID)
	if err != nil {
		return err
	}
	return s.Serve(ctx, roomID, subs)
}

// Listen subscribes to the room's client destinations. Publications made
// after it returns reach Serve.
func (s *Relay) Listen(roomID string) ([]*Subscription, error) {
	topics := s.topics(roomID)
	var subs []*Subscription
	for _, ch := range []string{model.ChannelTimeSync, model.ChannelJoin, model.ChannelLeave, model.ChannelRequestSync} {
		sub, err := s.Broker.Subscribe(topics.App(ch))
		if err != nil {
			for _, prev := range subs {
				_ = prev.Unsubscribe()
			}
			return nil, fmt.Errorf("relay: cannot subscribe to %s: %w", topics.App(ch), err)
		}
		subs = append(subs, sub)
		s.log.Debug("subscribed", zap.String("destination", sub.Destination))
	}
	return subs, nil
}

// Serve handles the publications arriving on subs and unsubscribes them on
// return.
func (s *Relay) Serve(ctx context.Context, roomID string, subs []*Subscription) error {
	topics := s.topics(roomID)
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	inbound := FanIn(ctx.Done(), subs)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-inbound:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrNotConnected
			}
			channel := topics.Channel(message.Destination)
			s.log.Debug(">>> received", zap.String("channel", channel), zap.String("room_id", roomID))
			switch channel {
			case model.ChannelTimeSync:
				s.RelayTimeSync(roomID, message.Body)
			case model.ChannelJoin:
				s.Join(ctx, roomID, message.Body)
			case model.ChannelLeave:
				s.Leave(ctx, roomID, message.Body)
			case model.ChannelRequestSync:
				s.send(topics.Topic(model.ChannelSyncRequest), message.Body)
			}
		}
	}
}

// FanIn merges subscriptions into one channel that closes once any of them
// ends or done is closed.
func FanIn(done <-chan struct{}, subs []*Subscription) <-chan Message {
	out := make(chan Message)
	stop := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(c <-chan Message) {
			defer wg.Done()
			defer once.Do(func() { close(stop) })
			for {
				select {
				case m, ok := <-c:
					if !ok {
						return
					}
					select {
					case out <- m:
					case <-done:
						return
					case <-stop:
						return
					}
				case <-done:
					return
				case <-stop:
					return
				}
			}
		}(sub.C)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (s *Relay) send(destination string, body []byte) {
	if err := s.Broker.Publish(destination, body); err != nil {
		s.log.Warn("could not send", zap.String("destination", destination), zap.Error(err))
		return
	}
	s.log.Debug("<<< sent", zap.String("destination", destination))
}

func (s *Relay) RelayTimeSync(roomID string, body []byte) {
	var msg model.TimeSync
	if err := json.Unmarshal(body, &msg); err != nil {
		s.log.Warn("dropping malformed timeSync", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	payload, _ := json.Marshal(msg)
	s.send(s.topics(roomID).Topic(model.ChannelTimeSync), payload)
}

func (s *Relay) Join(ctx context.Context, roomID string, body []byte) {
	var ann model.Announcement
	if err := json.Unmarshal(body, &ann); err != nil {
		s.log.Warn("dropping malformed join", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	count, err := s.Store.Join(ctx, roomID, ann.SessionID)
	if err != nil {
		s.log.Warn("could not add active user", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	topics := s.topics(roomID)
	s.send(topics.Topic(model.ChannelActiveUsers), []byte(strconv.Itoa(count)))
	s.send(topics.Topic(model.ChannelJoin), body)
}

// Leave drops the participant; the creator leaving ends the room for everyone.
func (s *Relay) Leave(ctx context.Context, roomID string, body []byte) {
	var ann model.Announcement
	if err := json.Unmarshal(body, &ann); err != nil {
		s.log.Warn("dropping malformed leave", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	count, err := s.Store.Leave(ctx, roomID, ann.SessionID)
	if err != nil {
		s.log.Warn("could not remove active user", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	topics := s.topics(roomID)
	s.send(topics.Topic(model.ChannelActiveUsers), []byte(strconv.Itoa(count)))
	s.send(topics.Topic(model.ChannelLeave), body)

	room, err := s.Store.Room(ctx, roomID)
	if err != nil || room.Closed || room.CreatorID != ann.UserID {
		return
	}
	room.Closed = true
	if err := s.Store.SaveRoom(ctx, room); err != nil {
		s.log.Warn("could not close room", zap.String("room_id", roomID), zap.Error(err))
	}
	s.send(topics.Topic(model.ChannelStatus), []byte(model.StatusCreatorLeft))
}

func (s *Relay) PublishSongs(roomID string, songs []model.Song) {
	if songs == nil {
		songs = []model.Song{}
	}
	payload, err := json.Marshal(songs)
	if err != nil {
		s.log.Warn("could not encode songs", zap.Error(err))
		return
	}
	s.send(s.topics(roomID).Topic(model.ChannelSongs), payload)
}

func (s *Relay) openRoom(ctx context.Context, roomID string) (model.Room, error) {
	room, err := s.Store.Room(ctx, roomID)
	if err != nil {
		return model.Room{}, err
	}
	if room.Closed {
		return model.Room{}, fmt.Errorf("%w: %s is closed", ErrNoRoom, roomID)
	}
	return room, nil
}

// mutate loads the room's queue, applies fn and broadcasts the outcome.
func (s *Relay) mutate(ctx context.Context, roomID string, fn func(room model.Room, m *queue.Machine) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.openRoom(ctx, roomID)
	if err != nil {
		return err
	}
	songs, err := s.Store.Songs(ctx, roomID)
	if err != nil {
		return err
	}
	m := queue.NewMachine(songs)
	if err := fn(room, m); err != nil {
		return err
	}
	out := m.Songs()
	if err := s.Store.SaveSongs(ctx, roomID, out); err != nil {
		return err
	}
	s.PublishSongs(roomID, out)
	return nil
}

// Client returns the backend as seen by one user.
func (s *Relay) Client(userID string) *RelayClient {
	return &RelayClient{relay: s, userID: userID}
}

type RelayClient struct {
	relay  *Relay
	userID string
}

var _ Backend = (*RelayClient)(nil)

func (c *RelayClient) creatorOnly(room model.Room, op string) error {
	if room.CreatorID != c.userID {
		return fmt.Errorf("%w: only the creator can %s", ErrForbidden, op)
	}
	return nil
}

func (c *RelayClient) FetchSongs(ctx context.Context, roomID string) ([]model.Song, error) {
	songs, err := c.relay.Store.Songs(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return queue.NewMachine(songs).Songs(), nil
}

func (c *RelayClient) IsCreator(ctx context.Context, roomID string) (bool, error) {
	room, err := c.relay.Store.Room(ctx, roomID)
	if err != nil {
		return false, err
	}
	return room.CreatorID == c.userID, nil
}

// Vote records the voter and the upvote together: a vote whose queue update
// fails is withdrawn so it can be cast again.
func (c *RelayClient) Vote(ctx context.Context, roomID string, songID int64) error {
	recorded := false
	err := c.relay.mutate(ctx, roomID, func(_ model.Room, m *queue.Machine) error {
		if _, ok := m.Song(songID); !ok {
			return queue.ErrSongNotFound
		}
		added, err := c.relay.Store.AddVoter(ctx, roomID, songID, c.userID)
		if err != nil {
			return err
		}
		if !added {
			return queue.ErrAlreadyVoted
		}
		recorded = true
		return m.Vote(songID, c.userID)
	})
	if err != nil && recorded {
		if rerr := c.relay.Store.RemoveVoter(ctx, roomID, songID, c.userID); rerr != nil {
			c.relay.log.Warn("could not withdraw vote", zap.String("room_id", roomID), zap.Int64("song_id", songID), zap.Error(rerr))
		}
	}
	return err
}

func (c *RelayClient) SongEnded(ctx context.Context, roomID string, songID int64) error {
	return c.relay.mutate(ctx, roomID, func(room model.Room, m *queue.Machine) error {
		if err := c.creatorOnly(room, "end a song"); err != nil {
			return err
		}
		if err := m.End(songID); err != nil {
			return err
		}
		return c.relay.Store.ClearVoters(ctx, roomID, songID)
	})
}

func (c *RelayClient) PlayNow(ctx context.Context, roomID string, songID int64) error {
	return c.relay.mutate(ctx, roomID, func(room model.Room, m *queue.Machine) error {
		if err := c.creatorOnly(room, "play a song now"); err != nil {
			return err
		}
		return m.PlayNow(songID)
	})
}

func (c *RelayClient) DeleteSong(ctx context.Context, roomID string, songID int64) error {
	return c.relay.mutate(ctx, roomID, func(room model.Room, m *queue.Machine) error {
		if err := c.creatorOnly(room, "remove a song"); err != nil {
			return err
		}
		if err := m.Delete(songID); err != nil {
			return err
		}
		return c.relay.Store.ClearVoters(ctx, roomID, songID)
	})
}

func (c *RelayClient) AddSong(ctx context.Context, roomID, title, link string) (model.Song, error) {
	canonical, err := youtube.Canonicalize(link)
	if err != nil {
		return model.Song{}, err
	}
	var added model.Song
	err = c.relay.mutate(ctx, roomID, func(_ model.Room, m *queue.Machine) error {
		id, err := c.relay.Store.NextSongID(ctx)
		if err != nil {
			return err
		}
		if title == "" {
			title = canonical
		}
		added, err = m.Add(model.Song{ID: id, Title: title, YoutubeLink: canonical, AddedBy: c.userID})
		return err
	})
	return added, err
}

func (c *RelayClient) CloseRoom(ctx context.Context, roomID string) error {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	room, err := c.relay.openRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := c.creatorOnly(room, "close the room"); err != nil {
		return err
	}
	// The queue, votes and presence go; the closed room record stays so late
	// requests are refused instead of finding no room.
	if err := c.relay.Store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	room.Closed = true
	if err := c.relay.Store.SaveRoom(ctx, room); err != nil {
		return err
	}
	c.relay.send(c.relay.topics(roomID).Topic(model.ChannelStatus), []byte(model.StatusClosed))
	c.relay.log.Info("room closed", zap.String("room_id", roomID))
	return nil
}
