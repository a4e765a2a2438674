package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	r "gopkg.in/rethinkdb/rethinkdb-go.v6"

	"marcel.works/roomsync/app/model"
)

const (
	tableRooms    = "rooms"
	tableCounters = "counters"
	fieldSongs    = "songs"
	fieldVoters   = "voters"
	fieldPresence = "presence"
)

type rethinkRoom struct {
	ID       string              `rethinkdb:"id"`
	Room     model.Room          `rethinkdb:"room"`
	Songs    []model.Song        `rethinkdb:"songs"`
	Voters   map[string][]string `rethinkdb:"voters"`
	Presence []string            `rethinkdb:"presence"`
}

// RethinkStore keeps one document per room.
type RethinkStore struct {
	Session r.QueryExecutor
	DB      string
}

func NewRethinkStore(database string) *RethinkStore {
	if database == "" {
		database = "roomsync"
	}
	return &RethinkStore{DB: database}
}

func (s *RethinkStore) Connect(addresses []string) error {
	session, err := r.Connect(r.ConnectOpts{
		Addresses: addresses,
	})
	if err != nil {
		return err
	}
	s.Session = session
	return nil
}

// Migrate creates the database and tables when they are missing.
func (s *RethinkStore) Migrate() error {
	if _, err := r.DBCreate(s.DB).RunWrite(s.Session); err != nil && !alreadyExists(err) {
		return err
	}
	for _, table := range []string{tableRooms, tableCounters} {
		if _, err := r.DB(s.DB).TableCreate(table).RunWrite(s.Session); err != nil && !alreadyExists(err) {
			return err
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}

func (s *RethinkStore) rooms() r.Term {
	return r.DB(s.DB).Table(tableRooms)
}

func (s *RethinkStore) load(ctx context.Context, roomID string) (rethinkRoom, error) {
	var doc rethinkRoom
	result, err := s.rooms().Get(roomID).Run(s.Session, r.RunOpts{Context: ctx})
	if err != nil {
		return doc, err
	}
	defer result.Close()
	if result.IsNil() {
		return doc, ErrNoRoom
	}
	err = result.One(&doc)
	if errors.Is(err, r.ErrEmptyResult) {
		return doc, ErrNoRoom
	}
	return doc, err
}

func (s *RethinkStore) update(ctx context.Context, roomID string, fn func(row r.Term) interface{}) (r.WriteResponse, error) {
	res, err := s.rooms().Get(roomID).Update(fn).RunWrite(s.Session, r.RunOpts{Context: ctx})
	if err != nil {
		return res, err
	}
	if res.Skipped > 0 {
		return res, ErrNoRoom
	}
	return res, nil
}

func (s *RethinkStore) SaveRoom(ctx context.Context, room model.Room) error {
	_, err := s.rooms().
		Insert(map[string]interface{}{"id": room.ID, "room": room}, r.InsertOpts{Conflict: "update"}).
		RunWrite(s.Session, r.RunOpts{Context: ctx})
	return err
}

func (s *RethinkStore) Room(ctx context.Context, roomID string) (model.Room, error) {
	doc, err := s.load(ctx, roomID)
	return doc.Room, err
}

func (s *RethinkStore) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.rooms().Get(roomID).Delete().RunWrite(s.Session, r.RunOpts{Context: ctx})
	return err
}

func (s *RethinkStore) SaveSongs(ctx context.Context, roomID string, songs []model.Song) error {
	if songs == nil {
		songs = []model.Song{}
	}
	_, err := s.update(ctx, roomID, func(r.Term) interface{} {
		return map[string]interface{}{fieldSongs: songs}
	})
	return err
}

func (s *RethinkStore) Songs(ctx context.Context, roomID string) ([]model.Song, error) {
	doc, err := s.load(ctx, roomID)
	return doc.Songs, err
}

func (s *RethinkStore) NextSongID(ctx context.Context) (int64, error) {
	res, err := r.DB(s.DB).Table(tableCounters).Get("song").
		Replace(func(row r.Term) interface{} {
			return r.Branch(
				row.Eq(nil),
				map[string]interface{}{"id": "song", "n": 1},
				row.Merge(map[string]interface{}{"n": row.Field("n").Add(1)}),
			)
		}, r.ReplaceOpts{ReturnChanges: true}).
		RunWrite(s.Session, r.RunOpts{Context: ctx})
	if err != nil {
		return 0, err
	}
	if len(res.Changes) == 0 {
		return 0, errors.New("rethink: counter not advanced")
	}
	doc, ok := res.Changes[0].NewValue.(map[string]interface{})
	if !ok {
		return 0, errors.New("rethink: unexpected counter document")
	}
	n, ok := doc["n"].(float64)
	if !ok {
		return 0, errors.New("rethink: unexpected counter value")
	}
	return int64(n), nil
}

func (s *RethinkStore) AddVoter(ctx context.Context, roomID string, songID int64, voter string) (bool, error) {
	key := strconv.FormatInt(songID, 10)
	res, err := s.update(ctx, roomID, func(row r.Term) interface{} {
		voters := row.Field(fieldVoters).Field(key).Default([]interface{}{})
		return r.Branch(
			voters.Contains(voter),
			map[string]interface{}{},
			map[string]interface{}{fieldVoters: map[string]interface{}{key: voters.Append(voter)}},
		)
	})
	if err != nil {
		return false, err
	}
	return res.Replaced == 1, nil
}

func (s *RethinkStore) RemoveVoter(ctx context.Context, roomID string, songID int64, voter string) error {
	key := strconv.FormatInt(songID, 10)
	_, err := s.update(ctx, roomID, func(row r.Term) interface{} {
		voters := row.Field(fieldVoters).Field(key).Default([]interface{}{})
		return map[string]interface{}{fieldVoters: map[string]interface{}{key: voters.SetDifference([]interface{}{voter})}}
	})
	return err
}

func (s *RethinkStore) ClearVoters(ctx context.Context, roomID string, songID int64) error {
	key := strconv.FormatInt(songID, 10)
	_, err := s.rooms().Get(roomID).
		Replace(func(row r.Term) interface{} {
			return r.Branch(row.Eq(nil), nil, row.Without(map[string]interface{}{fieldVoters: map[string]interface{}{key: true}}))
		}).
		RunWrite(s.Session, r.RunOpts{Context: ctx})
	return err
}

func (s *RethinkStore) presence(ctx context.Context, roomID string, fn func(set r.Term) r.Term) (int, error) {
	_, err := s.update(ctx, roomID, func(row r.Term) interface{} {
		return map[string]interface{}{fieldPresence: fn(row.Field(fieldPresence).Default([]interface{}{}))}
	})
	if err != nil {
		return 0, err
	}
	var count int
	result, err := s.rooms().Get(roomID).Field(fieldPresence).Default([]interface{}{}).Count().
		Run(s.Session, r.RunOpts{Context: ctx})
	if err != nil {
		return 0, err
	}
	defer result.Close()
	err = result.One(&count)
	return count, err
}

func (s *RethinkStore) Join(ctx context.Context, roomID, sessionID string) (int, error) {
	return s.presence(ctx, roomID, func(set r.Term) r.Term { return set.SetInsert(sessionID) })
}

func (s *RethinkStore) Leave(ctx context.Context, roomID, sessionID string) (int, error) {
	return s.presence(ctx, roomID, func(set r.Term) r.Term { return set.SetDifference([]string{sessionID}) })
}
