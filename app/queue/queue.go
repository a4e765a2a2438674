// Package queue holds the song-queue transition rules shared by every room
// member. Derive is the one derivation all clients apply to an authoritative
// song list; Machine replays transitions for the relay and for optimistic hints.
package queue

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"

	"marcel.works/roomsync/app/model"
)

var (
	ErrAlreadyVoted  = errors.New("queue: already voted for this song")
	ErrSongNotFound  = errors.New("queue: song not found")
	ErrDuplicateSong = errors.New("queue: song already queued in this room")
	ErrNotCurrent    = errors.New("queue: song is not the current song")
)

type State int

const (
	NoSongPlaying State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "Playing"
	}
	return "NoSongPlaying"
}

type EventKind string

const (
	SongEnded        EventKind = "SONG_ENDED"
	SkipRequested    EventKind = "SKIP"
	PlayNowRequested EventKind = "PLAY_NOW"
	SongDeleted      EventKind = "DELETE"
	VoteCast         EventKind = "VOTE"
	SongAdded        EventKind = "ADD"
)

type Event struct {
	Kind   EventKind
	SongID int64
	Voter  string
	Song   model.Song
}

// Derive splits a song list into the current song and the vote-ordered queue.
// Queued songs are sorted by upvotes descending; ties keep queue position and
// then input order.
func Derive(songs []model.Song) model.QueueSnapshot {
	var snap model.QueueSnapshot
	queued := make([]model.Song, 0, len(songs))
	for _, s := range songs {
		if s.Current && snap.Current == nil {
			cur := s
			snap.Current = &cur
			continue
		}
		s.Current = false
		queued = append(queued, s)
	}
	sortQueued(queued)
	snap.Queued = queued
	snap.Version = fingerprint(snap)
	return snap
}

func sortQueued(songs []model.Song) {
	sort.SliceStable(songs, func(i, j int) bool {
		if songs[i].Upvotes != songs[j].Upvotes {
			return songs[i].Upvotes > songs[j].Upvotes
		}
		return songs[i].Position < songs[j].Position
	})
}

func fingerprint(snap model.QueueSnapshot) string {
	h := fnv.New64a()
	if c := snap.Current; c != nil {
		fmt.Fprintf(h, "*%d:%d:%s|", c.ID, c.Upvotes, c.YoutubeLink)
	}
	for _, s := range snap.Queued {
		fmt.Fprintf(h, "%d:%d:%s|", s.ID, s.Upvotes, s.YoutubeLink)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Machine is a room's queue with per-voter bookkeeping.
type Machine struct {
	songs  []model.Song
	voters map[int64]map[string]struct{}
	seq    int
	nextID int64
}

// NewMachine seeds a machine from an authoritative song list. Songs without a
// queue position get one from their list order.
func NewMachine(songs []model.Song) *Machine {
	m := &Machine{voters: make(map[int64]map[string]struct{}), nextID: 1}
	m.Replace(songs)
	return m
}

// Replace swaps in an authoritative song list. Voter bookkeeping for songs
// that survived the replace is kept.
func (m *Machine) Replace(songs []model.Song) {
	m.songs = make([]model.Song, len(songs))
	copy(m.songs, songs)
	m.seq = 0
	for _, s := range m.songs {
		if s.Position > m.seq {
			m.seq = s.Position
		}
		if s.ID >= m.nextID {
			m.nextID = s.ID + 1
		}
	}
	for i := range m.songs {
		if m.songs[i].Position == 0 {
			m.seq++
			m.songs[i].Position = m.seq
		}
	}
	keep := make(map[int64]map[string]struct{}, len(m.voters))
	for _, s := range m.songs {
		if v, ok := m.voters[s.ID]; ok {
			keep[s.ID] = v
		}
	}
	m.voters = keep
}

func (m *Machine) Clone() *Machine {
	c := &Machine{
		songs:  make([]model.Song, len(m.songs)),
		voters: make(map[int64]map[string]struct{}, len(m.voters)),
		seq:    m.seq,
		nextID: m.nextID,
	}
	copy(c.songs, m.songs)
	for id, vs := range m.voters {
		cp := make(map[string]struct{}, len(vs))
		for v := range vs {
			cp[v] = struct{}{}
		}
		c.voters[id] = cp
	}
	return c
}

func (m *Machine) State() (State, int64) {
	if i := m.currentIndex(); i >= 0 {
		return Playing, m.songs[i].ID
	}
	return NoSongPlaying, 0
}

// Songs returns the songs in queue order with the current song first.
func (m *Machine) Songs() []model.Song {
	snap := m.Snapshot()
	out := make([]model.Song, 0, len(m.songs))
	if snap.Current != nil {
		out = append(out, *snap.Current)
	}
	return append(out, snap.Queued...)
}

func (m *Machine) Snapshot() model.QueueSnapshot {
	return Derive(m.songs)
}

func (m *Machine) Song(id int64) (model.Song, bool) {
	if i := m.index(id); i >= 0 {
		return m.songs[i], true
	}
	return model.Song{}, false
}

func (m *Machine) Apply(ev Event) error {
	switch ev.Kind {
	case SongEnded:
		return m.End(ev.SongID)
	case SkipRequested:
		return m.Skip()
	case PlayNowRequested:
		return m.PlayNow(ev.SongID)
	case SongDeleted:
		return m.Delete(ev.SongID)
	case VoteCast:
		return m.Vote(ev.SongID, ev.Voter)
	case SongAdded:
		_, err := m.Add(ev.Song)
		return err
	}
	return fmt.Errorf("queue: unknown event %q", ev.Kind)
}

// Add appends a song at the back of the queue. With nothing playing the new
// song starts right away.
func (m *Machine) Add(song model.Song) (model.Song, error) {
	for _, s := range m.songs {
		if s.YoutubeLink == song.YoutubeLink {
			return model.Song{}, ErrDuplicateSong
		}
	}
	if song.ID == 0 {
		song.ID = m.nextID
	}
	if song.ID >= m.nextID {
		m.nextID = song.ID + 1
	}
	m.seq++
	song.Position = m.seq
	song.Upvotes = 0
	song.Current = m.currentIndex() < 0
	m.songs = append(m.songs, song)
	return song, nil
}

// End demotes the finished song: votes reset, moved to the back, and the best
// ranked remaining song becomes current.
func (m *Machine) End(songID int64) error {
	i := m.currentIndex()
	if i < 0 || m.songs[i].ID != songID {
		return ErrNotCurrent
	}
	m.demote(i)
	m.advance(i)
	return nil
}

// Skip ends the current song, or starts the top song when nothing plays.
func (m *Machine) Skip() error {
	i := m.currentIndex()
	if i < 0 {
		m.advance(-1)
		return nil
	}
	m.demote(i)
	m.advance(i)
	return nil
}

// PlayNow makes songID current regardless of rank. The previous current song
// goes back to the queue with its votes.
func (m *Machine) PlayNow(songID int64) error {
	j := m.index(songID)
	if j < 0 {
		return ErrSongNotFound
	}
	if i := m.currentIndex(); i >= 0 {
		m.songs[i].Current = false
	}
	m.songs[j].Current = true
	return nil
}

// Delete removes a song. Removing the current song advances without touching
// anyone's votes.
func (m *Machine) Delete(songID int64) error {
	j := m.index(songID)
	if j < 0 {
		return ErrSongNotFound
	}
	wasCurrent := m.songs[j].Current
	m.songs = append(m.songs[:j], m.songs[j+1:]...)
	delete(m.voters, songID)
	if wasCurrent {
		m.advance(-1)
	}
	return nil
}

// Vote adds one upvote per voter per song.
func (m *Machine) Vote(songID int64, voter string) error {
	j := m.index(songID)
	if j < 0 {
		return ErrSongNotFound
	}
	vs, ok := m.voters[songID]
	if !ok {
		vs = make(map[string]struct{})
		m.voters[songID] = vs
	}
	if _, dup := vs[voter]; dup {
		return ErrAlreadyVoted
	}
	vs[voter] = struct{}{}
	m.songs[j].Upvotes++
	return nil
}

func (m *Machine) demote(i int) {
	m.songs[i].Current = false
	m.songs[i].Upvotes = 0
	m.seq++
	m.songs[i].Position = m.seq
	delete(m.voters, m.songs[i].ID)
}

// advance makes the best ranked song current, passing over the song at
// index skip (-1 for none).
func (m *Machine) advance(skip int) {
	best := -1
	for i, s := range m.songs {
		if i == skip {
			continue
		}
		if best < 0 ||
			s.Upvotes > m.songs[best].Upvotes ||
			(s.Upvotes == m.songs[best].Upvotes && s.Position < m.songs[best].Position) {
			best = i
		}
	}
	if best >= 0 {
		m.songs[best].Current = true
	}
}

func (m *Machine) currentIndex() int {
	for i, s := range m.songs {
		if s.Current {
			return i
		}
	}
	return -1
}

func (m *Machine) index(id int64) int {
	for i, s := range m.songs {
		if s.ID == id {
			return i
		}
	}
	return -1
}
