package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
)

type Role string

const (
	RoleAuthority Role = "authority"
	RoleFollower  Role = "follower"
)

type ConnState string

const (
	StateJoining      ConnState = "joining"
	StateActive       ConnState = "active"
	StateLeaving      ConnState = "leaving"
	StateDisconnected ConnState = "disconnected"
)

const (
	StatusClosed      = "CLOSED"
	StatusCreatorLeft = "CREATOR_LEFT"
)

type Room struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ShareableLink string `json:"shareableLink,omitempty"`
	CreatorID     string `json:"creatorId"`
	Closed        bool   `json:"closed,omitempty"`
}

// Song is one entry of a room's queue. Position is the authoritative queue
// position and only breaks ties between equal vote counts.
type Song struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	YoutubeLink string `json:"youtubeLink"`
	Upvotes     int    `json:"upvotes"`
	Current     bool   `json:"current"`
	Position    int    `json:"queuePosition"`
	AddedBy     string `json:"addedBy,omitempty"`
}

type QueueSnapshot struct {
	Current *Song  `json:"current"`
	Queued  []Song `json:"queued"`
	Version string `json:"version"`
}

// PlaybackState is owned by the authority's player. Followers only ever hold
// a reconciled copy.
type PlaybackState struct {
	SongID      int64     `json:"songId"`
	Position    float64   `json:"position"`
	Playing     bool      `json:"isPlaying"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type Participant struct {
	UserID string    `json:"userId"`
	Email  string    `json:"email,omitempty"`
	Role   Role      `json:"role"`
	State  ConnState `json:"state"`
}

// TimeSync is the authority → followers position broadcast.
type TimeSync struct {
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
	SongID      int64   `json:"songId,omitempty"`
	SentAt      int64   `json:"sentAt,omitempty"`
}

type Announcement struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	At        int64  `json:"at"`
}

type StatusMessage struct {
	Status string `json:"status"`
}

// Broadcast is the envelope handed to UI subscribers.
type Broadcast struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// ParseStatus accepts the bare, quoted and object forms the backend has used
// for the room status topic.
func ParseStatus(body []byte) string {
	s := strings.TrimSpace(string(body))
	if strings.HasPrefix(s, "{") {
		var msg StatusMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return ""
		}
		return strings.ToUpper(msg.Status)
	}
	return strings.ToUpper(strings.Trim(s, `"`))
}

// ParseCount reads the active user count, which arrives as a bare integer.
func ParseCount(body []byte) (int, error) {
	return strconv.Atoi(strings.Trim(strings.TrimSpace(string(body)), `"`))
}
