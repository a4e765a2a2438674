package model

import "fmt"

const (
	DefaultTopicPrefix = "/topic"
	DefaultAppPrefix   = "/app"
)

// Channel names under room/{id}/.
const (
	ChannelSongs       = "songs"
	ChannelStatus      = "status"
	ChannelTimeSync    = "timeSync"
	ChannelActiveUsers = "activeUsers"
	ChannelJoin        = "join"
	ChannelLeave       = "leave"

	// A follower publishes on requestSync; the relay forwards it to the
	// authority on syncRequest.
	ChannelRequestSync = "requestSync"
	ChannelSyncRequest = "syncRequest"
)

// Topics resolves the broker destinations of one room. Subscriptions live
// under the topic prefix, client publications under the app prefix and are
// relayed to the matching topic by the backend.
type Topics struct {
	TopicPrefix string
	AppPrefix   string
	RoomID      string
}

func NewTopics(topicPrefix, appPrefix, roomID string) Topics {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	if appPrefix == "" {
		appPrefix = DefaultAppPrefix
	}
	return Topics{TopicPrefix: topicPrefix, AppPrefix: appPrefix, RoomID: roomID}
}

func (t Topics) Topic(channel string) string {
	return fmt.Sprintf("%s/room/%s/%s", t.TopicPrefix, t.RoomID, channel)
}

func (t Topics) App(channel string) string {
	return fmt.Sprintf("%s/room/%s/%s", t.AppPrefix, t.RoomID, channel)
}

// Subscriptions lists every destination a room member listens on.
func (t Topics) Subscriptions() []string {
	return []string{
		t.Topic(ChannelSongs),
		t.Topic(ChannelStatus),
		t.Topic(ChannelTimeSync),
		t.Topic(ChannelActiveUsers),
		t.Topic(ChannelJoin),
		t.Topic(ChannelLeave),
		t.Topic(ChannelSyncRequest),
	}
}

// Channel returns the room channel name of a subscribed destination, or ""
// when the destination does not belong to this room.
func (t Topics) Channel(destination string) string {
	for _, ch := range []string{ChannelSongs, ChannelStatus, ChannelTimeSync, ChannelActiveUsers, ChannelJoin, ChannelLeave, ChannelRequestSync, ChannelSyncRequest} {
		if destination == t.Topic(ch) || destination == t.App(ch) {
			return ch
		}
	}
	return ""
}
