package syncplay

import (
	"time"

	"unison/internal/session"

	"github.com/google/uuid"
)

// GroupUpdateType enumerates the out-of-band notifications a group sends
// to client sessions.
type GroupUpdateType string

const (
	GroupUpdateGroupDoesNotExist   GroupUpdateType = "GroupDoesNotExist"
	GroupUpdateCreateGroupDenied   GroupUpdateType = "CreateGroupDenied"
	GroupUpdateJoinGroupDenied     GroupUpdateType = "JoinGroupDenied"
	GroupUpdateLibraryAccessDenied GroupUpdateType = "LibraryAccessDenied"
	GroupUpdateNotInGroup          GroupUpdateType = "NotInGroup"
	GroupUpdateGroupJoined         GroupUpdateType = "GroupJoined"
	GroupUpdateGroupLeft           GroupUpdateType = "GroupLeft"
	GroupUpdateUserJoined          GroupUpdateType = "UserJoined"
	GroupUpdateUserLeft            GroupUpdateType = "UserLeft"
	GroupUpdateSettings            GroupUpdateType = "GroupUpdate"
	GroupUpdateStateUpdate         GroupUpdateType = "StateUpdate"
	GroupUpdatePlayQueue           GroupUpdateType = "PlayQueue"
	GroupUpdateWebRTC              GroupUpdateType = "WebRTC"
)

// GroupUpdate is an out-of-band notification about group state. Semantic
// refusals (denied joins, inaccessible items) travel through these rather
// than HTTP errors; the command channel stays fire-and-forget.
type GroupUpdate struct {
	GroupID uuid.UUID       `json:"groupId"`
	Type    GroupUpdateType `json:"type"`
	Data    interface{}     `json:"data,omitempty"`
}

// CommandType enumerates the timed playback commands a group issues.
type CommandType string

const (
	CommandUnpause            CommandType = "Unpause"
	CommandPause              CommandType = "Pause"
	CommandStop               CommandType = "Stop"
	CommandSeek               CommandType = "Seek"
	CommandPlaybackRateChange CommandType = "PlaybackRateChange"
)

// Command instructs clients to perform a playback action at a scheduled
// instant. Clients compare their synchronized clock against When to line
// up the action.
type Command struct {
	GroupID        uuid.UUID   `json:"groupId"`
	PlaylistItemID string      `json:"playlistItemId"`
	When           time.Time   `json:"when"`
	Command        CommandType `json:"command"`
	PositionTicks  int64       `json:"positionTicks"`
	EmittedAt      time.Time   `json:"emittedAt"`
}

// Audience selects which group members receive a broadcast.
type Audience int

const (
	// AudienceCurrentSession delivers only to the requesting session.
	AudienceCurrentSession Audience = iota
	// AudienceAllGroup delivers to every member.
	AudienceAllGroup
	// AudienceAllExceptCurrentSession delivers to everyone but the requester.
	AudienceAllExceptCurrentSession
	// AudienceAllReady delivers to members that are not buffering.
	AudienceAllReady
)

// GroupInfo is the client-visible summary of a group.
type GroupInfo struct {
	GroupID       uuid.UUID  `json:"groupId"`
	GroupName     string     `json:"groupName"`
	Visibility    Visibility `json:"visibility"`
	State         StateKind  `json:"state"`
	Participants  []string   `json:"participants"` // usernames
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
}

// PlayQueueUpdate is the payload of a PlayQueue group update: a full
// snapshot of the visible queue and cursor.
type PlayQueueUpdate struct {
	Reason             string      `json:"reason"`
	LastUpdate         time.Time   `json:"lastUpdate"`
	Playlist           []QueueItem `json:"playlist"`
	PlayingItemIndex   int         `json:"playingItemIndex"`
	StartPositionTicks int64       `json:"startPositionTicks"`
	ShuffleMode        ShuffleMode `json:"shuffleMode"`
	RepeatMode         RepeatMode  `json:"repeatMode"`
}

// StateUpdate is the payload of a StateUpdate group update.
type StateUpdate struct {
	State  StateKind `json:"state"`
	Reason string    `json:"reason"`
}

// WebRTCUpdate is the payload relayed between peers during WebRTC
// negotiation. The coordinator never inspects the SDP or candidates.
type WebRTCUpdate struct {
	FromSessionID string `json:"fromSessionId"`
	IsNewSession  bool   `json:"newSession,omitempty"`
	IsSessionLeft bool   `json:"sessionLeaving,omitempty"`
	ICECandidate  string `json:"iceCandidate,omitempty"`
	Offer         string `json:"offer,omitempty"`
	Answer        string `json:"answer,omitempty"`
}

// Message envelope type tags used on the session transport.
const (
	messageTypeGroupUpdate = "GroupUpdate"
	messageTypeCommand     = "SyncPlayCommand"
)

// wrapGroupUpdate packs a GroupUpdate into a session transport envelope.
func wrapGroupUpdate(update *GroupUpdate) session.Message {
	return session.Message{Type: messageTypeGroupUpdate, Data: update}
}

// wrapCommand packs a Command into a session transport envelope.
func wrapCommand(cmd *Command) session.Message {
	return session.Message{Type: messageTypeCommand, Data: cmd}
}
