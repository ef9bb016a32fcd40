package syncplay

import (
	"fmt"
	"time"
)

// RequestType enumerates the playback requests a session can issue
// against its group.
type RequestType string

const (
	RequestPlay               RequestType = "Play"
	RequestSetPlaylistItem    RequestType = "SetPlaylistItem"
	RequestRemoveFromPlaylist RequestType = "RemoveFromPlaylist"
	RequestMovePlaylistItem   RequestType = "MovePlaylistItem"
	RequestQueue              RequestType = "Queue"
	RequestUnpause            RequestType = "Unpause"
	RequestPause              RequestType = "Pause"
	RequestStop               RequestType = "Stop"
	RequestSeek               RequestType = "Seek"
	RequestBuffering          RequestType = "Buffering"
	RequestReady              RequestType = "Ready"
	RequestNextTrack          RequestType = "NextTrack"
	RequestPreviousTrack      RequestType = "PreviousTrack"
	RequestSetRepeatMode      RequestType = "SetRepeatMode"
	RequestSetShuffleMode     RequestType = "SetShuffleMode"
	RequestPing               RequestType = "Ping"
	RequestIgnoreWait         RequestType = "IgnoreWait"
)

// Request is a playback request routed through the group's state machine.
// Only the fields relevant to Type are populated.
type Request struct {
	Type RequestType

	// Play
	ItemIDs            []int
	PlayingItemIndex   int
	StartPositionTicks int64

	// SetPlaylistItem, MovePlaylistItem, NextTrack, PreviousTrack
	PlaylistItemID string
	// MovePlaylistItem
	NewIndex int
	// RemoveFromPlaylist
	PlaylistItemIDs []string
	// Queue
	QueueItemIDs []int
	Mode         QueueMode

	// Seek
	PositionTicks int64

	// Buffering, Ready. When is the client's wall-clock instant for the
	// report; out-of-tolerance values (including the zero value) get
	// clamped to server time.
	When          time.Time
	Position      int64
	IsPlaying     bool
	ReportedItem  string // playlist item id the client believes is playing
	BufferingDone bool

	// SetRepeatMode / SetShuffleMode
	RepeatMode  RepeatMode
	ShuffleMode ShuffleMode

	// Ping (milliseconds)
	Ping float64

	// IgnoreWait
	IgnoreWait bool
}

// Visibility controls who can discover and join a group.
type Visibility string

const (
	VisibilityPublic     Visibility = "Public"
	VisibilityInviteOnly Visibility = "InviteOnly"
	VisibilityPrivate    Visibility = "Private"
)

// ParseVisibility converts a query parameter into a Visibility value.
func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(s) {
	case VisibilityPublic, VisibilityInviteOnly, VisibilityPrivate:
		return Visibility(s), nil
	case "":
		return VisibilityPublic, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", s)
	}
}

// QueueMode selects where queued items land relative to the playing item.
type QueueMode string

const (
	// QueueModeQueue appends at the end of the queue.
	QueueModeQueue QueueMode = "Queue"
	// QueueModeQueueNext inserts right after the playing item.
	QueueModeQueueNext QueueMode = "QueueNext"
)

// ParseQueueMode converts a query parameter into a QueueMode value.
func ParseQueueMode(s string) (QueueMode, error) {
	switch QueueMode(s) {
	case QueueModeQueue, QueueModeQueueNext:
		return QueueMode(s), nil
	case "":
		return QueueModeQueue, nil
	default:
		return "", fmt.Errorf("unknown queue mode %q", s)
	}
}

// RepeatMode controls what happens when the queue cursor runs off an end.
type RepeatMode string

const (
	RepeatModeNone RepeatMode = "RepeatNone"
	RepeatModeAll  RepeatMode = "RepeatAll"
	RepeatModeOne  RepeatMode = "RepeatOne"
)

// ParseRepeatMode converts a query parameter into a RepeatMode value.
func ParseRepeatMode(s string) (RepeatMode, error) {
	switch RepeatMode(s) {
	case RepeatModeNone, RepeatModeAll, RepeatModeOne:
		return RepeatMode(s), nil
	default:
		return "", fmt.Errorf("unknown repeat mode %q", s)
	}
}

// ShuffleMode selects between the canonical and a shuffled queue view.
type ShuffleMode string

const (
	ShuffleModeSorted  ShuffleMode = "Sorted"
	ShuffleModeShuffle ShuffleMode = "Shuffle"
)

// ParseShuffleMode converts a query parameter into a ShuffleMode value.
func ParseShuffleMode(s string) (ShuffleMode, error) {
	switch ShuffleMode(s) {
	case ShuffleModeSorted, ShuffleModeShuffle:
		return ShuffleMode(s), nil
	default:
		return "", fmt.Errorf("unknown shuffle mode %q", s)
	}
}

// StateKind names the group playback states.
type StateKind string

const (
	StateIdle    StateKind = "Idle"
	StateWaiting StateKind = "Waiting"
	StatePlaying StateKind = "Playing"
	StatePaused  StateKind = "Paused"
)

// NewGroupRequest carries the parameters for creating a group. Nil open
// access pointers keep the defaults (both open).
type NewGroupRequest struct {
	GroupName          string
	Visibility         Visibility
	InvitedUsers       []string
	OpenPlaybackAccess *bool
	OpenPlaylistAccess *bool
}

// JoinGroupRequest carries the parameters for joining a group.
type JoinGroupRequest struct {
	DeviceName string
}

// SettingsRequest carries a partial update to group settings. Nil pointers
// leave the corresponding setting untouched.
type SettingsRequest struct {
	GroupName          *string
	Visibility         *Visibility
	InvitedUsers       []string
	Administrators     []string
	OpenPlaybackAccess *bool
	OpenPlaylistAccess *bool
	AccessListUserIDs  []string
	AccessListPlayback []bool
	AccessListPlaylist []bool
}

// WebRTCRequest is a signaling payload to relay. An empty To broadcasts to
// every other member of the sender's group.
type WebRTCRequest struct {
	To            string
	IsNewSession  bool
	IsSessionLeft bool
	ICECandidate  string
	Offer         string
	Answer        string
}
