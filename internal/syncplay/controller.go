package syncplay

import (
	"errors"
	"sort"
	"time"

	"unison/internal/auth"
	"unison/internal/clock"
	"unison/internal/config"
	"unison/internal/session"
	"unison/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Catalog resolves library items referenced by play queues.
type Catalog interface {
	GetItem(id int) (*models.Track, error)
}

// UserDirectory resolves user records for access policy checks.
type UserDirectory interface {
	GetUser(username string) *auth.User
}

var (
	// ErrAccessDenied means a queue mutation would leave at least one
	// member's user with an item they cannot access.
	ErrAccessDenied = errors.New("syncplay: queue item not accessible to all members")
	// ErrStaleRequest means the request referenced a playlist item that is
	// no longer (or never was) in the queue.
	ErrStaleRequest = errors.New("syncplay: unknown playlist item")
	// ErrEndOfQueue means the cursor ran off the queue under RepeatNone.
	ErrEndOfQueue = errors.New("syncplay: end of play queue")
)

// Envelope is a composed message addressed to one session. Controllers
// fill an outbox of envelopes under the group lock; the manager dispatches
// them after releasing it.
type Envelope struct {
	SessionID string
	Message   session.Message
}

// Controller holds one group's mutable data and executes its state
// machine. It is not safe for concurrent use: the manager wraps every
// controller in a guarded handle and serializes access through it.
type Controller struct {
	id         uuid.UUID
	name       string
	visibility Visibility
	invited    map[string]struct{}

	access  *AccessList
	queue   *PlayQueue
	members map[string]*Member

	state         StateKind
	resumePlaying bool
	runTimeTicks  int64
	positionTicks int64
	lastActivity  time.Time

	// latestReady is the newest clamped Ready timestamp of the current
	// waiting round.
	latestReady time.Time
	emptySince  time.Time

	clk     clock.Clock
	catalog Catalog
	users   UserDirectory
	cfg     *config.SyncPlayConfig
	logger  *logrus.Entry

	outbox []Envelope
}

// NewController creates an idle group with an empty queue and open access
// defaults.
func NewController(id uuid.UUID, name string, visibility Visibility, invitedUsers []string,
	clk clock.Clock, catalog Catalog, users UserDirectory, cfg *config.SyncPlayConfig, logger *logrus.Logger) *Controller {

	invited := make(map[string]struct{}, len(invitedUsers))
	for _, username := range invitedUsers {
		invited[username] = struct{}{}
	}

	now := clk.Now()
	return &Controller{
		id:           id,
		name:         name,
		visibility:   visibility,
		invited:      invited,
		access:       NewAccessList(),
		queue:        NewPlayQueue(clk),
		members:      make(map[string]*Member),
		state:        StateIdle,
		lastActivity: now,
		emptySince:   now,
		clk:          clk,
		catalog:      catalog,
		users:        users,
		cfg:          cfg,
		logger:       logger.WithField("group_id", id.String()),
	}
}

// ID returns the group id.
func (c *Controller) ID() uuid.UUID { return c.id }

// Name returns the group name.
func (c *Controller) Name() string { return c.name }

// State returns the current state tag.
func (c *Controller) State() StateKind { return c.state }

// Queue returns the group's play queue.
func (c *Controller) Queue() *PlayQueue { return c.queue }

// Access returns the group's access list.
func (c *Controller) Access() *AccessList { return c.access }

// PositionTicks returns the last committed playback position.
func (c *Controller) PositionTicks() int64 { return c.positionTicks }

// LastActivity returns the reference instant clients sync against.
func (c *Controller) LastActivity() time.Time { return c.lastActivity }

func (c *Controller) timeSyncOffset() time.Duration {
	return time.Duration(c.cfg.TimeSyncOffsetMs) * time.Millisecond
}

func (c *Controller) maxPlaybackOffsetTicks() int64 {
	return int64(c.cfg.MaxPlaybackOffsetMs) * clock.TicksPerMillisecond
}

// SetState changes the state tag without side effects.
func (c *Controller) SetState(state StateKind) {
	c.state = state
}

// setState changes the state tag and tells every member about it.
func (c *Controller) setState(from string, state StateKind, reason RequestType) {
	c.state = state
	c.SendGroupUpdate(from, AudienceAllGroup, c.NewGroupUpdate(GroupUpdateStateUpdate, &StateUpdate{
		State:  state,
		Reason: string(reason),
	}))
}

// AddSession registers a session as a member and materializes the user's
// permission row.
func (c *Controller) AddSession(sessionID, userID string) {
	c.members[sessionID] = newMember(sessionID, userID)
	c.members[sessionID].Ping = float64(c.cfg.DefaultPingMs)
	c.access.TouchPermissions(userID)
	c.emptySince = time.Time{}
}

// RemoveSession drops a member. When the owning user has no other member
// session and is not invited, their grants go away with them.
func (c *Controller) RemoveSession(sessionID string) {
	member, ok := c.members[sessionID]
	if !ok {
		return
	}
	delete(c.members, sessionID)
	c.cleanupUserGrants(member.UserID)
	if len(c.members) == 0 {
		c.emptySince = c.clk.Now()
	}
}

func (c *Controller) cleanupUserGrants(userID string) {
	for _, m := range c.members {
		if m.UserID == userID {
			return
		}
	}
	if _, invited := c.invited[userID]; invited {
		return
	}
	c.access.ClearPermissions(userID)
	c.access.RemoveAdministrator(userID)
}

// IsEmpty reports whether the group has no members.
func (c *Controller) IsEmpty() bool { return len(c.members) == 0 }

// EmptySince returns when the group last became empty. Zero while the
// group has members.
func (c *Controller) EmptySince() time.Time { return c.emptySince }

// HasSession reports whether the session is a member.
func (c *Controller) HasSession(sessionID string) bool {
	_, ok := c.members[sessionID]
	return ok
}

// SetBuffering marks one member's readiness.
func (c *Controller) SetBuffering(sessionID string, buffering bool) {
	if member, ok := c.members[sessionID]; ok {
		member.IsBuffering = buffering
	}
}

// SetAllBuffering marks every member's readiness at once.
func (c *Controller) SetAllBuffering(buffering bool) {
	for _, member := range c.members {
		member.IsBuffering = buffering
	}
}

// IsBuffering reports whether any member that takes part in readiness
// checks is still buffering.
func (c *Controller) IsBuffering() bool {
	for _, member := range c.members {
		if member.IsBuffering && !member.IgnoreWait {
			return true
		}
	}
	return false
}

// UpdatePing refreshes a member's latency estimate.
func (c *Controller) UpdatePing(sessionID string, ping float64) {
	if member, ok := c.members[sessionID]; ok {
		member.Ping = ping
	}
}

// GetHighestPing returns the worst latency estimate across members,
// floored at the configured default so a single optimistic report cannot
// schedule starts too aggressively.
func (c *Controller) GetHighestPing() float64 {
	highest := float64(c.cfg.DefaultPingMs)
	for _, member := range c.members {
		if member.Ping > highest {
			highest = member.Ping
		}
	}
	return highest
}

// SanitizePositionTicks clamps a position into [0, RunTimeTicks].
func (c *Controller) SanitizePositionTicks(ticks int64) int64 {
	if ticks < 0 {
		return 0
	}
	if c.runTimeTicks > 0 && ticks > c.runTimeTicks {
		return c.runTimeTicks
	}
	return ticks
}

// RunTimeTicks returns the runtime of the playing item.
func (c *Controller) RunTimeTicks() int64 { return c.runTimeTicks }

// RestartCurrentItem rewinds the position and resets the sync reference.
func (c *Controller) RestartCurrentItem() {
	c.positionTicks = 0
	c.lastActivity = c.clk.Now()
}

// checkQueueAccess verifies that every member's user may play every item.
// It fails closed: unknown users and unknown items deny the mutation.
func (c *Controller) checkQueueAccess(itemIDs []int) error {
	seen := make(map[string]struct{}, len(c.members))
	for _, member := range c.members {
		if _, done := seen[member.UserID]; done {
			continue
		}
		seen[member.UserID] = struct{}{}

		user := c.users.GetUser(member.UserID)
		if user == nil {
			c.logger.WithField("user", member.UserID).Warn("Unknown user in group, denying queue change")
			return ErrAccessDenied
		}

		for _, itemID := range itemIDs {
			track, err := c.catalog.GetItem(itemID)
			if err != nil {
				c.logger.WithError(err).WithField("item_id", itemID).Warn("Unknown item in queue change")
				return ErrAccessDenied
			}
			if !user.CanPlayRating(track.ParentalRating) || !user.CanAccessFolder(track.Folder) {
				c.logger.WithFields(logrus.Fields{
					"user":    member.UserID,
					"item_id": itemID,
				}).Warn("User may not access queued item")
				return ErrAccessDenied
			}
		}
	}
	return nil
}

// loadRunTime refreshes RunTimeTicks from the playing item's metadata.
func (c *Controller) loadRunTime() {
	c.runTimeTicks = 0
	current, ok := c.queue.CurrentItem()
	if !ok {
		return
	}
	track, err := c.catalog.GetItem(current.ItemID)
	if err != nil {
		c.logger.WithError(err).WithField("item_id", current.ItemID).Warn("Failed to load runtime for playing item")
		return
	}
	c.runTimeTicks = track.DurationTicks
}

// SetPlayQueue replaces the queue and moves the cursor to startIndex.
func (c *Controller) SetPlayQueue(itemIDs []int, startIndex int, startPositionTicks int64) error {
	if err := c.checkQueueAccess(itemIDs); err != nil {
		return err
	}
	c.queue.SetPlaylist(itemIDs)
	c.queue.SetPlayingItemByIndex(startIndex)
	c.loadRunTime()
	c.RestartCurrentItem()
	c.positionTicks = c.SanitizePositionTicks(startPositionTicks)
	return nil
}

// SetPlayingItem moves the cursor to the given queue entry. The whole
// effective queue is re-verified because membership may have changed since
// it was set.
func (c *Controller) SetPlayingItem(playlistItemID string) error {
	if err := c.checkQueueAccess(c.queue.ItemIDs()); err != nil {
		return err
	}
	if !c.queue.SetPlayingItemByPlaylistID(playlistItemID) {
		return ErrStaleRequest
	}
	c.loadRunTime()
	c.RestartCurrentItem()
	return nil
}

// AddToPlayQueue appends or inserts items without disturbing the playing
// item.
func (c *Controller) AddToPlayQueue(itemIDs []int, mode QueueMode) error {
	resulting := append(c.queue.ItemIDs(), itemIDs...)
	if err := c.checkQueueAccess(resulting); err != nil {
		return err
	}
	if mode == QueueModeQueueNext {
		c.queue.QueueNext(itemIDs)
	} else {
		c.queue.Queue(itemIDs)
	}
	return nil
}

// RemoveFromPlayQueue removes entries and reports whether the playing item
// was among them. When it was, the cursor has advanced and the new item's
// runtime is loaded.
func (c *Controller) RemoveFromPlayQueue(playlistItemIDs []string) (playingRemoved bool, err error) {
	doomed := make(map[string]struct{}, len(playlistItemIDs))
	for _, id := range playlistItemIDs {
		doomed[id] = struct{}{}
	}
	var resulting []int
	for _, item := range c.queue.GetPlaylist() {
		if _, gone := doomed[item.PlaylistItemID]; !gone {
			resulting = append(resulting, item.ItemID)
		}
	}
	if err := c.checkQueueAccess(resulting); err != nil {
		return false, err
	}

	playingRemoved = c.queue.RemoveFromPlaylist(playlistItemIDs)
	if playingRemoved {
		c.loadRunTime()
		c.RestartCurrentItem()
	}
	return playingRemoved, nil
}

// MoveItemInPlayQueue moves one entry to a new visible index.
func (c *Controller) MoveItemInPlayQueue(playlistItemID string, newIndex int) error {
	if err := c.checkQueueAccess(c.queue.ItemIDs()); err != nil {
		return err
	}
	if !c.queue.MovePlaylistItem(playlistItemID, newIndex) {
		return ErrStaleRequest
	}
	return nil
}

// NextItemInQueue advances the cursor per the repeat mode.
func (c *Controller) NextItemInQueue() error {
	if err := c.checkQueueAccess(c.queue.ItemIDs()); err != nil {
		return err
	}
	if !c.queue.Next() {
		return ErrEndOfQueue
	}
	c.loadRunTime()
	c.RestartCurrentItem()
	return nil
}

// PreviousItemInQueue moves the cursor back per the repeat mode.
func (c *Controller) PreviousItemInQueue() error {
	if err := c.checkQueueAccess(c.queue.ItemIDs()); err != nil {
		return err
	}
	if !c.queue.Previous() {
		return ErrEndOfQueue
	}
	c.loadRunTime()
	c.RestartCurrentItem()
	return nil
}

// NewGroupUpdate builds an update stamped with this group's id.
func (c *Controller) NewGroupUpdate(updateType GroupUpdateType, data interface{}) *GroupUpdate {
	return &GroupUpdate{GroupID: c.id, Type: updateType, Data: data}
}

// NewSyncPlayCommand builds a command snapshot of the current playback
// reference: playing entry, LastActivity as the scheduled instant, and the
// committed position.
func (c *Controller) NewSyncPlayCommand(commandType CommandType) *Command {
	playlistItemID := ""
	if current, ok := c.queue.CurrentItem(); ok {
		playlistItemID = current.PlaylistItemID
	}
	return &Command{
		GroupID:        c.id,
		PlaylistItemID: playlistItemID,
		When:           c.lastActivity,
		Command:        commandType,
		PositionTicks:  c.positionTicks,
		EmittedAt:      c.clk.Now(),
	}
}

func (c *Controller) audienceSessions(from string, audience Audience) []string {
	var out []string
	for sessionID, member := range c.members {
		switch audience {
		case AudienceCurrentSession:
			if sessionID == from {
				out = append(out, sessionID)
			}
		case AudienceAllGroup:
			out = append(out, sessionID)
		case AudienceAllExceptCurrentSession:
			if sessionID != from {
				out = append(out, sessionID)
			}
		case AudienceAllReady:
			if !member.IsBuffering || member.IgnoreWait {
				out = append(out, sessionID)
			}
		}
	}
	return out
}

// SendGroupUpdate composes an update for every session in the audience.
func (c *Controller) SendGroupUpdate(from string, audience Audience, update *GroupUpdate) {
	for _, sessionID := range c.audienceSessions(from, audience) {
		c.outbox = append(c.outbox, Envelope{SessionID: sessionID, Message: wrapGroupUpdate(update)})
	}
}

// SendCommand composes a command for every session in the audience.
func (c *Controller) SendCommand(from string, audience Audience, cmd *Command) {
	for _, sessionID := range c.audienceSessions(from, audience) {
		c.outbox = append(c.outbox, Envelope{SessionID: sessionID, Message: wrapCommand(cmd)})
	}
}

// DrainOutbox hands over the composed messages and clears the outbox. The
// caller dispatches them after releasing the group lock.
func (c *Controller) DrainOutbox() []Envelope {
	out := c.outbox
	c.outbox = nil
	return out
}

// GetInfo returns the client-visible group summary.
func (c *Controller) GetInfo() GroupInfo {
	seen := make(map[string]struct{}, len(c.members))
	participants := make([]string, 0, len(c.members))
	for _, member := range c.members {
		if _, dup := seen[member.UserID]; dup {
			continue
		}
		seen[member.UserID] = struct{}{}
		participants = append(participants, member.UserID)
	}
	sort.Strings(participants)

	return GroupInfo{
		GroupID:       c.id,
		GroupName:     c.name,
		Visibility:    c.visibility,
		State:         c.state,
		Participants:  participants,
		LastUpdatedAt: c.lastActivity,
	}
}

// composePlayQueueUpdate snapshots the queue for a PlayQueue update.
func (c *Controller) composePlayQueueUpdate(reason RequestType) *PlayQueueUpdate {
	return &PlayQueueUpdate{
		Reason:             string(reason),
		LastUpdate:         c.queue.LastChange(),
		Playlist:           c.queue.GetPlaylist(),
		PlayingItemIndex:   c.queue.CurrentIndex(),
		StartPositionTicks: c.positionTicks,
		ShuffleMode:        c.queue.ShuffleMode(),
		RepeatMode:         c.queue.RepeatMode(),
	}
}

// IsInvited reports whether the user is on the invited list.
func (c *Controller) IsInvited(userID string) bool {
	_, ok := c.invited[userID]
	return ok
}

// CanJoin applies the visibility rule for a prospective member.
func (c *Controller) CanJoin(userID string) bool {
	switch c.visibility {
	case VisibilityPublic:
		return true
	case VisibilityInviteOnly, VisibilityPrivate:
		if c.IsInvited(userID) || c.access.IsAdministrator(userID) {
			return true
		}
		for _, member := range c.members {
			if member.UserID == userID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// VisibleTo reports whether the group shows up in the user's listing.
func (c *Controller) VisibleTo(userID string) bool {
	if c.visibility != VisibilityPrivate {
		return true
	}
	return c.CanJoin(userID)
}

// ApplySettings applies a partial settings update and broadcasts the new
// group summary.
func (c *Controller) ApplySettings(from string, req *SettingsRequest) {
	if req.GroupName != nil {
		c.name = *req.GroupName
	}
	if req.Visibility != nil {
		c.visibility = *req.Visibility
	}
	if req.InvitedUsers != nil {
		c.invited = make(map[string]struct{}, len(req.InvitedUsers))
		for _, username := range req.InvitedUsers {
			c.invited[username] = struct{}{}
		}
	}
	for _, username := range req.Administrators {
		c.access.AddAdministrator(username)
	}

	openPlayback, openPlaylist := c.access.OpenDefaults()
	if req.OpenPlaybackAccess != nil {
		openPlayback = *req.OpenPlaybackAccess
	}
	if req.OpenPlaylistAccess != nil {
		openPlaylist = *req.OpenPlaylistAccess
	}
	c.access.SetOpenDefaults(openPlayback, openPlaylist)

	for i, userID := range req.AccessListUserIDs {
		perms := Permissions{Playback: openPlayback, Playlist: openPlaylist}
		if i < len(req.AccessListPlayback) {
			perms.Playback = req.AccessListPlayback[i]
		}
		if i < len(req.AccessListPlaylist) {
			perms.Playlist = req.AccessListPlaylist[i]
		}
		c.access.SetPermissions(userID, perms)
	}

	info := c.GetInfo()
	c.SendGroupUpdate(from, AudienceAllGroup, c.NewGroupUpdate(GroupUpdateSettings, &info))
}

// SessionJoined adds the session and brings it up to date: a GroupJoined
// with the group summary, the current state, and a queue snapshot. Other
// members learn about the newcomer.
func (c *Controller) SessionJoined(sessionID, userID string) {
	c.AddSession(sessionID, userID)

	info := c.GetInfo()
	c.SendGroupUpdate(sessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdateGroupJoined, &info))
	c.SendGroupUpdate(sessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdateStateUpdate, &StateUpdate{
		State: c.state,
	}))
	c.SendGroupUpdate(sessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdatePlayQueue, c.composePlayQueueUpdate(RequestType("GroupJoined"))))
	c.SendGroupUpdate(sessionID, AudienceAllExceptCurrentSession, c.NewGroupUpdate(GroupUpdateUserJoined, userID))
}

// SessionRestored rebinds a session that reconnected to its own group: no
// join acceptance, no UserJoined, just a fresh snapshot so the client can
// reconcile.
func (c *Controller) SessionRestored(sessionID string) {
	member, ok := c.members[sessionID]
	if !ok {
		return
	}
	member.IsBuffering = c.state == StateWaiting

	info := c.GetInfo()
	c.SendGroupUpdate(sessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdateGroupJoined, &info))
	c.SendGroupUpdate(sessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdateStateUpdate, &StateUpdate{
		State: c.state,
	}))
	c.SendGroupUpdate(sessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdatePlayQueue, c.composePlayQueueUpdate(RequestType("SessionRestored"))))
}

// SessionLeft tells the leaver and the rest, then removes the member. A
// departing blocker can complete a waiting round; an emptied group falls
// back to Idle.
func (c *Controller) SessionLeft(sessionID string) {
	member, ok := c.members[sessionID]
	if !ok {
		return
	}

	c.SendGroupUpdate(sessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdateGroupLeft, c.id.String()))
	c.SendGroupUpdate(sessionID, AudienceAllExceptCurrentSession, c.NewGroupUpdate(GroupUpdateUserLeft, member.UserID))
	c.RemoveSession(sessionID)

	if len(c.members) == 0 {
		c.state = StateIdle
		return
	}
	if c.state == StateWaiting {
		c.tryFinishWaiting(sessionID)
	}
}
