// Package syncplay coordinates synchronized group playback: groups of
// client sessions share one play queue, one playback position, and one
// state machine, with commands fanned out through the session registry.
package syncplay

import (
	"context"
	"sync"
	"time"

	"unison/internal/auth"
	"unison/internal/clock"
	"unison/internal/config"
	"unison/internal/session"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SessionDirectory is the slice of the session registry the manager needs:
// lookups for session metadata and reachability, plus message delivery.
type SessionDirectory interface {
	Get(id string) (*session.ClientSession, bool)
	IsUserReachable(username string) bool
	Deliver(ctx context.Context, sessionID string, msg session.Message)
}

// UserLister enumerates user records for ListAvailableUsers.
type UserLister interface {
	UserDirectory
	ListUsers() []auth.User
}

// guardedGroup pairs a controller with its lock. Controllers are reached
// only through this wrapper, so every operation runs under the group lock.
type guardedGroup struct {
	mutex      sync.Mutex
	controller *Controller
}

// Manager owns the set of groups and routes session-level operations to
// the right one. The map lock covers only membership bookkeeping; all
// group work happens under the per-group lock. Lock order is always map
// lock first, group lock second.
type Manager struct {
	mutex        sync.Mutex
	groups       map[uuid.UUID]*guardedGroup
	sessionGroup map[string]uuid.UUID

	clk      clock.Clock
	catalog  Catalog
	users    UserLister
	sessions SessionDirectory
	cfg      *config.SyncPlayConfig
	logger   *logrus.Logger
}

// NewManager creates an empty group registry.
func NewManager(clk clock.Clock, catalog Catalog, users UserLister, sessions SessionDirectory,
	cfg *config.SyncPlayConfig, logger *logrus.Logger) *Manager {

	return &Manager{
		groups:       make(map[uuid.UUID]*guardedGroup),
		sessionGroup: make(map[string]uuid.UUID),
		clk:          clk,
		catalog:      catalog,
		users:        users,
		sessions:     sessions,
		cfg:          cfg,
		logger:       logger,
	}
}

// dispatch delivers composed envelopes after every lock is released.
// Delivery is fire-and-forget; a failed or dropped message never rolls
// back group state.
func (m *Manager) dispatch(ctx context.Context, envelopes []Envelope) {
	for _, envelope := range envelopes {
		m.sessions.Deliver(ctx, envelope.SessionID, envelope.Message)
	}
}

// deliverTo sends a single update outside any group, for refusals that
// have no group to speak for them.
func (m *Manager) deliverTo(ctx context.Context, sessionID string, update *GroupUpdate) {
	m.sessions.Deliver(ctx, sessionID, wrapGroupUpdate(update))
}

func (m *Manager) hasSyncPlayAccess(username string) bool {
	user := m.users.GetUser(username)
	return user != nil && user.SyncPlayAccess
}

// NewGroup creates a group with the calling session as first member and
// administrator. When the session reports something as now playing, the
// new group adopts that queue and position so the rest of the group can
// sync onto it.
func (m *Manager) NewGroup(ctx context.Context, sessionID string, req *NewGroupRequest) {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		return
	}

	if !m.hasSyncPlayAccess(sess.Username) {
		m.deliverTo(ctx, sessionID, &GroupUpdate{Type: GroupUpdateCreateGroupDenied, Data: "user has no syncplay access"})
		return
	}

	m.mutex.Lock()
	if _, member := m.sessionGroup[sessionID]; member {
		m.mutex.Unlock()
		m.deliverTo(ctx, sessionID, &GroupUpdate{Type: GroupUpdateCreateGroupDenied, Data: "session already in a group"})
		return
	}

	controller := NewController(uuid.New(), req.GroupName, req.Visibility, req.InvitedUsers,
		m.clk, m.catalog, m.users, m.cfg, m.logger)
	group := &guardedGroup{controller: controller}
	group.mutex.Lock()

	openPlayback, openPlaylist := controller.Access().OpenDefaults()
	if req.OpenPlaybackAccess != nil {
		openPlayback = *req.OpenPlaybackAccess
	}
	if req.OpenPlaylistAccess != nil {
		openPlaylist = *req.OpenPlaylistAccess
	}
	controller.Access().SetOpenDefaults(openPlayback, openPlaylist)

	controller.Access().AddAdministrator(sess.Username)
	controller.SessionJoined(sessionID, sess.Username)

	// Seed the queue from what the creator is already playing. A seed the
	// creator may not play fails the create itself: the group is never
	// registered, and the join messages in the outbox are discarded.
	seeded := false
	if np := sess.NowPlaying; np != nil && len(np.Queue) > 0 {
		if err := controller.SetPlayQueue(np.Queue, np.ItemIndex, np.PositionTicks); err != nil {
			group.mutex.Unlock()
			m.mutex.Unlock()
			m.logger.WithFields(logrus.Fields{
				"group_name": req.GroupName,
				"user":       sess.Username,
			}).Warn("Group create refused: now-playing queue is not accessible")
			m.deliverTo(ctx, sessionID, &GroupUpdate{Type: GroupUpdateLibraryAccessDenied})
			return
		}
		seeded = true
	}

	m.groups[controller.ID()] = group
	m.sessionGroup[sessionID] = controller.ID()
	m.mutex.Unlock()

	if seeded {
		np := sess.NowPlaying
		controller.SendGroupUpdate(sessionID, AudienceAllGroup, controller.NewGroupUpdate(GroupUpdatePlayQueue, controller.composePlayQueueUpdate(RequestPlay)))
		controller.enterWaiting(sessionID, !np.IsPaused, RequestPlay)
	}

	envelopes := controller.DrainOutbox()
	group.mutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"group_id":   controller.ID().String(),
		"group_name": req.GroupName,
		"user":       sess.Username,
	}).Info("SyncPlay group created")

	m.dispatch(ctx, envelopes)
}

// JoinGroup adds the session to a group. A session already in another
// group leaves it first; the same session rejoining its own group is the
// restore path and only rebinds.
func (m *Manager) JoinGroup(ctx context.Context, sessionID string, groupID uuid.UUID, req *JoinGroupRequest) {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		return
	}

	if !m.hasSyncPlayAccess(sess.Username) {
		m.deliverTo(ctx, sessionID, &GroupUpdate{GroupID: groupID, Type: GroupUpdateJoinGroupDenied})
		return
	}

	m.mutex.Lock()
	group, exists := m.groups[groupID]
	if !exists {
		m.mutex.Unlock()
		m.deliverTo(ctx, sessionID, &GroupUpdate{GroupID: groupID, Type: GroupUpdateGroupDoesNotExist})
		return
	}

	if currentID, member := m.sessionGroup[sessionID]; member {
		if currentID == groupID {
			// Session restore: same session, same group.
			group.mutex.Lock()
			m.mutex.Unlock()
			group.controller.SessionRestored(sessionID)
			envelopes := group.controller.DrainOutbox()
			group.mutex.Unlock()
			m.dispatch(ctx, envelopes)
			return
		}
		m.mutex.Unlock()
		m.LeaveGroup(ctx, sessionID)
		m.mutex.Lock()
		group, exists = m.groups[groupID]
		if !exists {
			m.mutex.Unlock()
			m.deliverTo(ctx, sessionID, &GroupUpdate{GroupID: groupID, Type: GroupUpdateGroupDoesNotExist})
			return
		}
	}

	group.mutex.Lock()
	if !group.controller.CanJoin(sess.Username) {
		group.mutex.Unlock()
		m.mutex.Unlock()
		m.deliverTo(ctx, sessionID, &GroupUpdate{GroupID: groupID, Type: GroupUpdateJoinGroupDenied})
		return
	}
	m.sessionGroup[sessionID] = groupID
	m.mutex.Unlock()

	group.controller.SessionJoined(sessionID, sess.Username)
	envelopes := group.controller.DrainOutbox()
	group.mutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"group_id": groupID.String(),
		"user":     sess.Username,
		"device":   req.DeviceName,
	}).Info("Session joined SyncPlay group")

	m.dispatch(ctx, envelopes)
}

// LeaveGroup removes the session from its group. Leaving while not in any
// group only gets a NotInGroup notice. An emptied group is deleted right
// away unless a grace period is configured; then the sweeper collects it.
func (m *Manager) LeaveGroup(ctx context.Context, sessionID string) {
	m.mutex.Lock()
	groupID, member := m.sessionGroup[sessionID]
	if !member {
		m.mutex.Unlock()
		m.deliverTo(ctx, sessionID, &GroupUpdate{Type: GroupUpdateNotInGroup})
		return
	}
	group := m.groups[groupID]
	delete(m.sessionGroup, sessionID)

	group.mutex.Lock()
	group.controller.SessionLeft(sessionID)
	empty := group.controller.IsEmpty()
	if empty && m.cfg.GroupGraceSeconds == 0 {
		delete(m.groups, groupID)
	}
	envelopes := group.controller.DrainOutbox()
	group.mutex.Unlock()
	m.mutex.Unlock()

	if empty {
		m.logger.WithField("group_id", groupID.String()).Info("SyncPlay group is empty")
	}

	m.dispatch(ctx, envelopes)
}

// UpdateGroupSettings applies a partial settings update. Administrators
// only; anyone else is logged and ignored.
func (m *Manager) UpdateGroupSettings(ctx context.Context, sessionID string, req *SettingsRequest) {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		return
	}

	m.mutex.Lock()
	groupID, member := m.sessionGroup[sessionID]
	if !member {
		m.mutex.Unlock()
		m.deliverTo(ctx, sessionID, &GroupUpdate{Type: GroupUpdateNotInGroup})
		return
	}
	group := m.groups[groupID]
	group.mutex.Lock()
	m.mutex.Unlock()

	if !group.controller.Access().IsAdministrator(sess.Username) {
		group.mutex.Unlock()
		m.logger.WithFields(logrus.Fields{
			"group_id": groupID.String(),
			"user":     sess.Username,
		}).Warn("Non-administrator tried to change group settings")
		return
	}

	group.controller.ApplySettings(sessionID, req)
	envelopes := group.controller.DrainOutbox()
	group.mutex.Unlock()

	m.dispatch(ctx, envelopes)
}

// ListGroups returns the groups the session's user could join. Visibility
// filters the listing, membership does not.
func (m *Manager) ListGroups(sessionID string) []GroupInfo {
	sess, ok := m.sessions.Get(sessionID)
	if !ok || !m.hasSyncPlayAccess(sess.Username) {
		return []GroupInfo{}
	}

	m.mutex.Lock()
	groups := make([]*guardedGroup, 0, len(m.groups))
	for _, group := range m.groups {
		groups = append(groups, group)
	}
	m.mutex.Unlock()

	infos := make([]GroupInfo, 0, len(groups))
	for _, group := range groups {
		group.mutex.Lock()
		if group.controller.VisibleTo(sess.Username) && group.controller.CanJoin(sess.Username) {
			infos = append(infos, group.controller.GetInfo())
		}
		group.mutex.Unlock()
	}
	return infos
}

// ListAvailableUsers returns users who hold SyncPlay access and currently
// have at least one reachable session.
func (m *Manager) ListAvailableUsers() []string {
	var available []string
	for _, user := range m.users.ListUsers() {
		if user.SyncPlayAccess && m.sessions.IsUserReachable(user.Username) {
			available = append(available, user.Username)
		}
	}
	return available
}

// HandleRequest routes a playback request to the session's group. Requests
// from sessions outside any group are dropped.
func (m *Manager) HandleRequest(ctx context.Context, sessionID string, req *Request) {
	m.mutex.Lock()
	groupID, member := m.sessionGroup[sessionID]
	if !member {
		m.mutex.Unlock()
		m.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"request":    req.Type,
		}).Debug("Dropping request from session without a group")
		return
	}
	group := m.groups[groupID]
	group.mutex.Lock()
	m.mutex.Unlock()

	group.controller.HandleRequest(ctx, sessionID, req)
	envelopes := group.controller.DrainOutbox()
	group.mutex.Unlock()

	m.dispatch(ctx, envelopes)
}

// HandleWebRTC routes a signaling payload to the session's group.
func (m *Manager) HandleWebRTC(ctx context.Context, sessionID string, req *WebRTCRequest) {
	m.mutex.Lock()
	groupID, member := m.sessionGroup[sessionID]
	if !member {
		m.mutex.Unlock()
		m.logger.WithField("session_id", sessionID).Debug("Dropping WebRTC payload from session without a group")
		return
	}
	group := m.groups[groupID]
	group.mutex.Lock()
	m.mutex.Unlock()

	group.controller.HandleWebRTC(sessionID, req)
	envelopes := group.controller.DrainOutbox()
	group.mutex.Unlock()

	m.dispatch(ctx, envelopes)
}

// GroupOf returns the id of the session's group, if any.
func (m *Manager) GroupOf(sessionID string) (uuid.UUID, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	groupID, ok := m.sessionGroup[sessionID]
	return groupID, ok
}

// Run sweeps empty groups past their grace period until the context ends.
func (m *Manager) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.SweepIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepEmptyGroups()
		}
	}
}

func (m *Manager) sweepEmptyGroups() {
	grace := time.Duration(m.cfg.GroupGraceSeconds) * time.Second
	now := m.clk.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for groupID, group := range m.groups {
		group.mutex.Lock()
		expired := group.controller.IsEmpty() && now.Sub(group.controller.EmptySince()) >= grace
		group.mutex.Unlock()

		if expired {
			delete(m.groups, groupID)
			m.logger.WithField("group_id", groupID.String()).Info("Removed empty SyncPlay group")
		}
	}
}

// Shutdown stops playback in every group so clients do not keep running
// against a server that is going away.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mutex.Lock()
	groups := make([]*guardedGroup, 0, len(m.groups))
	for _, group := range m.groups {
		groups = append(groups, group)
	}
	m.mutex.Unlock()

	for _, group := range groups {
		group.mutex.Lock()
		if !group.controller.IsEmpty() {
			group.controller.lastActivity = group.controller.clk.Now()
			group.controller.SendCommand("", AudienceAllGroup, group.controller.NewSyncPlayCommand(CommandStop))
			group.controller.SetState(StateIdle)
		}
		envelopes := group.controller.DrainOutbox()
		group.mutex.Unlock()
		m.dispatch(ctx, envelopes)
	}
}
