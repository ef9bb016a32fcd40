package syncplay

import (
	"context"
	"time"

	"unison/internal/clock"

	"github.com/sirupsen/logrus"
)

// HandleRequest runs one playback request through the group's state
// machine. The caller holds the group lock; composed messages land in the
// outbox for dispatch after release.
func (c *Controller) HandleRequest(ctx context.Context, sessionID string, req *Request) {
	member, ok := c.members[sessionID]
	if !ok {
		c.logger.WithField("session_id", sessionID).Debug("Request from non-member session")
		return
	}

	if req.Type == RequestPing {
		c.UpdatePing(sessionID, req.Ping)
		return
	}

	if !c.access.CheckRequest(member.UserID, req.Type) {
		c.logger.WithFields(logrus.Fields{
			"user":    member.UserID,
			"request": req.Type,
		}).Warn("Request denied by group access list")
		return
	}

	switch c.state {
	case StateIdle:
		c.handleIdle(ctx, member, req)
	case StateWaiting:
		c.handleWaiting(ctx, member, req)
	case StatePlaying:
		c.handlePlaying(ctx, member, req)
	case StatePaused:
		c.handlePaused(ctx, member, req)
	}
}

// enterWaiting starts a readiness round: every member must report Ready
// before playback proceeds with the pending resumePlaying decision.
func (c *Controller) enterWaiting(from string, resumePlaying bool, reason RequestType) {
	c.resumePlaying = resumePlaying
	c.SetAllBuffering(true)
	c.latestReady = time.Time{}
	c.setState(from, StateWaiting, reason)
}

// tryFinishWaiting completes a readiness round once no non-ignored member
// is buffering. The start is scheduled far enough out for the last ready
// report plus the worst member latency, never in the past.
func (c *Controller) tryFinishWaiting(from string) {
	if c.state != StateWaiting || len(c.members) == 0 || c.IsBuffering() {
		return
	}
	if _, ok := c.queue.CurrentItem(); !ok {
		c.setState(from, StateIdle, RequestStop)
		return
	}

	now := c.clk.Now()
	readyTime := c.latestReady.Add(c.timeSyncOffset() + pingDuration(c.GetHighestPing()))
	if readyTime.Before(now) {
		readyTime = now
	}
	c.lastActivity = readyTime

	if c.resumePlaying {
		c.setState(from, StatePlaying, RequestReady)
		c.SendCommand(from, AudienceAllReady, c.NewSyncPlayCommand(CommandUnpause))
	} else {
		c.setState(from, StatePaused, RequestReady)
		c.SendCommand(from, AudienceAllReady, c.NewSyncPlayCommand(CommandPause))
	}
}

func pingDuration(pingMs float64) time.Duration {
	return time.Duration(pingMs * float64(time.Millisecond))
}

// clampReportedTime pulls a client-supplied timestamp inside the sync
// tolerance window around server time.
func (c *Controller) clampReportedTime(reported time.Time) time.Time {
	now := c.clk.Now()
	offset := c.timeSyncOffset()
	if reported.Before(now.Add(-offset)) || reported.After(now.Add(offset)) {
		return now
	}
	return reported
}

// sendCorrectiveState reminds one session what the group is doing. Used
// when a report arrives that only makes sense in another state.
func (c *Controller) sendCorrectiveState(sessionID string) {
	switch c.state {
	case StateIdle:
		c.SendCommand(sessionID, AudienceCurrentSession, c.NewSyncPlayCommand(CommandStop))
	case StatePlaying:
		c.SendCommand(sessionID, AudienceCurrentSession, c.NewSyncPlayCommand(CommandUnpause))
	case StatePaused:
		c.SendCommand(sessionID, AudienceCurrentSession, c.NewSyncPlayCommand(CommandPause))
	}
}

// handlePlayRequest replaces the queue and starts a readiness round. Legal
// from every state.
func (c *Controller) handlePlayRequest(m *Member, req *Request) {
	if err := c.SetPlayQueue(req.ItemIDs, req.PlayingItemIndex, req.StartPositionTicks); err != nil {
		c.SendGroupUpdate(m.SessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdateLibraryAccessDenied, nil))
		return
	}
	c.SendGroupUpdate(m.SessionID, AudienceAllGroup, c.NewGroupUpdate(GroupUpdatePlayQueue, c.composePlayQueueUpdate(RequestPlay)))
	c.enterWaiting(m.SessionID, true, RequestPlay)
}

// handleQueueRequest applies a queue mutation and broadcasts the new
// snapshot. It reports whether the mutation went through and whether the
// playing entry changed underneath the group.
func (c *Controller) handleQueueRequest(m *Member, req *Request) (applied, currentChanged bool) {
	before, hadCurrent := c.queue.CurrentItem()

	var err error
	switch req.Type {
	case RequestSetPlaylistItem:
		err = c.SetPlayingItem(req.PlaylistItemID)
	case RequestQueue:
		err = c.AddToPlayQueue(req.QueueItemIDs, req.Mode)
	case RequestRemoveFromPlaylist:
		_, err = c.RemoveFromPlayQueue(req.PlaylistItemIDs)
	case RequestMovePlaylistItem:
		err = c.MoveItemInPlayQueue(req.PlaylistItemID, req.NewIndex)
	case RequestSetRepeatMode:
		c.queue.SetRepeatMode(req.RepeatMode)
	case RequestSetShuffleMode:
		c.queue.SetShuffleMode(req.ShuffleMode)
	default:
		return false, false
	}

	if err == ErrAccessDenied {
		c.SendGroupUpdate(m.SessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdateLibraryAccessDenied, nil))
		return false, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("request", req.Type).Debug("Queue request dropped")
		return false, false
	}

	after, hasCurrent := c.queue.CurrentItem()
	currentChanged = hadCurrent != hasCurrent || before.PlaylistItemID != after.PlaylistItemID

	c.SendGroupUpdate(m.SessionID, AudienceAllGroup, c.NewGroupUpdate(GroupUpdatePlayQueue, c.composePlayQueueUpdate(req.Type)))
	return true, currentChanged
}

// handleTrackChange advances or rewinds the cursor. The request names the
// entry the client was looking at; a mismatch means the request raced a
// newer change and gets dropped.
func (c *Controller) handleTrackChange(m *Member, req *Request) (applied bool, ended bool) {
	if current, ok := c.queue.CurrentItem(); ok {
		if req.PlaylistItemID != "" && req.PlaylistItemID != current.PlaylistItemID {
			c.logger.WithField("playlist_item_id", req.PlaylistItemID).Debug("Stale track change dropped")
			return false, false
		}
	}

	var err error
	if req.Type == RequestNextTrack {
		err = c.NextItemInQueue()
	} else {
		err = c.PreviousItemInQueue()
	}

	switch err {
	case nil:
		c.SendGroupUpdate(m.SessionID, AudienceAllGroup, c.NewGroupUpdate(GroupUpdatePlayQueue, c.composePlayQueueUpdate(req.Type)))
		return true, false
	case ErrEndOfQueue:
		return false, true
	case ErrAccessDenied:
		c.SendGroupUpdate(m.SessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdateLibraryAccessDenied, nil))
		return false, false
	default:
		return false, false
	}
}

func (c *Controller) handleIdle(ctx context.Context, m *Member, req *Request) {
	switch req.Type {
	case RequestPlay:
		c.handlePlayRequest(m, req)

	case RequestSetPlaylistItem, RequestQueue, RequestRemoveFromPlaylist,
		RequestMovePlaylistItem, RequestSetRepeatMode, RequestSetShuffleMode:
		c.handleQueueRequest(m, req)

	case RequestNextTrack, RequestPreviousTrack:
		c.handleTrackChange(m, req)

	case RequestIgnoreWait:
		m.IgnoreWait = req.IgnoreWait

	case RequestBuffering:
		c.SetBuffering(m.SessionID, !req.BufferingDone)

	case RequestReady:
		c.SetBuffering(m.SessionID, false)
		c.sendCorrectiveState(m.SessionID)

	case RequestStop:
		// Already idle.

	default:
		c.logger.WithField("request", req.Type).Debug("Request has no effect while idle")
	}
}

func (c *Controller) handleWaiting(ctx context.Context, m *Member, req *Request) {
	switch req.Type {
	case RequestPlay:
		c.handlePlayRequest(m, req)

	case RequestReady:
		c.handleReady(m, req)

	case RequestBuffering:
		if req.BufferingDone {
			c.handleReady(m, req)
			return
		}
		c.SetBuffering(m.SessionID, true)
		// Remind the reporter what the group is waiting on: the state plus
		// the current item and position.
		c.SendGroupUpdate(m.SessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdateStateUpdate, &StateUpdate{
			State:  c.state,
			Reason: string(RequestBuffering),
		}))
		c.SendGroupUpdate(m.SessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdatePlayQueue, c.composePlayQueueUpdate(RequestBuffering)))

	case RequestPause:
		c.resumePlaying = false
		c.lastActivity = c.clk.Now()
		c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandPause))

	case RequestUnpause:
		c.resumePlaying = true

	case RequestStop:
		c.lastActivity = c.clk.Now()
		c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandStop))
		c.setState(m.SessionID, StateIdle, RequestStop)

	case RequestSeek:
		c.positionTicks = c.SanitizePositionTicks(req.PositionTicks)
		c.lastActivity = c.clk.Now()
		c.SetAllBuffering(true)
		c.latestReady = time.Time{}
		c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandSeek))

	case RequestSetPlaylistItem, RequestQueue, RequestRemoveFromPlaylist,
		RequestMovePlaylistItem, RequestSetRepeatMode, RequestSetShuffleMode:
		applied, currentChanged := c.handleQueueRequest(m, req)
		if !applied {
			return
		}
		if c.queue.Len() == 0 {
			c.setState(m.SessionID, StateIdle, req.Type)
			return
		}
		if currentChanged {
			c.SetAllBuffering(true)
			c.latestReady = time.Time{}
		}

	case RequestNextTrack, RequestPreviousTrack:
		applied, ended := c.handleTrackChange(m, req)
		if applied {
			c.SetAllBuffering(true)
			c.latestReady = time.Time{}
		} else if ended {
			c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandStop))
			c.setState(m.SessionID, StateIdle, req.Type)
		}

	case RequestIgnoreWait:
		m.IgnoreWait = req.IgnoreWait
		c.tryFinishWaiting(m.SessionID)
	}
}

// handleReady records a member's readiness report and completes the round
// when it was the last blocker.
func (c *Controller) handleReady(m *Member, req *Request) {
	if current, ok := c.queue.CurrentItem(); ok {
		if req.ReportedItem != "" && req.ReportedItem != current.PlaylistItemID {
			// The client is on a stale entry; put just that session back on
			// the group's item.
			c.SendGroupUpdate(m.SessionID, AudienceCurrentSession, c.NewGroupUpdate(GroupUpdatePlayQueue, c.composePlayQueueUpdate(RequestSetPlaylistItem)))
			return
		}
	}

	reported := c.clampReportedTime(req.When)
	if reported.After(c.latestReady) {
		c.latestReady = reported
	}

	// A position past the end of the item means the client already hit
	// track end; advance for everyone.
	if c.runTimeTicks > 0 && req.Position > c.runTimeTicks {
		if err := c.NextItemInQueue(); err == nil {
			c.SendGroupUpdate(m.SessionID, AudienceAllGroup, c.NewGroupUpdate(GroupUpdatePlayQueue, c.composePlayQueueUpdate(RequestNextTrack)))
			c.SetAllBuffering(true)
			c.latestReady = time.Time{}
		} else if err == ErrEndOfQueue {
			c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandStop))
			c.setState(m.SessionID, StateIdle, RequestReady)
		}
		return
	}

	c.SetBuffering(m.SessionID, false)

	if diff := req.Position - c.positionTicks; diff > c.maxPlaybackOffsetTicks() || -diff > c.maxPlaybackOffsetTicks() {
		// This client sits too far from the group position; nudge only it.
		c.SendCommand(m.SessionID, AudienceCurrentSession, c.NewSyncPlayCommand(CommandSeek))
	}

	c.tryFinishWaiting(m.SessionID)
}

func (c *Controller) handlePlaying(ctx context.Context, m *Member, req *Request) {
	switch req.Type {
	case RequestPlay:
		c.handlePlayRequest(m, req)

	case RequestPause:
		elapsed := c.clk.Now().Sub(c.lastActivity)
		c.positionTicks = c.SanitizePositionTicks(c.positionTicks + clock.DurationToTicks(elapsed))
		c.lastActivity = c.clk.Now()
		c.setState(m.SessionID, StatePaused, RequestPause)
		c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandPause))

	case RequestUnpause:
		c.SendCommand(m.SessionID, AudienceCurrentSession, c.NewSyncPlayCommand(CommandUnpause))

	case RequestSeek:
		c.positionTicks = c.SanitizePositionTicks(req.PositionTicks)
		c.lastActivity = c.clk.Now()
		c.enterWaiting(m.SessionID, true, RequestSeek)
		c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandSeek))

	case RequestBuffering:
		if req.BufferingDone {
			c.SetBuffering(m.SessionID, false)
			c.sendCorrectiveState(m.SessionID)
			return
		}
		c.SetBuffering(m.SessionID, true)
		if c.IsBuffering() {
			// One member fell behind; hold everyone at its position.
			c.positionTicks = c.SanitizePositionTicks(req.Position)
			c.lastActivity = c.clk.Now()
			c.resumePlaying = true
			c.latestReady = time.Time{}
			c.setState(m.SessionID, StateWaiting, RequestBuffering)
			c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandPause))
		}

	case RequestReady:
		c.SetBuffering(m.SessionID, false)
		c.sendCorrectiveState(m.SessionID)

	case RequestStop:
		c.lastActivity = c.clk.Now()
		c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandStop))
		c.setState(m.SessionID, StateIdle, RequestStop)

	case RequestNextTrack, RequestPreviousTrack:
		applied, ended := c.handleTrackChange(m, req)
		if applied {
			c.enterWaiting(m.SessionID, true, req.Type)
		} else if ended {
			c.lastActivity = c.clk.Now()
			c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandStop))
			c.setState(m.SessionID, StateIdle, req.Type)
		}

	case RequestSetPlaylistItem, RequestQueue, RequestRemoveFromPlaylist,
		RequestMovePlaylistItem, RequestSetRepeatMode, RequestSetShuffleMode:
		applied, currentChanged := c.handleQueueRequest(m, req)
		if !applied {
			return
		}
		if c.queue.Len() == 0 {
			c.lastActivity = c.clk.Now()
			c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandStop))
			c.setState(m.SessionID, StateIdle, req.Type)
			return
		}
		if currentChanged {
			c.enterWaiting(m.SessionID, true, req.Type)
		}

	case RequestIgnoreWait:
		m.IgnoreWait = req.IgnoreWait
	}
}

func (c *Controller) handlePaused(ctx context.Context, m *Member, req *Request) {
	switch req.Type {
	case RequestPlay:
		c.handlePlayRequest(m, req)

	case RequestUnpause:
		c.enterWaiting(m.SessionID, true, RequestUnpause)

	case RequestPause:
		c.SendCommand(m.SessionID, AudienceCurrentSession, c.NewSyncPlayCommand(CommandPause))

	case RequestSeek:
		c.positionTicks = c.SanitizePositionTicks(req.PositionTicks)
		c.lastActivity = c.clk.Now()
		c.enterWaiting(m.SessionID, false, RequestSeek)
		c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandSeek))

	case RequestBuffering:
		c.SetBuffering(m.SessionID, !req.BufferingDone)

	case RequestReady:
		c.SetBuffering(m.SessionID, false)
		c.sendCorrectiveState(m.SessionID)

	case RequestStop:
		c.lastActivity = c.clk.Now()
		c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandStop))
		c.setState(m.SessionID, StateIdle, RequestStop)

	case RequestNextTrack, RequestPreviousTrack:
		applied, ended := c.handleTrackChange(m, req)
		if applied {
			c.enterWaiting(m.SessionID, false, req.Type)
		} else if ended {
			c.lastActivity = c.clk.Now()
			c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandStop))
			c.setState(m.SessionID, StateIdle, req.Type)
		}

	case RequestSetPlaylistItem, RequestQueue, RequestRemoveFromPlaylist,
		RequestMovePlaylistItem, RequestSetRepeatMode, RequestSetShuffleMode:
		applied, currentChanged := c.handleQueueRequest(m, req)
		if !applied {
			return
		}
		if c.queue.Len() == 0 {
			c.lastActivity = c.clk.Now()
			c.SendCommand(m.SessionID, AudienceAllGroup, c.NewSyncPlayCommand(CommandStop))
			c.setState(m.SessionID, StateIdle, req.Type)
			return
		}
		if currentChanged {
			c.enterWaiting(m.SessionID, false, req.Type)
		}

	case RequestIgnoreWait:
		m.IgnoreWait = req.IgnoreWait
	}
}
