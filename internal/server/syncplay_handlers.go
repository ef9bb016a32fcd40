package server

import (
	"context"
	"net/http"
	"time"

	"unison/internal/auth"
	"unison/internal/session"
	"unison/internal/syncplay"
	"unison/pkg/models"
)

// currentSession pulls the authenticated session out of the request
// context. The auth middleware guarantees it for protected routes.
func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) (*auth.Session, bool) {
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return nil, false
	}
	return sess, true
}

// forward hands a parsed playback request to the coordinator. Accepted
// commands always answer 204; refusals arrive out-of-band on the message
// channel.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, req *syncplay.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	s.syncplay.HandleRequest(r.Context(), sess.ID, req)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncPlayNew(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}

	values := r.URL.Query()
	groupName := queryString(values, "groupName")
	if groupName == "" {
		s.respondWithValidationError(w, r, &ValidationError{Field: "groupName", Message: "is required", Code: "MISSING_PARAM"})
		return
	}
	visibility, err := syncplay.ParseVisibility(queryString(values, "visibility"))
	if err != nil {
		s.respondWithValidationError(w, r, &ValidationError{Field: "visibility", Message: err.Error(), Code: "INVALID_ENUM"})
		return
	}
	openPlayback, verr := queryOptionalBool(values, "openPlaybackAccess")
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	openPlaylist, verr := queryOptionalBool(values, "openPlaylistAccess")
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}

	s.syncplay.NewGroup(r.Context(), sess.ID, &syncplay.NewGroupRequest{
		GroupName:          groupName,
		Visibility:         visibility,
		InvitedUsers:       queryStringList(values, "invitedUsers"),
		OpenPlaybackAccess: openPlayback,
		OpenPlaylistAccess: openPlaylist,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncPlayJoin(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}

	values := r.URL.Query()
	groupID, verr := queryUUID(values, "groupId")
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}

	s.syncplay.JoinGroup(r.Context(), sess.ID, groupID, &syncplay.JoinGroupRequest{
		DeviceName: queryString(values, "deviceName"),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncPlayLeave(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}

	s.syncplay.LeaveGroup(r.Context(), sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncPlaySettings(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}

	values := r.URL.Query()
	req := &syncplay.SettingsRequest{
		InvitedUsers:      queryStringList(values, "invitedUsers"),
		Administrators:    queryStringList(values, "administrators"),
		AccessListUserIDs: queryStringList(values, "accessListUserIds"),
	}

	if values.Has("groupName") {
		groupName := queryString(values, "groupName")
		req.GroupName = &groupName
	}
	if values.Has("visibility") {
		visibility, err := syncplay.ParseVisibility(queryString(values, "visibility"))
		if err != nil {
			s.respondWithValidationError(w, r, &ValidationError{Field: "visibility", Message: err.Error(), Code: "INVALID_ENUM"})
			return
		}
		req.Visibility = &visibility
	}
	if !values.Has("invitedUsers") {
		req.InvitedUsers = nil
	}

	var verr *ValidationError
	if req.OpenPlaybackAccess, verr = queryOptionalBool(values, "openPlaybackAccess"); verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	if req.OpenPlaylistAccess, verr = queryOptionalBool(values, "openPlaylistAccess"); verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	if req.AccessListPlayback, verr = queryBoolList(values, "accessListPlayback"); verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	if req.AccessListPlaylist, verr = queryBoolList(values, "accessListPlaylist"); verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}

	s.syncplay.UpdateGroupSettings(r.Context(), sess.ID, req)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncPlayList(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, s.syncplay.ListGroups(sess.ID))
}

func (s *Server) handleSyncPlayListAvailableUsers(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	if _, ok := s.currentSession(w, r); !ok {
		return
	}

	usernames := s.syncplay.ListAvailableUsers()
	users := make([]models.UserInfo, 0, len(usernames))
	for _, username := range usernames {
		info := models.UserInfo{Username: username}
		if user := s.auth.GetUser(username); user != nil {
			info.Role = user.Role
		}
		users = append(users, info)
	}
	s.respondJSON(w, users)
}

func (s *Server) handleSyncPlayPlay(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	values := r.URL.Query()
	itemIDs, verr := queryIntList(values, "playingQueue")
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	if len(itemIDs) == 0 {
		s.respondWithValidationError(w, r, &ValidationError{Field: "playingQueue", Message: "is required", Code: "MISSING_PARAM"})
		return
	}
	index, verr := queryInt(values, "playingItemPosition", 0)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	startTicks, verr := queryInt64(values, "startPositionTicks", 0)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}

	s.forward(w, r, &syncplay.Request{
		Type:               syncplay.RequestPlay,
		ItemIDs:            itemIDs,
		PlayingItemIndex:   index,
		StartPositionTicks: startTicks,
	})
}

func (s *Server) handleSyncPlaySetPlaylistItem(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	playlistItemID := queryString(r.URL.Query(), "playlistItemId")
	if playlistItemID == "" {
		s.respondWithValidationError(w, r, &ValidationError{Field: "playlistItemId", Message: "is required", Code: "MISSING_PARAM"})
		return
	}

	s.forward(w, r, &syncplay.Request{
		Type:           syncplay.RequestSetPlaylistItem,
		PlaylistItemID: playlistItemID,
	})
}

func (s *Server) handleSyncPlayRemoveFromPlaylist(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	playlistItemIDs := queryStringList(r.URL.Query(), "playlistItemIds")
	if len(playlistItemIDs) == 0 {
		s.respondWithValidationError(w, r, &ValidationError{Field: "playlistItemIds", Message: "is required", Code: "MISSING_PARAM"})
		return
	}

	s.forward(w, r, &syncplay.Request{
		Type:            syncplay.RequestRemoveFromPlaylist,
		PlaylistItemIDs: playlistItemIDs,
	})
}

func (s *Server) handleSyncPlayMovePlaylistItem(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	values := r.URL.Query()
	playlistItemID := queryString(values, "playlistItemId")
	if playlistItemID == "" {
		s.respondWithValidationError(w, r, &ValidationError{Field: "playlistItemId", Message: "is required", Code: "MISSING_PARAM"})
		return
	}
	newIndex, verr := queryInt(values, "newIndex", 0)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}

	s.forward(w, r, &syncplay.Request{
		Type:           syncplay.RequestMovePlaylistItem,
		PlaylistItemID: playlistItemID,
		NewIndex:       newIndex,
	})
}

func (s *Server) handleSyncPlayQueue(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	values := r.URL.Query()
	itemIDs, verr := queryIntList(values, "itemIds")
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	if len(itemIDs) == 0 {
		s.respondWithValidationError(w, r, &ValidationError{Field: "itemIds", Message: "is required", Code: "MISSING_PARAM"})
		return
	}
	mode, err := syncplay.ParseQueueMode(queryString(values, "mode"))
	if err != nil {
		s.respondWithValidationError(w, r, &ValidationError{Field: "mode", Message: err.Error(), Code: "INVALID_ENUM"})
		return
	}

	s.forward(w, r, &syncplay.Request{
		Type:         syncplay.RequestQueue,
		QueueItemIDs: itemIDs,
		Mode:         mode,
	})
}

func (s *Server) handleSyncPlayUnpause(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	s.forward(w, r, &syncplay.Request{Type: syncplay.RequestUnpause})
}

func (s *Server) handleSyncPlayPause(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	s.forward(w, r, &syncplay.Request{Type: syncplay.RequestPause})
}

func (s *Server) handleSyncPlayStop(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	s.forward(w, r, &syncplay.Request{Type: syncplay.RequestStop})
}

func (s *Server) handleSyncPlaySeek(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	positionTicks, verr := queryInt64(r.URL.Query(), "positionTicks", 0)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}

	s.forward(w, r, &syncplay.Request{
		Type:          syncplay.RequestSeek,
		PositionTicks: positionTicks,
	})
}

func (s *Server) handleSyncPlayBuffering(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	values := r.URL.Query()
	positionTicks, verr := queryInt64(values, "positionTicks", 0)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	isPlaying, verr := queryBool(values, "isPlaying", false)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	bufferingDone, verr := queryBool(values, "bufferingDone", false)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}

	req := &syncplay.Request{
		Type:          syncplay.RequestBuffering,
		When:          queryTime(values, "when"),
		Position:      positionTicks,
		IsPlaying:     isPlaying,
		ReportedItem:  queryString(values, "playlistItemId"),
		BufferingDone: bufferingDone,
	}
	if bufferingDone {
		req.Type = syncplay.RequestReady
	}
	s.forward(w, r, req)
}

func (s *Server) handleSyncPlaySetIgnoreWait(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	ignoreWait, verr := queryBool(r.URL.Query(), "ignoreWait", false)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}

	s.forward(w, r, &syncplay.Request{
		Type:       syncplay.RequestIgnoreWait,
		IgnoreWait: ignoreWait,
	})
}

func (s *Server) handleSyncPlayNextTrack(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	s.forward(w, r, &syncplay.Request{
		Type:           syncplay.RequestNextTrack,
		PlaylistItemID: queryString(r.URL.Query(), "playlistItemId"),
	})
}

func (s *Server) handleSyncPlayPreviousTrack(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	s.forward(w, r, &syncplay.Request{
		Type:           syncplay.RequestPreviousTrack,
		PlaylistItemID: queryString(r.URL.Query(), "playlistItemId"),
	})
}

func (s *Server) handleSyncPlaySetRepeatMode(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	mode, err := syncplay.ParseRepeatMode(queryString(r.URL.Query(), "mode"))
	if err != nil {
		s.respondWithValidationError(w, r, &ValidationError{Field: "mode", Message: err.Error(), Code: "INVALID_ENUM"})
		return
	}

	s.forward(w, r, &syncplay.Request{
		Type:       syncplay.RequestSetRepeatMode,
		RepeatMode: mode,
	})
}

func (s *Server) handleSyncPlaySetShuffleMode(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	mode, err := syncplay.ParseShuffleMode(queryString(r.URL.Query(), "mode"))
	if err != nil {
		s.respondWithValidationError(w, r, &ValidationError{Field: "mode", Message: err.Error(), Code: "INVALID_ENUM"})
		return
	}

	s.forward(w, r, &syncplay.Request{
		Type:        syncplay.RequestSetShuffleMode,
		ShuffleMode: mode,
	})
}

func (s *Server) handleSyncPlayPing(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	ping, verr := queryFloat(r.URL.Query(), "ping", 0)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}

	s.forward(w, r, &syncplay.Request{
		Type: syncplay.RequestPing,
		Ping: ping,
	})
}

func (s *Server) handleSyncPlayWebRTC(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}

	values := r.URL.Query()
	newSession, verr := queryBool(values, "newSession", false)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	sessionLeaving, verr := queryBool(values, "sessionLeaving", false)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}

	s.syncplay.HandleWebRTC(r.Context(), sess.ID, &syncplay.WebRTCRequest{
		To:            queryString(values, "to"),
		IsNewSession:  newSession,
		IsSessionLeft: sessionLeaving,
		ICECandidate:  queryString(values, "iceCandidate"),
		Offer:         queryString(values, "offer"),
		Answer:        queryString(values, "answer"),
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleSyncPlayMessages is the outbound message channel: a long poll that
// returns as soon as the coordinator queues something for this session, or
// with an empty list after the poll window.
func (s *Server) handleSyncPlayMessages(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}

	timeout, verr := queryInt(r.URL.Query(), "timeoutSeconds", 30)
	if verr != nil {
		s.respondWithValidationError(w, r, verr)
		return
	}
	if timeout < 1 {
		timeout = 1
	}
	if timeout > 55 {
		timeout = 55
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(timeout)*time.Second)
	defer cancel()

	messages := s.registry.Poll(ctx, sess.ID)
	if messages == nil {
		messages = []session.Message{}
	}
	s.respondJSON(w, messages)
}
