package syncplay

// Permissions are the per-user grants inside a group.
type Permissions struct {
	Playback bool `json:"playback"` // transport and cursor control
	Playlist bool `json:"playlist"` // queue mutation
}

// AccessList tracks who may do what inside a group: an administrator set
// plus per-user permission rows. Users without a row fall back to the
// group's open defaults; administrators always pass. Not safe for
// concurrent use; the owning group serializes access.
type AccessList struct {
	administrators map[string]struct{}
	permissions    map[string]Permissions

	openPlayback bool
	openPlaylist bool
}

// NewAccessList creates an access list with both open defaults enabled, so
// a fresh group lets every member drive playback and edit the queue.
func NewAccessList() *AccessList {
	return &AccessList{
		administrators: make(map[string]struct{}),
		permissions:    make(map[string]Permissions),
		openPlayback:   true,
		openPlaylist:   true,
	}
}

// AddAdministrator grants a user administrator rights.
func (a *AccessList) AddAdministrator(userID string) {
	a.administrators[userID] = struct{}{}
}

// RemoveAdministrator revokes a user's administrator rights.
func (a *AccessList) RemoveAdministrator(userID string) {
	delete(a.administrators, userID)
}

// IsAdministrator reports whether the user is an administrator.
func (a *AccessList) IsAdministrator(userID string) bool {
	_, ok := a.administrators[userID]
	return ok
}

// Administrators returns the administrator user ids.
func (a *AccessList) Administrators() []string {
	out := make([]string, 0, len(a.administrators))
	for userID := range a.administrators {
		out = append(out, userID)
	}
	return out
}

// SetOpenDefaults sets the fallback grants for users without a row.
func (a *AccessList) SetOpenDefaults(playback, playlist bool) {
	a.openPlayback = playback
	a.openPlaylist = playlist
}

// OpenDefaults returns the fallback grants.
func (a *AccessList) OpenDefaults() (playback, playlist bool) {
	return a.openPlayback, a.openPlaylist
}

// TouchPermissions materializes a row for the user from the open defaults
// if one does not exist yet. Joining and invitation both touch, so later
// changes to the defaults never silently change an existing member's
// grants.
func (a *AccessList) TouchPermissions(userID string) {
	if _, ok := a.permissions[userID]; ok {
		return
	}
	a.permissions[userID] = Permissions{
		Playback: a.openPlayback,
		Playlist: a.openPlaylist,
	}
}

// SetPermissions sets the user's row explicitly.
func (a *AccessList) SetPermissions(userID string, perms Permissions) {
	a.permissions[userID] = perms
}

// ClearPermissions drops the user's row so the open defaults apply again.
func (a *AccessList) ClearPermissions(userID string) {
	delete(a.permissions, userID)
}

// ResolvePermissions returns the effective grants for a user.
// Administrators hold every grant.
func (a *AccessList) ResolvePermissions(userID string) Permissions {
	if a.IsAdministrator(userID) {
		return Permissions{Playback: true, Playlist: true}
	}
	if perms, ok := a.permissions[userID]; ok {
		return perms
	}
	return Permissions{Playback: a.openPlayback, Playlist: a.openPlaylist}
}

// CheckRequest reports whether the user may issue the request. Transport
// and readiness requests need the playback grant, queue mutations need the
// playlist grant, pings are always allowed.
func (a *AccessList) CheckRequest(userID string, requestType RequestType) bool {
	perms := a.ResolvePermissions(userID)

	switch requestType {
	case RequestPlay, RequestPause, RequestUnpause, RequestStop, RequestSeek,
		RequestBuffering, RequestReady, RequestIgnoreWait,
		RequestNextTrack, RequestPreviousTrack:
		return perms.Playback
	case RequestSetPlaylistItem, RequestQueue, RequestRemoveFromPlaylist,
		RequestMovePlaylistItem, RequestSetRepeatMode, RequestSetShuffleMode:
		return perms.Playlist
	case RequestPing:
		return true
	default:
		return false
	}
}
