package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Session is an authenticated device session. Its ID doubles as the
// SyncPlay session id, so the cookie, the client registry and the group
// coordinator all name the same thing.
type Session struct {
	ID         string
	Username   string
	DeviceName string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// SessionManager issues, refreshes and expires cookie sessions. An
// optional end hook observes every teardown, so session-scoped state
// elsewhere (client registry entry, group membership) follows the auth
// lifecycle instead of leaking past it.
type SessionManager struct {
	sessions      map[string]*Session
	mutex         sync.RWMutex
	duration      time.Duration
	cookieName    string
	secureCookies bool
	onEnd         func(*Session)
}

// NewSessionManager creates a session manager with the given lifetime.
func NewSessionManager(duration time.Duration, secureCookies bool) *SessionManager {
	sm := &SessionManager{
		sessions:      make(map[string]*Session),
		duration:      duration,
		cookieName:    "unison_session",
		secureCookies: secureCookies,
	}

	go sm.expiryLoop()

	return sm
}

// OnSessionEnd registers the teardown hook. It runs after the session is
// gone from the manager, for logout and expiry alike.
func (sm *SessionManager) OnSessionEnd(fn func(*Session)) {
	sm.mutex.Lock()
	sm.onEnd = fn
	sm.mutex.Unlock()
}

// CreateSession creates a new session for the user's device.
func (sm *SessionManager) CreateSession(username, deviceName string) (*Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:         sessionID,
		Username:   username,
		DeviceName: deviceName,
		CreatedAt:  now,
		ExpiresAt:  now.Add(sm.duration),
	}

	sm.mutex.Lock()
	sm.sessions[sessionID] = session
	sm.mutex.Unlock()

	return session, nil
}

// GetSession retrieves a session by ID. An expired session is torn down
// on the spot.
func (sm *SessionManager) GetSession(sessionID string) (*Session, bool) {
	sm.mutex.RLock()
	session, exists := sm.sessions[sessionID]
	sm.mutex.RUnlock()

	if !exists {
		return nil, false
	}

	if time.Now().After(session.ExpiresAt) {
		sm.endSession(sessionID)
		return nil, false
	}

	return session, true
}

// DeleteSession ends a session explicitly (logout).
func (sm *SessionManager) DeleteSession(sessionID string) {
	sm.endSession(sessionID)
}

// DeleteUserSessions ends every session of one user, across all devices.
func (sm *SessionManager) DeleteUserSessions(username string) {
	sm.mutex.Lock()
	var ended []*Session
	for id, session := range sm.sessions {
		if session.Username == username {
			delete(sm.sessions, id)
			ended = append(ended, session)
		}
	}
	hook := sm.onEnd
	sm.mutex.Unlock()

	if hook != nil {
		for _, session := range ended {
			hook(session)
		}
	}
}

// RefreshSession extends the session expiration time. Refreshing an
// already-expired session ends it instead.
func (sm *SessionManager) RefreshSession(sessionID string) bool {
	sm.mutex.Lock()
	session, exists := sm.sessions[sessionID]
	if !exists {
		sm.mutex.Unlock()
		return false
	}

	if time.Now().After(session.ExpiresAt) {
		sm.mutex.Unlock()
		sm.endSession(sessionID)
		return false
	}

	session.ExpiresAt = time.Now().Add(sm.duration)
	sm.mutex.Unlock()
	return true
}

// endSession removes one session and fires the end hook outside the lock;
// the hook may call back into locking code.
func (sm *SessionManager) endSession(sessionID string) {
	sm.mutex.Lock()
	session, exists := sm.sessions[sessionID]
	if exists {
		delete(sm.sessions, sessionID)
	}
	hook := sm.onEnd
	sm.mutex.Unlock()

	if exists && hook != nil {
		hook(session)
	}
}

// SetSessionCookie sets the session cookie on the response
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, session *Session) {
	cookie := &http.Cookie{
		Name:     sm.cookieName,
		Value:    session.ID,
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   sm.secureCookies,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
	}

	http.SetCookie(w, cookie)
}

// ClearSessionCookie removes the session cookie
func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	cookie := &http.Cookie{
		Name:     sm.cookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   sm.secureCookies,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
	}

	http.SetCookie(w, cookie)
}

// GetSessionFromRequest extracts session from request cookie
func (sm *SessionManager) GetSessionFromRequest(r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		return nil, false
	}

	return sm.GetSession(cookie.Value)
}

// expiryLoop sweeps expired sessions in the background, so idle devices
// are torn down even if they never send another request.
func (sm *SessionManager) expiryLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		sm.sweepExpired(time.Now())
	}
}

// sweepExpired ends every session past its expiry as of the given time.
func (sm *SessionManager) sweepExpired(now time.Time) {
	sm.mutex.Lock()
	var ended []*Session
	for id, session := range sm.sessions {
		if now.After(session.ExpiresAt) {
			delete(sm.sessions, id)
			ended = append(ended, session)
		}
	}
	hook := sm.onEnd
	sm.mutex.Unlock()

	if hook != nil {
		for _, session := range ended {
			hook(session)
		}
	}
}

// generateSessionID generates a cryptographically secure session ID
func generateSessionID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
