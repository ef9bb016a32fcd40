package auth

import (
	"fmt"
	"time"

	"unison/internal/config"
)

// Service provides authentication and user directory functionality
type Service struct {
	config         *config.AuthConfig
	userStore      *UserStore
	sessionManager *SessionManager
}

// NewService creates a new authentication service
func NewService(config *config.AuthConfig) (*Service, error) {
	// Parse session duration
	duration, err := time.ParseDuration(config.SessionDuration)
	if err != nil {
		return nil, fmt.Errorf("invalid session duration: %w", err)
	}

	// Create user store
	userStore, err := NewUserStore(config.UsersFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create user store: %w", err)
	}

	// Create session manager
	sessionManager := NewSessionManager(duration, config.SecureCookies)

	return &Service{
		config:         config,
		userStore:      userStore,
		sessionManager: sessionManager,
	}, nil
}

// Login attempts to authenticate a user and create a device session
func (s *Service) Login(username, password, deviceName string) (*Session, error) {
	if !s.userStore.Authenticate(username, password) {
		return nil, fmt.Errorf("invalid credentials")
	}

	session, err := s.sessionManager.CreateSession(username, deviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// OnSessionEnd registers a callback invoked whenever a session ends,
// whether by logout or expiry.
func (s *Service) OnSessionEnd(fn func(*Session)) {
	s.sessionManager.OnSessionEnd(fn)
}

// ValidateSession checks if a session ID is valid
func (s *Service) ValidateSession(sessionID string) (*Session, bool) {
	return s.sessionManager.GetSession(sessionID)
}

// Logout invalidates a session
func (s *Service) Logout(sessionID string) {
	s.sessionManager.DeleteSession(sessionID)
}

// RefreshSession extends a session's expiration
func (s *Service) RefreshSession(sessionID string) bool {
	return s.sessionManager.RefreshSession(sessionID)
}

// GetSessionManager returns the session manager (for middleware)
func (s *Service) GetSessionManager() *SessionManager {
	return s.sessionManager
}

// GetUser returns the user record for a username, or nil if unknown
func (s *Service) GetUser(username string) *User {
	return s.userStore.GetUser(username)
}

// ListUsers returns every known user record
func (s *Service) ListUsers() []User {
	return s.userStore.ListUsers()
}

// IsRegistrationAllowed returns whether user registration is enabled
func (s *Service) IsRegistrationAllowed() bool {
	return s.config.AllowRegistration
}

// Register creates a new user account
func (s *Service) Register(username, password string) error {
	if !s.IsRegistrationAllowed() {
		return fmt.Errorf("registration is disabled")
	}

	// Validate input
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}

	if err := s.userStore.RegisterUser(username, password); err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}

	return nil
}
