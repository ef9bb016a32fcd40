package server

import (
	"encoding/json"
	"net/http"
)

// handleAuthLogin authenticates a user and registers the resulting session
// as a client session, so the login doubles as the sync coordinator's view
// of the device.
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	var credentials struct {
		Username   string `json:"username"`
		Password   string `json:"password"`
		DeviceName string `json:"deviceName,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if credentials.Username == "" || credentials.Password == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "Username and password required"})
		return
	}

	sess, err := s.auth.Login(credentials.Username, credentials.Password, credentials.DeviceName)
	if err != nil {
		s.logger.WithError(err).WithField("username", credentials.Username).Warn("Failed login attempt")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "Invalid credentials"})
		return
	}

	sessionManager := s.auth.GetSessionManager()
	sessionManager.SetSessionCookie(w, sess)

	s.registry.Register(sess.ID, sess.Username, sess.DeviceName, r.RemoteAddr)

	s.logger.WithField("username", credentials.Username).Info("User logged in successfully")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "success",
		"sessionId": sess.ID,
	})
}

// handleAuthLogout ends the session; the session-end hook tears down the
// client registry entry and any group membership.
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	sessionManager := s.auth.GetSessionManager()
	sess, valid := sessionManager.GetSessionFromRequest(r)
	if valid {
		s.auth.Logout(sess.ID)
		s.logger.WithField("username", sess.Username).Info("User logged out")
	}

	sessionManager.ClearSessionCookie(w)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// handleAuthStatus reports whether the request carries a valid session.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	sessionManager := s.auth.GetSessionManager()
	sess, valid := sessionManager.GetSessionFromRequest(r)
	if !valid {
		json.NewEncoder(w).Encode(map[string]interface{}{"authenticated": false})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"authenticated": true,
		"username":      sess.Username,
		"sessionId":     sess.ID,
	})
}

// handleAuthRegister creates a new user account when registration is open.
func (s *Server) handleAuthRegister(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}

	if !s.auth.IsRegistrationAllowed() {
		http.Error(w, "Registration is disabled", http.StatusForbidden)
		return
	}

	var credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.auth.Register(credentials.Username, credentials.Password); err != nil {
		s.logger.WithError(err).WithField("username", credentials.Username).Warn("Registration failed")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	s.logger.WithField("username", credentials.Username).Info("User registered")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}
