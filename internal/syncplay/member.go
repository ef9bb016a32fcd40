package syncplay

// defaultPingMs seeds a member's latency estimate until its first ping.
const defaultPingMs = 500

// Member is a group's presence record for one client session.
type Member struct {
	SessionID string
	UserID    string

	// Ping is the session's round trip estimate in milliseconds.
	Ping float64
	// IsBuffering marks the session as not ready for playback.
	IsBuffering bool
	// IgnoreWait excludes the session from readiness checks. It still
	// receives every command.
	IgnoreWait bool
}

func newMember(sessionID, userID string) *Member {
	return &Member{
		SessionID: sessionID,
		UserID:    userID,
		Ping:      defaultPingMs,
	}
}
