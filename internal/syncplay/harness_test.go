package syncplay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"unison/internal/auth"
	"unison/internal/clock"
	"unison/internal/config"
	"unison/internal/session"
	"unison/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var testEpoch = time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logger
}

func testSyncPlayConfig() *config.SyncPlayConfig {
	return &config.SyncPlayConfig{
		TimeSyncOffsetMs:    2000,
		MaxPlaybackOffsetMs: 500,
		DefaultPingMs:       500,
		GroupGraceSeconds:   0,
		SweepIntervalMs:     10000,
		MessageQueueSize:    64,
	}
}

// fakeCatalog serves tracks from a fixed map.
type fakeCatalog struct {
	tracks map[int]*models.Track
}

func (f *fakeCatalog) GetItem(id int) (*models.Track, error) {
	if track, ok := f.tracks[id]; ok {
		return track, nil
	}
	return nil, fmt.Errorf("track with ID %d not found", id)
}

// testCatalog holds five unrestricted three-minute tracks plus one rated
// track (id 6) and one track in a restricted folder (id 7).
func testCatalog() *fakeCatalog {
	tracks := make(map[int]*models.Track)
	for id := 1; id <= 5; id++ {
		tracks[id] = &models.Track{
			ID:            id,
			Title:         fmt.Sprintf("Track %d", id),
			Artist:        "Test Artist",
			Album:         "Test Album",
			TrackNumber:   id,
			DurationTicks: 180 * clock.TicksPerSecond,
			FilePath:      fmt.Sprintf("/music/track%d.mp3", id),
		}
	}
	tracks[6] = &models.Track{
		ID: 6, Title: "Explicit", Artist: "Test Artist", Album: "Test Album",
		DurationTicks: 180 * clock.TicksPerSecond, FilePath: "/music/explicit.mp3",
		ParentalRating: 18,
	}
	tracks[7] = &models.Track{
		ID: 7, Title: "Hidden", Artist: "Test Artist", Album: "Test Album",
		DurationTicks: 180 * clock.TicksPerSecond, FilePath: "/music/private/hidden.mp3",
		Folder: "private",
	}
	return &fakeCatalog{tracks: tracks}
}

// fakeUsers is an in-memory user directory.
type fakeUsers struct {
	users map[string]*auth.User
}

func (f *fakeUsers) GetUser(username string) *auth.User {
	return f.users[username]
}

func (f *fakeUsers) ListUsers() []auth.User {
	out := make([]auth.User, 0, len(f.users))
	for _, user := range f.users {
		out = append(out, *user)
	}
	return out
}

func testUsers() *fakeUsers {
	return &fakeUsers{users: map[string]*auth.User{
		"alice": {Username: "alice", SyncPlayAccess: true, EnableAllFolders: true},
		"bob":   {Username: "bob", SyncPlayAccess: true, EnableAllFolders: true},
		"carol": {Username: "carol", SyncPlayAccess: true, EnableAllFolders: true},
		"kid":   {Username: "kid", SyncPlayAccess: true, ParentalCap: 7},
		"guest": {Username: "guest", SyncPlayAccess: false, EnableAllFolders: true},
	}}
}

// fakeSessions records deliveries instead of queueing them.
type fakeSessions struct {
	mutex     sync.Mutex
	sessions  map[string]*session.ClientSession
	delivered map[string][]session.Message
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions:  make(map[string]*session.ClientSession),
		delivered: make(map[string][]session.Message),
	}
}

func (f *fakeSessions) add(id, username string) *session.ClientSession {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	cs := &session.ClientSession{ID: id, Username: username}
	f.sessions[id] = cs
	return cs
}

func (f *fakeSessions) Get(id string) (*session.ClientSession, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	cs, ok := f.sessions[id]
	return cs, ok
}

func (f *fakeSessions) IsUserReachable(username string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, cs := range f.sessions {
		if cs.Username == username {
			return true
		}
	}
	return false
}

func (f *fakeSessions) Deliver(ctx context.Context, sessionID string, msg session.Message) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.delivered[sessionID] = append(f.delivered[sessionID], msg)
}

func (f *fakeSessions) messagesFor(sessionID string) []session.Message {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]session.Message(nil), f.delivered[sessionID]...)
}

func (f *fakeSessions) reset() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.delivered = make(map[string][]session.Message)
}

// newTestController builds an idle public group owned by nobody, on a
// virtual clock.
func newTestController() (*Controller, *clock.Virtual) {
	clk := clock.NewVirtual(testEpoch)
	c := NewController(uuid.New(), "test group", VisibilityPublic, nil,
		clk, testCatalog(), testUsers(), testSyncPlayConfig(), testLogger())
	return c, clk
}

// commandsTo filters the envelopes down to commands of one type addressed
// to the given session. An empty sessionID matches every recipient.
func commandsTo(envelopes []Envelope, sessionID string, commandType CommandType) []*Command {
	var out []*Command
	for _, envelope := range envelopes {
		if sessionID != "" && envelope.SessionID != sessionID {
			continue
		}
		cmd, ok := envelope.Message.Data.(*Command)
		if ok && cmd.Command == commandType {
			out = append(out, cmd)
		}
	}
	return out
}

// updatesTo filters the envelopes down to group updates of one type
// addressed to the given session. An empty sessionID matches every
// recipient.
func updatesTo(envelopes []Envelope, sessionID string, updateType GroupUpdateType) []*GroupUpdate {
	var out []*GroupUpdate
	for _, envelope := range envelopes {
		if sessionID != "" && envelope.SessionID != sessionID {
			continue
		}
		update, ok := envelope.Message.Data.(*GroupUpdate)
		if ok && update.Type == updateType {
			out = append(out, update)
		}
	}
	return out
}
