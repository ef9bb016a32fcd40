package syncplay

import (
	"context"
	"testing"
	"time"

	"unison/internal/clock"
	"unison/internal/session"

	"github.com/google/uuid"
)

func newTestManager() (*Manager, *fakeSessions, *clock.Virtual) {
	clk := clock.NewVirtual(testEpoch)
	sessions := newFakeSessions()
	m := NewManager(clk, testCatalog(), testUsers(), sessions, testSyncPlayConfig(), testLogger())
	return m, sessions, clk
}

func groupUpdatesIn(messages []session.Message, updateType GroupUpdateType) []*GroupUpdate {
	var out []*GroupUpdate
	for _, msg := range messages {
		update, ok := msg.Data.(*GroupUpdate)
		if ok && update.Type == updateType {
			out = append(out, update)
		}
	}
	return out
}

func createGroup(t *testing.T, m *Manager, sessions *fakeSessions, sessionID string) uuid.UUID {
	t.Helper()
	m.NewGroup(context.Background(), sessionID, &NewGroupRequest{GroupName: "listening party", Visibility: VisibilityPublic})
	groupID, ok := m.GroupOf(sessionID)
	if !ok {
		t.Fatalf("session %s not in a group after NewGroup", sessionID)
	}
	sessions.reset()
	return groupID
}

func TestNewGroupRequiresSyncPlayAccess(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "guest")

	m.NewGroup(context.Background(), "s1", &NewGroupRequest{GroupName: "nope"})

	if _, ok := m.GroupOf("s1"); ok {
		t.Error("group created for a user without syncplay access")
	}
	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateCreateGroupDenied); len(got) != 1 {
		t.Errorf("CreateGroupDenied notices = %d, want 1", len(got))
	}
}

func TestNewGroupRejectsSecondGroup(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	first := createGroup(t, m, sessions, "s1")

	m.NewGroup(context.Background(), "s1", &NewGroupRequest{GroupName: "another"})

	if groupID, _ := m.GroupOf("s1"); groupID != first {
		t.Errorf("session moved to a new group: %v, want %v", groupID, first)
	}
	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateCreateGroupDenied); len(got) != 1 {
		t.Errorf("CreateGroupDenied notices = %d, want 1", len(got))
	}
}

func TestNewGroupMakesCreatorAdministrator(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	sessions.add("s2", "bob")
	groupID := createGroup(t, m, sessions, "s1")
	m.JoinGroup(context.Background(), "s2", groupID, &JoinGroupRequest{})
	sessions.reset()

	// Only the creator may change settings.
	name := "renamed"
	m.UpdateGroupSettings(context.Background(), "s1", &SettingsRequest{GroupName: &name})

	if got := groupUpdatesIn(sessions.messagesFor("s2"), GroupUpdateSettings); len(got) != 1 {
		t.Errorf("settings broadcasts to members = %d, want 1", len(got))
	}
}

func TestJoinAndLeaveLifecycle(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	sessions.add("s2", "bob")
	groupID := createGroup(t, m, sessions, "s1")
	ctx := context.Background()

	m.JoinGroup(ctx, "s2", groupID, &JoinGroupRequest{DeviceName: "laptop"})

	if got, _ := m.GroupOf("s2"); got != groupID {
		t.Fatalf("GroupOf(s2) = %v, want %v", got, groupID)
	}
	if got := groupUpdatesIn(sessions.messagesFor("s2"), GroupUpdateGroupJoined); len(got) != 1 {
		t.Errorf("GroupJoined to joiner = %d, want 1", len(got))
	}
	if got := groupUpdatesIn(sessions.messagesFor("s2"), GroupUpdatePlayQueue); len(got) != 1 {
		t.Errorf("queue snapshot to joiner = %d, want 1", len(got))
	}
	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateUserJoined); len(got) != 1 {
		t.Errorf("UserJoined to existing member = %d, want 1", len(got))
	}

	sessions.reset()
	m.LeaveGroup(ctx, "s2")

	if _, ok := m.GroupOf("s2"); ok {
		t.Error("GroupOf(s2) still set after leave")
	}
	if got := groupUpdatesIn(sessions.messagesFor("s2"), GroupUpdateGroupLeft); len(got) != 1 {
		t.Errorf("GroupLeft to leaver = %d, want 1", len(got))
	}
	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateUserLeft); len(got) != 1 {
		t.Errorf("UserLeft to remaining member = %d, want 1", len(got))
	}
}

func TestJoinUnknownGroup(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")

	m.JoinGroup(context.Background(), "s1", uuid.New(), &JoinGroupRequest{})

	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateGroupDoesNotExist); len(got) != 1 {
		t.Errorf("GroupDoesNotExist notices = %d, want 1", len(got))
	}
}

func TestJoinDeniedByVisibility(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	sessions.add("s2", "carol")
	m.NewGroup(context.Background(), "s1", &NewGroupRequest{GroupName: "closed", Visibility: VisibilityInviteOnly})
	groupID, _ := m.GroupOf("s1")
	sessions.reset()

	m.JoinGroup(context.Background(), "s2", groupID, &JoinGroupRequest{})

	if _, ok := m.GroupOf("s2"); ok {
		t.Error("uninvited user joined an invite-only group")
	}
	if got := groupUpdatesIn(sessions.messagesFor("s2"), GroupUpdateJoinGroupDenied); len(got) != 1 {
		t.Errorf("JoinGroupDenied notices = %d, want 1", len(got))
	}
}

func TestJoinMovesSessionBetweenGroups(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	sessions.add("s2", "bob")
	sessions.add("s3", "carol")
	first := createGroup(t, m, sessions, "s1")
	second := createGroup(t, m, sessions, "s2")
	ctx := context.Background()

	m.JoinGroup(ctx, "s3", first, &JoinGroupRequest{})
	sessions.reset()

	m.JoinGroup(ctx, "s3", second, &JoinGroupRequest{})

	if got, _ := m.GroupOf("s3"); got != second {
		t.Fatalf("GroupOf(s3) = %v, want %v", got, second)
	}
	// The first group saw the departure.
	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateUserLeft); len(got) != 1 {
		t.Errorf("UserLeft to first group = %d, want 1", len(got))
	}
}

func TestRejoinOwnGroupIsRestore(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	sessions.add("s2", "bob")
	groupID := createGroup(t, m, sessions, "s1")
	m.JoinGroup(context.Background(), "s2", groupID, &JoinGroupRequest{})
	sessions.reset()

	m.JoinGroup(context.Background(), "s2", groupID, &JoinGroupRequest{})

	// The rejoining session gets a snapshot; nobody else hears anything.
	if got := groupUpdatesIn(sessions.messagesFor("s2"), GroupUpdatePlayQueue); len(got) != 1 {
		t.Errorf("queue snapshots to restored session = %d, want 1", len(got))
	}
	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateUserJoined); len(got) != 0 {
		t.Errorf("UserJoined broadcast on restore: %d", len(got))
	}
}

func TestLeaveWithoutGroup(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")

	m.LeaveGroup(context.Background(), "s1")

	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateNotInGroup); len(got) != 1 {
		t.Errorf("NotInGroup notices = %d, want 1", len(got))
	}
}

func TestEmptyGroupDeletedWithoutGrace(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	sessions.add("s2", "bob")
	groupID := createGroup(t, m, sessions, "s1")
	ctx := context.Background()

	m.LeaveGroup(ctx, "s1")
	sessions.reset()

	m.JoinGroup(ctx, "s2", groupID, &JoinGroupRequest{})
	if got := groupUpdatesIn(sessions.messagesFor("s2"), GroupUpdateGroupDoesNotExist); len(got) != 1 {
		t.Errorf("GroupDoesNotExist after immediate deletion = %d, want 1", len(got))
	}
}

func TestEmptyGroupSurvivesGracePeriod(t *testing.T) {
	clk := clock.NewVirtual(testEpoch)
	sessions := newFakeSessions()
	cfg := testSyncPlayConfig()
	cfg.GroupGraceSeconds = 60
	m := NewManager(clk, testCatalog(), testUsers(), sessions, cfg, testLogger())
	sessions.add("s1", "alice")
	sessions.add("s2", "bob")
	groupID := createGroup(t, m, sessions, "s1")
	ctx := context.Background()

	m.LeaveGroup(ctx, "s1")

	// Within the grace period the group is still joinable.
	clk.Advance(30 * time.Second)
	m.sweepEmptyGroups()
	m.JoinGroup(ctx, "s2", groupID, &JoinGroupRequest{})
	if got, _ := m.GroupOf("s2"); got != groupID {
		t.Fatalf("GroupOf(s2) = %v, want %v within grace period", got, groupID)
	}
	m.LeaveGroup(ctx, "s2")

	// Past the grace period the sweeper collects it.
	clk.Advance(61 * time.Second)
	m.sweepEmptyGroups()
	sessions.reset()
	m.JoinGroup(ctx, "s2", groupID, &JoinGroupRequest{})
	if got := groupUpdatesIn(sessions.messagesFor("s2"), GroupUpdateGroupDoesNotExist); len(got) != 1 {
		t.Errorf("GroupDoesNotExist after sweep = %d, want 1", len(got))
	}
}

func TestSettingsRequireAdministrator(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	sessions.add("s2", "bob")
	groupID := createGroup(t, m, sessions, "s1")
	m.JoinGroup(context.Background(), "s2", groupID, &JoinGroupRequest{})
	sessions.reset()

	name := "hijacked"
	m.UpdateGroupSettings(context.Background(), "s2", &SettingsRequest{GroupName: &name})

	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateSettings); len(got) != 0 {
		t.Errorf("settings broadcast for non-administrator: %d", len(got))
	}
}

func TestHandleRequestWithoutGroupDropped(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")

	m.HandleRequest(context.Background(), "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})

	if msgs := sessions.messagesFor("s1"); len(msgs) != 0 {
		t.Errorf("messages delivered for groupless request: %d", len(msgs))
	}
}

func TestHandleRequestDispatchesCommands(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	createGroup(t, m, sessions, "s1")
	ctx := context.Background()

	m.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1, 2}})

	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdatePlayQueue); len(got) != 1 {
		t.Errorf("PlayQueue updates delivered = %d, want 1", len(got))
	}
	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateStateUpdate); len(got) != 1 {
		t.Errorf("StateUpdate delivered = %d, want 1", len(got))
	}
}

func TestWebRTCUnicastAndBroadcast(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	sessions.add("s2", "bob")
	sessions.add("s3", "carol")
	groupID := createGroup(t, m, sessions, "s1")
	ctx := context.Background()
	m.JoinGroup(ctx, "s2", groupID, &JoinGroupRequest{})
	m.JoinGroup(ctx, "s3", groupID, &JoinGroupRequest{})
	sessions.reset()

	// Directed signaling reaches only the addressee.
	m.HandleWebRTC(ctx, "s1", &WebRTCRequest{To: "s2", Offer: "sdp-offer"})
	if got := groupUpdatesIn(sessions.messagesFor("s2"), GroupUpdateWebRTC); len(got) != 1 {
		t.Fatalf("WebRTC updates to addressee = %d, want 1", len(got))
	}
	if got := groupUpdatesIn(sessions.messagesFor("s3"), GroupUpdateWebRTC); len(got) != 0 {
		t.Errorf("WebRTC updates leaked to bystander: %d", len(got))
	}
	update := groupUpdatesIn(sessions.messagesFor("s2"), GroupUpdateWebRTC)[0]
	payload, ok := update.Data.(*WebRTCUpdate)
	if !ok || payload.FromSessionID != "s1" || payload.Offer != "sdp-offer" {
		t.Errorf("WebRTC payload = %+v, want offer from s1", payload)
	}

	// Undirected signaling reaches everyone but the sender.
	sessions.reset()
	m.HandleWebRTC(ctx, "s1", &WebRTCRequest{IsNewSession: true})
	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateWebRTC); len(got) != 0 {
		t.Errorf("broadcast echoed to the sender: %d", len(got))
	}
	for _, id := range []string{"s2", "s3"} {
		if got := groupUpdatesIn(sessions.messagesFor(id), GroupUpdateWebRTC); len(got) != 1 {
			t.Errorf("WebRTC updates to %s = %d, want 1", id, len(got))
		}
	}
}

func TestListGroupsHonorsVisibility(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	sessions.add("s2", "carol")
	m.NewGroup(context.Background(), "s1", &NewGroupRequest{GroupName: "secret", Visibility: VisibilityPrivate})

	if got := m.ListGroups("s2"); len(got) != 0 {
		t.Errorf("ListGroups(outsider) = %d groups, want 0", len(got))
	}
	if got := m.ListGroups("s1"); len(got) != 1 {
		t.Errorf("ListGroups(member) = %d groups, want 1", len(got))
	}
}

func TestListAvailableUsers(t *testing.T) {
	m, sessions, _ := newTestManager()
	sessions.add("s1", "alice")
	sessions.add("s2", "guest") // reachable but no syncplay access

	got := m.ListAvailableUsers()
	if len(got) != 1 || got[0] != "alice" {
		t.Errorf("ListAvailableUsers() = %v, want [alice]", got)
	}
}

func TestNewGroupAdoptsNowPlaying(t *testing.T) {
	m, sessions, _ := newTestManager()
	cs := sessions.add("s1", "alice")
	cs.NowPlaying = &session.NowPlaying{
		Queue:         []int{1, 2, 3},
		ItemIndex:     1,
		PositionTicks: 30 * clock.TicksPerSecond,
		IsPaused:      false,
	}

	m.NewGroup(context.Background(), "s1", &NewGroupRequest{GroupName: "continuing"})

	if got := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdatePlayQueue); len(got) < 1 {
		t.Fatal("no queue snapshot after adopting now-playing state")
	}
	// The group goes straight into a readiness round for the adopted item.
	updates := groupUpdatesIn(sessions.messagesFor("s1"), GroupUpdateStateUpdate)
	found := false
	for _, update := range updates {
		if state, ok := update.Data.(*StateUpdate); ok && state.State == StateWaiting {
			found = true
		}
	}
	if !found {
		t.Error("group did not enter Waiting after adopting now-playing state")
	}
}

func TestNewGroupFailsWhenSeedDenied(t *testing.T) {
	m, sessions, _ := newTestManager()
	cs := sessions.add("k1", "kid")
	// Item 6 is rated past the creator's parental cap.
	cs.NowPlaying = &session.NowPlaying{Queue: []int{6}, ItemIndex: 0}

	m.NewGroup(context.Background(), "k1", &NewGroupRequest{GroupName: "movie night", Visibility: VisibilityPublic})

	if _, ok := m.GroupOf("k1"); ok {
		t.Error("group exists after its seed queue was refused")
	}
	if got := groupUpdatesIn(sessions.messagesFor("k1"), GroupUpdateLibraryAccessDenied); len(got) != 1 {
		t.Errorf("LibraryAccessDenied notices = %d, want 1", len(got))
	}
	if got := groupUpdatesIn(sessions.messagesFor("k1"), GroupUpdateGroupJoined); len(got) != 0 {
		t.Errorf("GroupJoined notices = %d for a refused create, want 0", len(got))
	}
	if groups := m.ListGroups("k1"); len(groups) != 0 {
		t.Errorf("ListGroups() = %d groups after refused create, want 0", len(groups))
	}
}

func TestShutdownStopsActiveGroups(t *testing.T) {
	m, sessions, clk := newTestManager()
	sessions.add("s1", "alice")
	createGroup(t, m, sessions, "s1")
	ctx := context.Background()

	m.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})
	m.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now()})
	sessions.reset()

	m.Shutdown(ctx)

	found := false
	for _, msg := range sessions.messagesFor("s1") {
		if cmd, ok := msg.Data.(*Command); ok && cmd.Command == CommandStop {
			found = true
		}
	}
	if !found {
		t.Error("no Stop command delivered on shutdown")
	}
}
