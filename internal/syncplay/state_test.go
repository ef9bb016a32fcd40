package syncplay

import (
	"context"
	"testing"
	"time"

	"unison/internal/clock"
)

// startSoloPlaying drives a one-member group from Idle to Playing: a Play
// request for items 1 and 2, then a Ready report at the current instant.
func startSoloPlaying(t *testing.T, c *Controller, clk *clock.Virtual) {
	t.Helper()
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1, 2}})
	if c.State() != StateWaiting {
		t.Fatalf("State() = %s after Play, want Waiting", c.State())
	}
	c.DrainOutbox()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now()})
	if c.State() != StatePlaying {
		t.Fatalf("State() = %s after Ready, want Playing", c.State())
	}
	c.DrainOutbox()
}

func TestPlayStartsWaitingRound(t *testing.T) {
	c, _ := newTestController()
	c.AddSession("s1", "alice")
	c.AddSession("s2", "bob")

	c.HandleRequest(context.Background(), "s1", &Request{Type: RequestPlay, ItemIDs: []int{1, 2, 3}})

	if c.State() != StateWaiting {
		t.Fatalf("State() = %s, want Waiting", c.State())
	}
	if !c.IsBuffering() {
		t.Error("IsBuffering() = false, want every member buffering")
	}

	envelopes := c.DrainOutbox()
	if got := updatesTo(envelopes, "", GroupUpdatePlayQueue); len(got) != 2 {
		t.Errorf("PlayQueue updates delivered to %d sessions, want 2", len(got))
	}
	if got := updatesTo(envelopes, "", GroupUpdateStateUpdate); len(got) != 2 {
		t.Errorf("StateUpdate delivered to %d sessions, want 2", len(got))
	}
}

func TestPlayDeniedByLibraryAccess(t *testing.T) {
	c, _ := newTestController()
	c.AddSession("s1", "alice")
	c.AddSession("s2", "kid")

	c.HandleRequest(context.Background(), "s1", &Request{Type: RequestPlay, ItemIDs: []int{6}})

	if c.State() != StateIdle {
		t.Errorf("State() = %s, want Idle after denied Play", c.State())
	}
	envelopes := c.DrainOutbox()
	if got := updatesTo(envelopes, "s1", GroupUpdateLibraryAccessDenied); len(got) != 1 {
		t.Errorf("LibraryAccessDenied to requester = %d, want 1", len(got))
	}
	if got := updatesTo(envelopes, "s2", GroupUpdateLibraryAccessDenied); len(got) != 0 {
		t.Errorf("LibraryAccessDenied leaked to other members: %d", len(got))
	}
}

func TestSoloReadySchedulesStart(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})
	c.DrainOutbox()

	clk.Advance(100 * time.Millisecond)
	reported := clk.Now()
	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: reported})

	if c.State() != StatePlaying {
		t.Fatalf("State() = %s, want Playing", c.State())
	}

	// Start time is the latest ready report pushed out by the sync
	// tolerance plus the worst member latency.
	want := reported.Add(2000*time.Millisecond + 500*time.Millisecond)
	envelopes := c.DrainOutbox()
	cmds := commandsTo(envelopes, "s1", CommandUnpause)
	if len(cmds) != 1 {
		t.Fatalf("Unpause commands = %d, want 1", len(cmds))
	}
	if !cmds[0].When.Equal(want) {
		t.Errorf("Unpause When = %v, want %v", cmds[0].When, want)
	}
	if !c.LastActivity().Equal(want) {
		t.Errorf("LastActivity() = %v, want %v", c.LastActivity(), want)
	}
}

func TestWaitingHoldsUntilEveryMemberReady(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	c.AddSession("s2", "bob")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1, 2}})
	c.DrainOutbox()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now()})
	if c.State() != StateWaiting {
		t.Fatalf("State() = %s after first Ready, want Waiting", c.State())
	}
	if cmds := commandsTo(c.DrainOutbox(), "", CommandUnpause); len(cmds) != 0 {
		t.Fatalf("Unpause sent before every member was ready: %d", len(cmds))
	}

	c.HandleRequest(ctx, "s2", &Request{Type: RequestReady, When: clk.Now()})
	if c.State() != StatePlaying {
		t.Fatalf("State() = %s after last Ready, want Playing", c.State())
	}
	if cmds := commandsTo(c.DrainOutbox(), "", CommandUnpause); len(cmds) != 2 {
		t.Errorf("Unpause commands = %d, want one per member", len(cmds))
	}
}

func TestPauseCommitsElapsedPosition(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	startSoloPlaying(t, c, clk)

	// Let playback run for ten seconds past the scheduled start.
	start := c.LastActivity()
	clk.Set(start.Add(10 * time.Second))

	c.HandleRequest(context.Background(), "s1", &Request{Type: RequestPause})

	if c.State() != StatePaused {
		t.Fatalf("State() = %s, want Paused", c.State())
	}
	want := int64(10 * clock.TicksPerSecond)
	if c.PositionTicks() != want {
		t.Errorf("PositionTicks() = %d, want %d", c.PositionTicks(), want)
	}
	cmds := commandsTo(c.DrainOutbox(), "s1", CommandPause)
	if len(cmds) != 1 {
		t.Fatalf("Pause commands = %d, want 1", len(cmds))
	}
	if cmds[0].PositionTicks != want {
		t.Errorf("Pause PositionTicks = %d, want %d", cmds[0].PositionTicks, want)
	}
}

func TestUnpauseWhilePausedStartsRound(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	startSoloPlaying(t, c, clk)
	clk.Set(c.LastActivity().Add(5 * time.Second))
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPause})
	c.DrainOutbox()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestUnpause})
	if c.State() != StateWaiting {
		t.Fatalf("State() = %s, want Waiting", c.State())
	}
	if !c.IsBuffering() {
		t.Error("IsBuffering() = false, want readiness round restarted")
	}

	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now()})
	if c.State() != StatePlaying {
		t.Fatalf("State() = %s after Ready, want Playing", c.State())
	}
}

func TestSeekWhilePlayingRestartsWaiting(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	startSoloPlaying(t, c, clk)

	want := int64(60 * clock.TicksPerSecond)
	c.HandleRequest(context.Background(), "s1", &Request{Type: RequestSeek, PositionTicks: want})

	if c.State() != StateWaiting {
		t.Fatalf("State() = %s, want Waiting", c.State())
	}
	if c.PositionTicks() != want {
		t.Errorf("PositionTicks() = %d, want %d", c.PositionTicks(), want)
	}
	cmds := commandsTo(c.DrainOutbox(), "s1", CommandSeek)
	if len(cmds) != 1 {
		t.Fatalf("Seek commands = %d, want 1", len(cmds))
	}
	if cmds[0].PositionTicks != want {
		t.Errorf("Seek PositionTicks = %d, want %d", cmds[0].PositionTicks, want)
	}
}

func TestBufferingMemberHoldsGroup(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	c.AddSession("s2", "bob")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})
	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now()})
	c.HandleRequest(ctx, "s2", &Request{Type: RequestReady, When: clk.Now()})
	if c.State() != StatePlaying {
		t.Fatalf("State() = %s, want Playing", c.State())
	}
	c.DrainOutbox()

	held := int64(42 * clock.TicksPerSecond)
	c.HandleRequest(ctx, "s2", &Request{Type: RequestBuffering, Position: held})

	if c.State() != StateWaiting {
		t.Fatalf("State() = %s, want Waiting", c.State())
	}
	if c.PositionTicks() != held {
		t.Errorf("PositionTicks() = %d, want held at %d", c.PositionTicks(), held)
	}
	if cmds := commandsTo(c.DrainOutbox(), "", CommandPause); len(cmds) != 2 {
		t.Errorf("Pause commands = %d, want one per member", len(cmds))
	}
}

func TestBufferingDoneWhileWaitingCountsAsReady(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})
	c.DrainOutbox()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestBuffering, BufferingDone: true, When: clk.Now()})
	if c.State() != StatePlaying {
		t.Fatalf("State() = %s, want Playing", c.State())
	}
}

func TestBufferingWhileWaitingGetsCurrentTarget(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	c.AddSession("s2", "bob")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1, 2}})
	c.DrainOutbox()

	c.HandleRequest(ctx, "s2", &Request{Type: RequestBuffering, When: clk.Now()})
	envelopes := c.DrainOutbox()

	// The reporter alone gets the state reminder plus the queue snapshot
	// naming the item and position the group is waiting on.
	if got := updatesTo(envelopes, "s2", GroupUpdateStateUpdate); len(got) != 1 {
		t.Errorf("StateUpdate notices to the buffering session = %d, want 1", len(got))
	}
	snapshots := updatesTo(envelopes, "s2", GroupUpdatePlayQueue)
	if len(snapshots) != 1 {
		t.Fatalf("PlayQueue snapshots to the buffering session = %d, want 1", len(snapshots))
	}
	if got := updatesTo(envelopes, "s1", GroupUpdatePlayQueue); len(got) != 0 {
		t.Errorf("PlayQueue snapshots to other members = %d, want 0", len(got))
	}

	update, ok := snapshots[0].Data.(*PlayQueueUpdate)
	if !ok {
		t.Fatal("PlayQueue snapshot payload has the wrong type")
	}
	if update.PlayingItemIndex != 0 || len(update.Playlist) != 2 {
		t.Errorf("snapshot = index %d of %d items, want index 0 of 2", update.PlayingItemIndex, len(update.Playlist))
	}
}

func TestReadyInWrongStateGetsCorrection(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	startSoloPlaying(t, c, clk)
	clk.Set(c.LastActivity().Add(time.Second))
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPause})
	c.DrainOutbox()

	// A duplicate Ready while paused only earns a reminder.
	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now()})

	if c.State() != StatePaused {
		t.Fatalf("State() = %s, want Paused", c.State())
	}
	if cmds := commandsTo(c.DrainOutbox(), "s1", CommandPause); len(cmds) != 1 {
		t.Errorf("corrective Pause commands = %d, want 1", len(cmds))
	}
}

func TestReadyPastTrackEndAdvancesQueue(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1, 2}})
	c.DrainOutbox()

	past := c.RunTimeTicks() + clock.TicksPerSecond
	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now(), Position: past})

	if c.State() != StateWaiting {
		t.Fatalf("State() = %s, want Waiting for the next track", c.State())
	}
	current, ok := c.Queue().CurrentItem()
	if !ok || current.ItemID != 2 {
		t.Errorf("CurrentItem() = %+v, want item 2", current)
	}
	if updates := updatesTo(c.DrainOutbox(), "s1", GroupUpdatePlayQueue); len(updates) != 1 {
		t.Errorf("PlayQueue updates = %d, want 1", len(updates))
	}
}

func TestReadyPastLastTrackStopsGroup(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})
	c.DrainOutbox()

	past := c.RunTimeTicks() + clock.TicksPerSecond
	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now(), Position: past})

	if c.State() != StateIdle {
		t.Fatalf("State() = %s, want Idle at end of queue", c.State())
	}
	if cmds := commandsTo(c.DrainOutbox(), "s1", CommandStop); len(cmds) != 1 {
		t.Errorf("Stop commands = %d, want 1", len(cmds))
	}
}

func TestStaleReadyGetsQueueSnapshot(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1, 2}})
	c.DrainOutbox()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now(), ReportedItem: "stale-entry"})

	if c.State() != StateWaiting {
		t.Fatalf("State() = %s, want Waiting", c.State())
	}
	if !c.IsBuffering() {
		t.Error("stale Ready cleared the member's buffering flag")
	}
	if updates := updatesTo(c.DrainOutbox(), "s1", GroupUpdatePlayQueue); len(updates) != 1 {
		t.Errorf("PlayQueue snapshots = %d, want 1", len(updates))
	}
}

func TestDivergentReadyGetsUnicastSeek(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	c.AddSession("s2", "bob")
	ctx := context.Background()

	start := int64(60 * clock.TicksPerSecond)
	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}, StartPositionTicks: start})
	c.DrainOutbox()

	// Two seconds off the group position, well past the 500 ms tolerance.
	c.HandleRequest(ctx, "s2", &Request{Type: RequestReady, When: clk.Now(), Position: start + 2*clock.TicksPerSecond})

	envelopes := c.DrainOutbox()
	if cmds := commandsTo(envelopes, "s2", CommandSeek); len(cmds) != 1 {
		t.Errorf("Seek commands to diverging session = %d, want 1", len(cmds))
	}
	if cmds := commandsTo(envelopes, "s1", CommandSeek); len(cmds) != 0 {
		t.Errorf("Seek commands leaked to other members: %d", len(cmds))
	}
}

func TestClampReportedTime(t *testing.T) {
	c, clk := newTestController()
	now := clk.Now()

	tests := []struct {
		name     string
		reported time.Time
		want     time.Time
	}{
		{name: "in tolerance passes", reported: now.Add(time.Second), want: now.Add(time.Second)},
		{name: "future clamps to now", reported: now.Add(5 * time.Second), want: now},
		{name: "past clamps to now", reported: now.Add(-5 * time.Second), want: now},
		{name: "zero clamps to now", reported: time.Time{}, want: now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.clampReportedTime(tt.reported); !got.Equal(tt.want) {
				t.Errorf("clampReportedTime(%v) = %v, want %v", tt.reported, got, tt.want)
			}
		})
	}
}

func TestIgnoreWaitUnblocksRound(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	c.AddSession("s2", "bob")
	ctx := context.Background()

	c.HandleRequest(ctx, "s2", &Request{Type: RequestIgnoreWait, IgnoreWait: true})
	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})
	c.DrainOutbox()

	// The ignored member never reports ready.
	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now()})

	if c.State() != StatePlaying {
		t.Fatalf("State() = %s, want Playing despite the ignored member", c.State())
	}
	// The ignored member still hears the start command.
	if cmds := commandsTo(c.DrainOutbox(), "s2", CommandUnpause); len(cmds) != 1 {
		t.Errorf("Unpause to ignored member = %d, want 1", len(cmds))
	}
}

func TestIgnoreWaitWhileWaitingFinishesRound(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	c.AddSession("s2", "bob")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})
	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now()})
	if c.State() != StateWaiting {
		t.Fatalf("State() = %s, want Waiting", c.State())
	}
	c.DrainOutbox()

	// The stuck member opts out mid-round; the round completes right away.
	c.HandleRequest(ctx, "s2", &Request{Type: RequestIgnoreWait, IgnoreWait: true})
	if c.State() != StatePlaying {
		t.Fatalf("State() = %s, want Playing after opt-out", c.State())
	}
}

func TestStopFromWaitingGoesIdle(t *testing.T) {
	c, _ := newTestController()
	c.AddSession("s1", "alice")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})
	c.DrainOutbox()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestStop})
	if c.State() != StateIdle {
		t.Fatalf("State() = %s, want Idle", c.State())
	}
	if cmds := commandsTo(c.DrainOutbox(), "s1", CommandStop); len(cmds) != 1 {
		t.Errorf("Stop commands = %d, want 1", len(cmds))
	}
}

func TestQueueEmptiedWhilePlayingStops(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})
	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now()})
	c.DrainOutbox()

	current, _ := c.Queue().CurrentItem()
	c.HandleRequest(ctx, "s1", &Request{Type: RequestRemoveFromPlaylist, PlaylistItemIDs: []string{current.PlaylistItemID}})

	if c.State() != StateIdle {
		t.Fatalf("State() = %s, want Idle after the queue emptied", c.State())
	}
	if cmds := commandsTo(c.DrainOutbox(), "s1", CommandStop); len(cmds) != 1 {
		t.Errorf("Stop commands = %d, want 1", len(cmds))
	}
}

func TestNextTrackWhilePlayingStartsRound(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	startSoloPlaying(t, c, clk)

	current, _ := c.Queue().CurrentItem()
	c.HandleRequest(context.Background(), "s1", &Request{Type: RequestNextTrack, PlaylistItemID: current.PlaylistItemID})

	if c.State() != StateWaiting {
		t.Fatalf("State() = %s, want Waiting", c.State())
	}
	after, _ := c.Queue().CurrentItem()
	if after.ItemID != 2 {
		t.Errorf("CurrentItem() = %+v, want item 2", after)
	}
	if c.PositionTicks() != 0 {
		t.Errorf("PositionTicks() = %d, want 0 on the new track", c.PositionTicks())
	}
}

func TestStaleNextTrackDropped(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	startSoloPlaying(t, c, clk)

	c.HandleRequest(context.Background(), "s1", &Request{Type: RequestNextTrack, PlaylistItemID: "stale-entry"})

	if c.State() != StatePlaying {
		t.Fatalf("State() = %s, want Playing after a stale request", c.State())
	}
	current, _ := c.Queue().CurrentItem()
	if current.ItemID != 1 {
		t.Errorf("CurrentItem() = %+v, want item 1 unchanged", current)
	}
}

func TestPingUpdatesRegardlessOfState(t *testing.T) {
	c, _ := newTestController()
	c.AddSession("s1", "alice")

	c.HandleRequest(context.Background(), "s1", &Request{Type: RequestPing, Ping: 750})

	if got := c.GetHighestPing(); got != 750 {
		t.Errorf("GetHighestPing() = %v, want 750", got)
	}
}

func TestNonMemberRequestDropped(t *testing.T) {
	c, _ := newTestController()
	c.AddSession("s1", "alice")

	c.HandleRequest(context.Background(), "ghost", &Request{Type: RequestPlay, ItemIDs: []int{1}})

	if c.State() != StateIdle {
		t.Errorf("State() = %s, want Idle", c.State())
	}
	if envelopes := c.DrainOutbox(); len(envelopes) != 0 {
		t.Errorf("envelopes composed for non-member request: %d", len(envelopes))
	}
}

func TestRequestDeniedByAccessListDropped(t *testing.T) {
	c, _ := newTestController()
	c.AddSession("s1", "alice")
	c.Access().SetPermissions("alice", Permissions{})

	c.HandleRequest(context.Background(), "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})

	if c.State() != StateIdle {
		t.Errorf("State() = %s, want Idle", c.State())
	}
	if envelopes := c.DrainOutbox(); len(envelopes) != 0 {
		t.Errorf("envelopes composed for denied request: %d", len(envelopes))
	}
}

func TestBlockerLeavingCompletesRound(t *testing.T) {
	c, clk := newTestController()
	c.AddSession("s1", "alice")
	c.AddSession("s2", "bob")
	ctx := context.Background()

	c.HandleRequest(ctx, "s1", &Request{Type: RequestPlay, ItemIDs: []int{1}})
	c.HandleRequest(ctx, "s1", &Request{Type: RequestReady, When: clk.Now()})
	if c.State() != StateWaiting {
		t.Fatalf("State() = %s, want Waiting", c.State())
	}
	c.DrainOutbox()

	c.SessionLeft("s2")

	if c.State() != StatePlaying {
		t.Fatalf("State() = %s, want Playing after the blocker left", c.State())
	}
}
