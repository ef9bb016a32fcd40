package syncplay

import (
	"math/rand"
	"strconv"
	"time"

	"unison/internal/clock"
)

// QueueItem is one entry of a play queue. ItemID identifies the library
// track; PlaylistItemID identifies this particular queue entry and stays
// stable across reorders, so duplicates of the same track are distinct.
type QueueItem struct {
	ItemID         int    `json:"itemId"`
	PlaylistItemID string `json:"playlistItemId"`
}

// PlayQueue holds a group's queue of items plus the playing-item cursor.
// The canonical list keeps the order items were set in; shuffle overlays a
// permutation on top of it, so switching back to sorted restores the
// original order. Not safe for concurrent use; the owning group
// serializes access.
type PlayQueue struct {
	clk clock.Clock
	rng *rand.Rand

	items []QueueItem // canonical order
	view  []string    // visible order, as playlist item ids

	currentID string // playlist item id of the playing item, "" when none

	shuffleMode ShuffleMode
	repeatMode  RepeatMode

	nextID     uint64
	version    int
	lastChange time.Time
}

// NewPlayQueue creates an empty queue in sorted, no-repeat mode.
func NewPlayQueue(clk clock.Clock) *PlayQueue {
	return &PlayQueue{
		clk:         clk,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		shuffleMode: ShuffleModeSorted,
		repeatMode:  RepeatModeNone,
	}
}

func (q *PlayQueue) bump() {
	q.version++
	q.lastChange = q.clk.Now()
}

func (q *PlayQueue) newPlaylistItemID() string {
	id := q.nextID
	q.nextID++
	return strconv.FormatUint(id, 10)
}

func (q *PlayQueue) itemByPlaylistID(playlistItemID string) (QueueItem, bool) {
	for _, item := range q.items {
		if item.PlaylistItemID == playlistItemID {
			return item, true
		}
	}
	return QueueItem{}, false
}

func (q *PlayQueue) viewIndexOf(playlistItemID string) int {
	for i, id := range q.view {
		if id == playlistItemID {
			return i
		}
	}
	return -1
}

// Reset clears the queue and the cursor. Modes are left as they were.
func (q *PlayQueue) Reset() {
	q.items = nil
	q.view = nil
	q.currentID = ""
	q.bump()
}

// SetPlaylist replaces the queue with the given items. The cursor lands on
// the first visible item. When shuffle mode is active the new playlist
// gets a fresh shuffled view.
func (q *PlayQueue) SetPlaylist(itemIDs []int) {
	q.items = make([]QueueItem, 0, len(itemIDs))
	q.view = make([]string, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		item := QueueItem{ItemID: itemID, PlaylistItemID: q.newPlaylistItemID()}
		q.items = append(q.items, item)
		q.view = append(q.view, item.PlaylistItemID)
	}
	if q.shuffleMode == ShuffleModeShuffle {
		q.rng.Shuffle(len(q.view), func(i, j int) {
			q.view[i], q.view[j] = q.view[j], q.view[i]
		})
	}
	if len(q.view) > 0 {
		q.currentID = q.view[0]
	} else {
		q.currentID = ""
	}
	q.bump()
}

// Queue appends items at the end of both the canonical and visible orders.
func (q *PlayQueue) Queue(itemIDs []int) {
	for _, itemID := range itemIDs {
		item := QueueItem{ItemID: itemID, PlaylistItemID: q.newPlaylistItemID()}
		q.items = append(q.items, item)
		q.view = append(q.view, item.PlaylistItemID)
	}
	q.bump()
}

// QueueNext inserts items right after the playing item in the visible
// order, and after its canonical position in the canonical order. Without
// a playing item it behaves like Queue.
func (q *PlayQueue) QueueNext(itemIDs []int) {
	if q.currentID == "" {
		q.Queue(itemIDs)
		return
	}

	fresh := make([]QueueItem, 0, len(itemIDs))
	freshIDs := make([]string, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		item := QueueItem{ItemID: itemID, PlaylistItemID: q.newPlaylistItemID()}
		fresh = append(fresh, item)
		freshIDs = append(freshIDs, item.PlaylistItemID)
	}

	canonical := 0
	for i, item := range q.items {
		if item.PlaylistItemID == q.currentID {
			canonical = i
			break
		}
	}
	q.items = append(q.items[:canonical+1], append(fresh, q.items[canonical+1:]...)...)

	visible := q.viewIndexOf(q.currentID)
	q.view = append(q.view[:visible+1], append(freshIDs, q.view[visible+1:]...)...)

	q.bump()
}

// SetPlayingItemByIndex moves the cursor to the given index of the visible
// order. Returns false when the index is out of range.
func (q *PlayQueue) SetPlayingItemByIndex(index int) bool {
	if index < 0 || index >= len(q.view) {
		return false
	}
	q.currentID = q.view[index]
	q.bump()
	return true
}

// SetPlayingItemByPlaylistID moves the cursor to the entry with the given
// playlist item id. Returns false when no such entry exists.
func (q *PlayQueue) SetPlayingItemByPlaylistID(playlistItemID string) bool {
	if q.viewIndexOf(playlistItemID) < 0 {
		return false
	}
	q.currentID = playlistItemID
	q.bump()
	return true
}

// SetPlayingItemByID moves the cursor to the first visible entry playing
// the given library item. Returns false when the item is not queued.
func (q *PlayQueue) SetPlayingItemByID(itemID int) bool {
	for _, playlistItemID := range q.view {
		item, _ := q.itemByPlaylistID(playlistItemID)
		if item.ItemID == itemID {
			q.currentID = playlistItemID
			q.bump()
			return true
		}
	}
	return false
}

// MovePlaylistItem moves an entry to a new index of the visible order. In
// sorted mode the canonical order follows the move. The cursor keeps
// pointing at the same entry.
func (q *PlayQueue) MovePlaylistItem(playlistItemID string, newIndex int) bool {
	oldIndex := q.viewIndexOf(playlistItemID)
	if oldIndex < 0 {
		return false
	}
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex >= len(q.view) {
		newIndex = len(q.view) - 1
	}

	q.view = append(q.view[:oldIndex], q.view[oldIndex+1:]...)
	q.view = append(q.view[:newIndex], append([]string{playlistItemID}, q.view[newIndex:]...)...)

	if q.shuffleMode == ShuffleModeSorted {
		q.items = q.visibleItems()
	}

	q.bump()
	return true
}

// RemoveFromPlaylist removes the given entries from the queue. When the
// playing item is removed the cursor advances to the next remaining entry,
// wrapping to the start of the queue; it reports whether that happened.
func (q *PlayQueue) RemoveFromPlaylist(playlistItemIDs []string) (playingRemoved bool) {
	doomed := make(map[string]struct{}, len(playlistItemIDs))
	for _, id := range playlistItemIDs {
		doomed[id] = struct{}{}
	}

	// Pick the successor before mutating: the first surviving entry after
	// the playing one in visible order, wrapping to the front.
	successor := ""
	if q.currentID != "" {
		if _, gone := doomed[q.currentID]; gone {
			playingRemoved = true
			currentIndex := q.viewIndexOf(q.currentID)
			for offset := 1; offset <= len(q.view); offset++ {
				candidate := q.view[(currentIndex+offset)%len(q.view)]
				if _, alsoGone := doomed[candidate]; !alsoGone {
					successor = candidate
					break
				}
			}
		}
	}

	items := q.items[:0]
	for _, item := range q.items {
		if _, gone := doomed[item.PlaylistItemID]; !gone {
			items = append(items, item)
		}
	}
	q.items = items

	view := q.view[:0]
	for _, id := range q.view {
		if _, gone := doomed[id]; !gone {
			view = append(view, id)
		}
	}
	q.view = view

	if playingRemoved {
		q.currentID = successor
	}

	q.bump()
	return playingRemoved
}

// Next advances the cursor by one visible position. RepeatOne stays put,
// RepeatAll wraps past the end, RepeatNone reports false at the end.
func (q *PlayQueue) Next() bool {
	if q.currentID == "" {
		return false
	}
	if q.repeatMode == RepeatModeOne {
		q.bump()
		return true
	}

	index := q.viewIndexOf(q.currentID) + 1
	if index >= len(q.view) {
		if q.repeatMode != RepeatModeAll {
			return false
		}
		index = 0
	}
	q.currentID = q.view[index]
	q.bump()
	return true
}

// Previous moves the cursor back by one visible position, mirroring Next.
func (q *PlayQueue) Previous() bool {
	if q.currentID == "" {
		return false
	}
	if q.repeatMode == RepeatModeOne {
		q.bump()
		return true
	}

	index := q.viewIndexOf(q.currentID) - 1
	if index < 0 {
		if q.repeatMode != RepeatModeAll {
			return false
		}
		index = len(q.view) - 1
	}
	q.currentID = q.view[index]
	q.bump()
	return true
}

// SetRepeatMode changes the repeat mode.
func (q *PlayQueue) SetRepeatMode(mode RepeatMode) {
	q.repeatMode = mode
	q.bump()
}

// SetShuffleMode switches between the canonical view and a fresh shuffled
// permutation. The cursor follows the playing entry into the new view.
func (q *PlayQueue) SetShuffleMode(mode ShuffleMode) {
	q.shuffleMode = mode

	q.view = make([]string, 0, len(q.items))
	for _, item := range q.items {
		q.view = append(q.view, item.PlaylistItemID)
	}
	if mode == ShuffleModeShuffle {
		q.rng.Shuffle(len(q.view), func(i, j int) {
			q.view[i], q.view[j] = q.view[j], q.view[i]
		})
	}
	q.bump()
}

func (q *PlayQueue) visibleItems() []QueueItem {
	result := make([]QueueItem, 0, len(q.view))
	for _, playlistItemID := range q.view {
		if item, ok := q.itemByPlaylistID(playlistItemID); ok {
			result = append(result, item)
		}
	}
	return result
}

// GetPlaylist returns the queue in visible order.
func (q *PlayQueue) GetPlaylist() []QueueItem {
	return q.visibleItems()
}

// ItemIDs returns the library item ids of the queue in visible order.
func (q *PlayQueue) ItemIDs() []int {
	ids := make([]int, 0, len(q.view))
	for _, item := range q.visibleItems() {
		ids = append(ids, item.ItemID)
	}
	return ids
}

// CurrentItem returns the playing entry, if any.
func (q *PlayQueue) CurrentItem() (QueueItem, bool) {
	if q.currentID == "" {
		return QueueItem{}, false
	}
	return q.itemByPlaylistID(q.currentID)
}

// CurrentIndex returns the visible index of the playing entry, -1 when the
// queue is empty or nothing is selected.
func (q *PlayQueue) CurrentIndex() int {
	if q.currentID == "" {
		return -1
	}
	return q.viewIndexOf(q.currentID)
}

// Len returns the number of queued entries.
func (q *PlayQueue) Len() int { return len(q.items) }

// Version returns the change counter, bumped on every mutation.
func (q *PlayQueue) Version() int { return q.version }

// LastChange returns when the queue last changed.
func (q *PlayQueue) LastChange() time.Time { return q.lastChange }

// ShuffleMode returns the active shuffle mode.
func (q *PlayQueue) ShuffleMode() ShuffleMode { return q.shuffleMode }

// RepeatMode returns the active repeat mode.
func (q *PlayQueue) RepeatMode() RepeatMode { return q.repeatMode }
