package models

// Track represents a library item playable through a sync group
type Track struct {
	ID             int    `json:"id"`
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	Album          string `json:"album"`
	TrackNumber    int    `json:"trackNumber"`
	DurationTicks  int64  `json:"durationTicks"` // 1 tick = 100 ns
	FilePath       string `json:"-"`             // don't expose file path to client
	FileSize       int64  `json:"fileSize"`
	Folder         string `json:"folder"`         // top-level library folder the file lives in
	ParentalRating int    `json:"parentalRating"` // 0 = unrated (everyone may play it)
}

// UserInfo is the client-visible view of a user returned by
// /SyncPlay/ListAvailableUsers.
type UserInfo struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}
