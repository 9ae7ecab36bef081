package store

import "time"

// Role is the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one (role, content) pair appended to a user's context.
type Turn struct {
	UserID    string
	SessionID string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Reminder is a user-scoped scheduled note with an optional recurrence.
type Reminder struct {
	ID          int64
	UserID      string
	Title       string
	Description string
	DueDate     time.Time
	Recurring   string
	Completed   bool
	CompletedAt *time.Time
}

// VaultItem holds opaque, never-inspected content under a category.
type VaultItem struct {
	ID         int64
	UserID     string
	Title      string
	Category   string
	Content    []byte
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// MediaItem is a library entry reachable from the play_media function call.
type MediaItem struct {
	ID              int64
	UserID          string
	Title           string
	MediaType       string
	FilePath        string
	DurationSeconds *float64
	Artist          string
	Album           string
}
