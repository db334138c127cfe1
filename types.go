package jsocialflux

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"error,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Message)
}

// Timestamp accepts both ISO-8601 strings and epoch numbers, since the
// backend serializes instants either way depending on its mapper settings.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}
	// Small values are decimal seconds; the REST cursors use millis.
	if math.Abs(f) < 1e11 {
		sec, frac := math.Modf(f)
		t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	} else {
		t.Time = time.UnixMilli(int64(f)).UTC()
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// EpochCursor is the (epoch millis, id) position used by chats and messages.
type EpochCursor struct {
	EpochMs int64
	ID      int64
}

// TSCursor is the {ts, id} position used by comments and profile grids.
type TSCursor struct {
	TS int64 `json:"ts"`
	ID int64 `json:"id"`
}

// unmarshalItems decodes a page whose rows may live under "items" or "content".
func unmarshalItems[T any](data []byte) ([]T, error) {
	var wrap struct {
		Items   []T `json:"items"`
		Content []T `json:"content"`
	}
	if err := json.Unmarshal(data, &wrap); err != nil {
		return nil, err
	}
	if wrap.Items != nil {
		return wrap.Items, nil
	}
	return wrap.Content, nil
}

// Slice is a cursor page keyed by {ts, id}.
type Slice[T any] struct {
	Items      []T       `json:"items"`
	HasNext    bool      `json:"hasNext"`
	NextCursor *TSCursor `json:"nextCursor"`
}

func (s *Slice[T]) UnmarshalJSON(data []byte) error {
	items, err := unmarshalItems[T](data)
	if err != nil {
		return err
	}
	var meta struct {
		HasNext    bool      `json:"hasNext"`
		NextCursor *TSCursor `json:"nextCursor"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	s.Items, s.HasNext, s.NextCursor = items, meta.HasNext, meta.NextCursor
	return nil
}

// ============================================================================
// Auth
// ============================================================================

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type JwtResponse struct {
	Success bool   `json:"success,omitempty"`
	Token   string `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Me struct {
	Username string `json:"username"`
}

// ============================================================================
// Chats & Messages
// ============================================================================

// MessageDTO is a chat message as returned by history pages and pushed live.
type MessageDTO struct {
	ID             int64     `json:"id"`
	ChatID         int64     `json:"chatId"`
	Content        string    `json:"content"`
	SentAt         Timestamp `json:"sentAt"`
	SenderUsername string    `json:"senderUsername"`
	SenderAvatar   *string   `json:"senderAvatar"`
}

// MessageSlice is a page of messages, newest first.
type MessageSlice struct {
	Items             []MessageDTO `json:"items"`
	HasNext           bool         `json:"hasNext"`
	NextCursorEpochMs *int64       `json:"nextCursorEpochMs"`
	NextCursorID      *int64       `json:"nextCursorId"`
}

// NextCursor returns the cursor of the next page, or nil.
func (s *MessageSlice) NextCursor() *EpochCursor {
	return epochCursor(s.NextCursorEpochMs, s.NextCursorID)
}

// ChatView is one row of the chat list and the payload of preview pushes.
type ChatView struct {
	ChatID        int64      `json:"chatId"`
	DisplayName   string     `json:"displayName"`
	DisplayAvatar *string    `json:"displayAvatar"`
	IsGroup       bool       `json:"isGroup"`
	LastMessage   *string    `json:"lastMessage"`
	LastSentAt    *Timestamp `json:"lastSentAt"`
}

// ChatSlice is a page of chats, most recent activity first.
type ChatSlice struct {
	Items             []ChatView `json:"items"`
	HasNext           bool       `json:"hasNext"`
	NextCursorEpochMs *int64     `json:"nextCursorEpochMs"`
	NextCursorID      *int64     `json:"nextCursorId"`
}

// NextCursor returns the cursor of the next page, or nil.
func (s *ChatSlice) NextCursor() *EpochCursor {
	return epochCursor(s.NextCursorEpochMs, s.NextCursorID)
}

func epochCursor(ms, id *int64) *EpochCursor {
	if ms == nil || id == nil {
		return nil
	}
	return &EpochCursor{EpochMs: *ms, ID: *id}
}

type ChatOpen struct {
	ChatID              int64   `json:"chatId"`
	CounterpartUsername *string `json:"counterpartUsername"`
	CounterpartAvatar   *string `json:"counterpartAvatar"`
}

type CreateGroupChatRequest struct {
	Name      string   `json:"name"`
	Usernames []string `json:"usernames"`
}

// ============================================================================
// Feed
// ============================================================================

type FeedType string

const (
	FeedPost  FeedType = "POST"
	FeedPhoto FeedType = "PHOTO"
)

type FeedItem struct {
	ID        int64     `json:"id"`
	Type      FeedType  `json:"type"`
	Username  string    `json:"username"`
	Avatar    *string   `json:"avatar,omitempty"`
	Content   *string   `json:"content,omitempty"`
	ImageURL  *string   `json:"imageUrl,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
	Edited    bool      `json:"edited,omitempty"`
}

// FeedCursor is the composite (ts, type, id) feed position.
type FeedCursor struct {
	TS   int64    `json:"ts"`
	Type FeedType `json:"type"`
	ID   int64    `json:"id"`
}

type FeedSlice struct {
	Content    []FeedItem  `json:"content"`
	HasNext    bool        `json:"hasNext"`
	NextCursor *FeedCursor `json:"nextCursor"`
}

// ============================================================================
// Posts, Photos, Comments
// ============================================================================

type Post struct {
	ID            int64     `json:"id"`
	Content       string    `json:"content"`
	CreatedAt     Timestamp `json:"createdAt"`
	Edited        bool      `json:"edited"`
	OwnerUsername string    `json:"ownerUsername"`
	OwnerAvatar   *string   `json:"ownerAvatar,omitempty"`
}

type PostCard struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt Timestamp `json:"createdAt"`
	Edited    bool      `json:"edited"`
}

type Photo struct {
	ID            int64     `json:"id"`
	URL           string    `json:"url"`
	UploadedAt    Timestamp `json:"uploadedAt"`
	Description   *string   `json:"description,omitempty"`
	OwnerUsername string    `json:"ownerUsername"`
	OwnerAvatar   *string   `json:"ownerAvatar,omitempty"`
}

type PhotoCard struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	UploadedAt  Timestamp `json:"uploadedAt"`
	Description *string   `json:"description"`
}

type Comment struct {
	ID             int64     `json:"id"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"createdAt"`
	AuthorUsername *string   `json:"authorUsername"`
	AuthorAvatar   *string   `json:"authorAvatar"`
}

// ============================================================================
// Users
// ============================================================================

type UserCard struct {
	ID       int64   `json:"id,omitempty"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar"`
}

// UserSlice is a page of users keyed by a numeric cursor.
type UserSlice struct {
	Items      []UserCard `json:"items"`
	HasNext    bool       `json:"hasNext"`
	NextCursor *int64     `json:"nextCursor"`
}

func (s *UserSlice) UnmarshalJSON(data []byte) error {
	items, err := unmarshalItems[UserCard](data)
	if err != nil {
		return err
	}
	var meta struct {
		HasNext    bool            `json:"hasNext"`
		NextCursor json.RawMessage `json:"nextCursor"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	users := items[:0]
	for _, u := range items {
		if u.Username != "" {
			users = append(users, u)
		}
	}
	s.Items, s.HasNext, s.NextCursor = users, meta.HasNext, nil
	// Non-numeric cursors are treated as absent.
	var n int64
	if len(meta.NextCursor) > 0 && string(meta.NextCursor) != "null" && json.Unmarshal(meta.NextCursor, &n) == nil {
		s.NextCursor = &n
	}
	return nil
}

type UserProfile struct {
	Username     string  `json:"username"`
	Avatar       *string `json:"avatar"`
	FollowersCnt int64   `json:"followersCnt"`
	FollowingCnt int64   `json:"followingCnt"`
	Me           bool    `json:"me"`
	Following    bool    `json:"following"`
	Follower     bool    `json:"follower"`
}

type UpdateProfileRequest struct {
	NewUsername  string `json:"newUsername"`
	DeleteAvatar bool   `json:"deleteAvatar"`
}
