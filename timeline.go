package jsocialflux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ============================================================================
// Timeline
// ============================================================================

// Timeline is an ordered list of items deduplicated by key. It merges
// cursor-paginated history with live pushes. Safe for concurrent use.
type Timeline[K comparable, T any] struct {
	mu    sync.RWMutex
	key   func(T) K
	items []T
	seen  map[K]struct{}
}

func NewTimeline[K comparable, T any](key func(T) K) *Timeline[K, T] {
	return &Timeline[K, T]{key: key, seen: make(map[K]struct{})}
}

// Reset replaces the contents. Later duplicates are dropped.
func (t *Timeline[K, T]) Reset(items []T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = t.items[:0]
	t.seen = make(map[K]struct{}, len(items))
	for _, it := range items {
		k := t.key(it)
		if _, ok := t.seen[k]; ok {
			continue
		}
		t.seen[k] = struct{}{}
		t.items = append(t.items, it)
	}
}

// PrependOlder inserts items before the current head, skipping known keys.
// It returns the number of items added.
func (t *Timeline[K, T]) PrependOlder(items []T) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fresh := make([]T, 0, len(items))
	for _, it := range items {
		k := t.key(it)
		if _, ok := t.seen[k]; ok {
			continue
		}
		t.seen[k] = struct{}{}
		fresh = append(fresh, it)
	}
	if len(fresh) > 0 {
		t.items = append(fresh, t.items...)
	}
	return len(fresh)
}

// AppendLive adds item at the tail unless its key is already present.
func (t *Timeline[K, T]) AppendLive(item T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(item)
	if _, ok := t.seen[k]; ok {
		return false
	}
	t.seen[k] = struct{}{}
	t.items = append(t.items, item)
	return true
}

// Remove deletes the item with key k.
func (t *Timeline[K, T]) Remove(k K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[k]; !ok {
		return false
	}
	delete(t.seen, k)
	for i, it := range t.items {
		if t.key(it) == k {
			t.items = append(t.items[:i], t.items[i+1:]...)
			break
		}
	}
	return true
}

// Upsert replaces the item with key k by merge(prev, true), or appends
// merge(zero, false) when absent.
func (t *Timeline[K, T]) Upsert(k K, merge func(prev T, exists bool) T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[k]; ok {
		for i, it := range t.items {
			if t.key(it) == k {
				t.items[i] = merge(it, true)
				return
			}
		}
	}
	var zero T
	t.seen[k] = struct{}{}
	t.items = append(t.items, merge(zero, false))
}

// SortStable orders the items with less.
func (t *Timeline[K, T]) SortStable(less func(a, b T) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sort.SliceStable(t.items, func(i, j int) bool { return less(t.items[i], t.items[j]) })
}

func (t *Timeline[K, T]) Get(k K) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.seen[k]; ok {
		for _, it := range t.items {
			if t.key(it) == k {
				return it, true
			}
		}
	}
	var zero T
	return zero, false
}

// Items returns a copy of the items in order.
func (t *Timeline[K, T]) Items() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, len(t.items))
	copy(out, t.items)
	return out
}

func (t *Timeline[K, T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// ============================================================================
// Chat history
// ============================================================================

// ChatTimeline is the ascending message history of one chat.
type ChatTimeline struct {
	*Timeline[int64, MessageDTO]
	ChatID int64
}

func NewChatTimeline(chatID int64) *ChatTimeline {
	return &ChatTimeline{
		Timeline: NewTimeline(func(m MessageDTO) int64 { return m.ID }),
		ChatID:   chatID,
	}
}

// Channel returns the realtime channel of this chat.
func (t *ChatTimeline) Channel() string {
	return ChatChannel(t.ChatID)
}

// Apply merges one realtime event. It reports whether the history changed.
func (t *ChatTimeline) Apply(ev Event) bool {
	switch e := ev.(type) {
	case ChatMessageEvent:
		if e.Message.ChatID != t.ChatID || e.Message.ID == 0 {
			return false
		}
		return t.AppendLive(e.Message)
	case MessageDeletedEvent:
		if e.ChatID != 0 && e.ChatID != t.ChatID {
			return false
		}
		return t.Remove(e.MessageID)
	case NumberEvent:
		if id, ok := e.Int(); ok {
			return t.Remove(id)
		}
	case TextEvent:
		if id, err := strconv.ParseInt(strings.TrimSpace(e.Text), 10, 64); err == nil {
			return t.Remove(id)
		}
	}
	return false
}

// Follow subscribes rt to the chat channel and applies its events. onChange
// runs after every change and may be nil. stop removes the listener and
// unsubscribes.
func (t *ChatTimeline) Follow(ctx context.Context, rt *RealtimeClient, onChange func()) (stop func(), err error) {
	return follow(ctx, rt, t.Channel(), t.Apply, onChange)
}

func follow(ctx context.Context, rt *RealtimeClient, channel string, apply func(Event) bool, onChange func()) (func(), error) {
	off := rt.OnMessage(func(ev Event) {
		if apply(ev) && onChange != nil {
			onChange()
		}
	})
	if err := rt.Subscribe(ctx, channel); err != nil {
		off()
		// Subscribe registers the channel before waiting for the connection.
		if !errors.Is(err, ErrClientClosed) {
			rt.Unsubscribe(channel)
		}
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return func() {
		off()
		rt.Unsubscribe(channel)
	}, nil
}

// ascending reverses a newest-first page.
func ascending(items []MessageDTO) []MessageDTO {
	out := make([]MessageDTO, len(items))
	for i, m := range items {
		out[len(items)-1-i] = m
	}
	return out
}

// ============================================================================
// Chat list
// ============================================================================

// ChatList is the caller's chat list ordered by last activity.
type ChatList struct {
	*Timeline[int64, ChatView]
}

func NewChatList() *ChatList {
	return &ChatList{Timeline: NewTimeline(func(c ChatView) int64 { return c.ChatID })}
}

// AddPage merges a page of chats and restores the order.
func (l *ChatList) AddPage(items []ChatView) {
	for _, it := range items {
		if it.ChatID != 0 {
			l.AppendLive(it)
		}
	}
	l.sort()
}

// Apply merges one preview push. Fields absent from the push keep their
// previous values. It reports whether the list changed.
func (l *ChatList) Apply(ev Event) bool {
	p, ok := ev.(ChatPreviewEvent)
	if !ok || p.ChatID == 0 {
		return false
	}
	l.Upsert(p.ChatID, func(prev ChatView, exists bool) ChatView {
		if !exists {
			prev = ChatView{ChatID: p.ChatID, DisplayName: fmt.Sprintf("Chat #%d", p.ChatID)}
		}
		if p.DisplayName != nil {
			prev.DisplayName = *p.DisplayName
		}
		if p.DisplayAvatar != nil {
			prev.DisplayAvatar = p.DisplayAvatar
		}
		if p.IsGroup != nil {
			prev.IsGroup = *p.IsGroup
		}
		if p.LastMessage != nil {
			prev.LastMessage = p.LastMessage
		}
		if p.LastSentAt != nil {
			prev.LastSentAt = p.LastSentAt
		}
		return prev
	})
	l.sort()
	return true
}

// Follow subscribes rt to username's preview channel and applies its events.
func (l *ChatList) Follow(ctx context.Context, rt *RealtimeClient, username string, onChange func()) (stop func(), err error) {
	return follow(ctx, rt, PreviewChannel(username), l.Apply, onChange)
}

func (l *ChatList) sort() {
	l.SortStable(func(a, b ChatView) bool {
		ta, tb := lastSentMillis(a), lastSentMillis(b)
		if ta != tb {
			return ta > tb
		}
		return a.ChatID > b.ChatID
	})
}

func lastSentMillis(c ChatView) int64 {
	if c.LastSentAt == nil || c.LastSentAt.IsZero() {
		return 0
	}
	return c.LastSentAt.UnixMilli()
}

// ============================================================================
// Pagers
// ============================================================================

// MessageLister is implemented by *MessagesClient.
type MessageLister interface {
	List(ctx context.Context, chatID int64, cursor *EpochCursor, size int) (*MessageSlice, error)
}

// ChatLister is implemented by *ChatsClient.
type ChatLister interface {
	List(ctx context.Context, cursor *EpochCursor, size int) (*ChatSlice, error)
}

// pageState is the cursor bookkeeping shared by the pagers.
type pageState struct {
	mu      sync.Mutex
	cursor  *EpochCursor
	hasNext bool
	busy    bool
}

// begin claims the pager. It fails when a load is running or, unless
// restart is set, when there is nothing left.
func (s *pageState) begin(restart bool) (*EpochCursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || (!restart && !s.hasNext) {
		return nil, false
	}
	s.busy = true
	if restart {
		return nil, true
	}
	return s.cursor, true
}

func (s *pageState) end(next *EpochCursor, hasNext bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if ok {
		s.cursor, s.hasNext = next, hasNext
	}
}

func (s *pageState) HasNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasNext
}

// MessagePager loads the history of a chat into a ChatTimeline.
type MessagePager struct {
	pageState
	lister   MessageLister
	timeline *ChatTimeline
	size     int
}

func NewMessagePager(lister MessageLister, timeline *ChatTimeline, size int) *MessagePager {
	if size <= 0 {
		size = 30
	}
	return &MessagePager{lister: lister, timeline: timeline, size: size, pageState: pageState{hasNext: true}}
}

// LoadInitial replaces the timeline with the newest page.
func (p *MessagePager) LoadInitial(ctx context.Context) error {
	if _, ok := p.begin(true); !ok {
		return nil
	}
	page, err := p.lister.List(ctx, p.timeline.ChatID, nil, p.size)
	if err != nil {
		p.end(nil, false, false)
		return fmt.Errorf("load messages: %w", err)
	}
	p.timeline.Reset(ascending(page.Items))
	p.end(page.NextCursor(), page.HasNext, true)
	return nil
}

// LoadOlder prepends the next older page. It reports false without calling
// the API when a load is in flight or history is exhausted.
func (p *MessagePager) LoadOlder(ctx context.Context) (bool, error) {
	cursor, ok := p.begin(false)
	if !ok {
		return false, nil
	}
	page, err := p.lister.List(ctx, p.timeline.ChatID, cursor, p.size)
	if err != nil {
		p.end(nil, false, false)
		return false, fmt.Errorf("load older messages: %w", err)
	}
	p.timeline.PrependOlder(ascending(page.Items))
	p.end(page.NextCursor(), page.HasNext, true)
	return true, nil
}

// ChatListPager loads chat-list pages into a ChatList.
type ChatListPager struct {
	pageState
	lister ChatLister
	list   *ChatList
	size   int
}

func NewChatListPager(lister ChatLister, list *ChatList, size int) *ChatListPager {
	if size <= 0 {
		size = 20
	}
	return &ChatListPager{lister: lister, list: list, size: size, pageState: pageState{hasNext: true}}
}

// LoadMore fetches the next page. It reports false without calling the API
// when a load is in flight or the list is exhausted.
func (p *ChatListPager) LoadMore(ctx context.Context) (bool, error) {
	cursor, ok := p.begin(false)
	if !ok {
		return false, nil
	}
	page, err := p.lister.List(ctx, cursor, p.size)
	if err != nil {
		p.end(nil, false, false)
		return false, fmt.Errorf("load chats: %w", err)
	}
	p.list.AddPage(page.Items)
	p.end(page.NextCursor(), page.HasNext, true)
	return true, nil
}
