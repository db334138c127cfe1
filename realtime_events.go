package jsocialflux

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Event Types
// ============================================================================

// Event is a decoded inbound frame. The concrete type is one of the *Event
// structs in this file.
type Event interface {
	isEvent()
}

// ChatMessageEvent is a new message pushed on a chat:<id> channel.
type ChatMessageEvent struct {
	Message MessageDTO
	Raw     json.RawMessage
}

// MessageDeletedEvent reports a removed message. ChatID is 0 when the
// server did not include it.
type MessageDeletedEvent struct {
	MessageID int64
	ChatID    int64
	Raw       json.RawMessage
}

// ChatPreviewEvent is a chat-list update pushed on user:<name>:preview.
// Nil fields were absent from the frame.
type ChatPreviewEvent struct {
	ChatID        int64
	DisplayName   *string
	DisplayAvatar *string
	IsGroup       *bool
	LastMessage   *string
	LastSentAt    *Timestamp
	Raw           json.RawMessage
}

// SubscriptionAckEvent confirms a SUB.
type SubscriptionAckEvent struct {
	Channel string
	Raw     json.RawMessage
}

// PongEvent is the reply to a PING.
type PongEvent struct{}

// KeepAliveEvent is the server's idle keepalive.
type KeepAliveEvent struct{}

// NumberEvent is a bare numeric frame. Chat channels use it for deleted
// message ids.
type NumberEvent struct {
	Value float64
}

// Int returns the value as an id when it is integral.
func (e NumberEvent) Int() (int64, bool) {
	if e.Value != math.Trunc(e.Value) || math.IsInf(e.Value, 0) {
		return 0, false
	}
	return int64(e.Value), true
}

// TextEvent is a frame that is neither JSON nor a number.
type TextEvent struct {
	Text string
}

// UnrecognizedEvent is valid JSON of an unknown shape.
type UnrecognizedEvent struct {
	Raw json.RawMessage
}

func (ChatMessageEvent) isEvent()     {}
func (MessageDeletedEvent) isEvent()  {}
func (ChatPreviewEvent) isEvent()     {}
func (SubscriptionAckEvent) isEvent() {}
func (PongEvent) isEvent()            {}
func (KeepAliveEvent) isEvent()       {}
func (NumberEvent) isEvent()          {}
func (TextEvent) isEvent()            {}
func (UnrecognizedEvent) isEvent()    {}

// ============================================================================
// Decoding
// ============================================================================

// DecodeEvent classifies one inbound frame: JSON first, then a bare number,
// then raw text.
func DecodeEvent(data []byte) Event {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return TextEvent{Text: string(data)}
	}
	if gjson.Valid(text) {
		res := gjson.Parse(text)
		switch {
		case res.Type == gjson.Number:
			return NumberEvent{Value: res.Float()}
		case res.Type == gjson.String:
			return TextEvent{Text: res.String()}
		case res.IsObject():
			return decodeObject(res, json.RawMessage(text))
		default:
			return UnrecognizedEvent{Raw: json.RawMessage(text)}
		}
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil && !math.IsNaN(f) {
		return NumberEvent{Value: f}
	}
	return TextEvent{Text: string(data)}
}

var previewFields = []string{"displayName", "displayAvatar", "lastMessage", "lastSentAt", "isGroup"}

func decodeObject(res gjson.Result, raw json.RawMessage) Event {
	switch strings.ToUpper(res.Get("event").String()) {
	case "PONG":
		return PongEvent{}
	case "KEEPALIVE":
		return KeepAliveEvent{}
	case "SUBSCRIBED", "SUB_ACK":
		return SubscriptionAckEvent{Channel: res.Get("channel").String(), Raw: raw}
	case "DELETED":
		if id, ok := deletedID(res); ok {
			return MessageDeletedEvent{MessageID: id, ChatID: res.Get("chatId").Int(), Raw: raw}
		}
		if id := res.Get("id"); id.Exists() {
			return MessageDeletedEvent{MessageID: id.Int(), ChatID: res.Get("chatId").Int(), Raw: raw}
		}
	}

	switch strings.ToUpper(res.Get("type").String()) {
	case "SUBSCRIBED", "SUB_ACK":
		return SubscriptionAckEvent{Channel: res.Get("channel").String(), Raw: raw}
	}

	chatID, id, content := res.Get("chatId"), res.Get("id"), res.Get("content")
	if chatID.Exists() && id.Exists() && content.Exists() && content.Type == gjson.String {
		var msg MessageDTO
		if err := json.Unmarshal(raw, &msg); err == nil {
			return ChatMessageEvent{Message: msg, Raw: raw}
		}
	}

	if id, ok := deletedID(res); ok {
		return MessageDeletedEvent{MessageID: id, ChatID: chatID.Int(), Raw: raw}
	}

	for _, f := range previewFields {
		if res.Get(f).Exists() {
			return decodePreview(res, raw)
		}
	}

	if chatID.Exists() && id.Exists() && !content.Exists() {
		return MessageDeletedEvent{MessageID: id.Int(), ChatID: chatID.Int(), Raw: raw}
	}

	return UnrecognizedEvent{Raw: raw}
}

func deletedID(res gjson.Result) (int64, bool) {
	for _, path := range []string{"deletedId", "messageId", "payload.deletedId", "payload.id"} {
		if v := res.Get(path); v.Exists() && v.Type != gjson.Null {
			return v.Int(), true
		}
	}
	return 0, false
}

func decodePreview(res gjson.Result, raw json.RawMessage) ChatPreviewEvent {
	ev := ChatPreviewEvent{Raw: raw}
	if v := res.Get("chatId"); v.Exists() {
		ev.ChatID = v.Int()
	} else {
		ev.ChatID = res.Get("id").Int()
	}
	ev.DisplayName = optString(res.Get("displayName"))
	ev.DisplayAvatar = optString(res.Get("displayAvatar"))
	if v := res.Get("isGroup"); v.IsBool() {
		b := v.Bool()
		ev.IsGroup = &b
	}
	ev.LastMessage = optString(res.Get("lastMessage"))
	if ev.LastMessage == nil {
		ev.LastMessage = optString(res.Get("content"))
	}
	ev.LastSentAt = optTimestamp(res.Get("lastSentAt"))
	if ev.LastSentAt == nil {
		ev.LastSentAt = optTimestamp(res.Get("sentAt"))
	}
	return ev
}

func optString(v gjson.Result) *string {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	s := v.String()
	return &s
}

func optTimestamp(v gjson.Result) *Timestamp {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	var ts Timestamp
	if err := ts.UnmarshalJSON([]byte(v.Raw)); err != nil {
		return nil
	}
	return &ts
}

// ============================================================================
// Listener Fan-out
// ============================================================================

type listener struct {
	fn      func(Event)
	removed atomic.Bool
}

type listenerSet struct {
	mu   sync.RWMutex
	list []*listener
	log  *zerolog.Logger
}

func newListenerSet(log *zerolog.Logger) *listenerSet {
	return &listenerSet{log: log}
}

// add appends fn and returns a function that removes it. Removal is
// idempotent and takes effect for deliveries that have not started yet.
func (s *listenerSet) add(fn func(Event)) func() {
	l := &listener{fn: fn}
	s.mu.Lock()
	s.list = append(s.list, l)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.removed.Store(true)
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, x := range s.list {
				if x == l {
					s.list = append(s.list[:i:i], s.list[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *listenerSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}

// emit delivers ev to every listener in registration order.
func (s *listenerSet) emit(ev Event) {
	s.mu.RLock()
	snapshot := make([]*listener, len(s.list))
	copy(snapshot, s.list)
	s.mu.RUnlock()

	for _, l := range snapshot {
		if l.removed.Load() {
			continue
		}
		s.call(l, ev)
	}
}

func (s *listenerSet) call(l *listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("realtime listener panicked")
		}
	}()
	l.fn(ev)
}
