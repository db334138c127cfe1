package jsocialflux

import "strconv"

// ChatChannel returns the channel carrying messages of chat id.
func ChatChannel(id int64) string {
	return "chat:" + strconv.FormatInt(id, 10)
}

// PreviewChannel returns the channel carrying chat-list previews for username.
func PreviewChannel(username string) string {
	return "user:" + username + ":preview"
}

// subscriptionSet is the desired set of channels, kept in insertion order so
// resubscription after a reconnect is deterministic.
// Guarded by RealtimeClient.mu.
type subscriptionSet struct {
	order   []string
	members map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{members: make(map[string]struct{})}
}

// Add registers a channel. Returns true if it was not present.
func (s *subscriptionSet) Add(channel string) bool {
	if _, ok := s.members[channel]; ok {
		return false
	}
	s.members[channel] = struct{}{}
	s.order = append(s.order, channel)
	return true
}

// Remove deletes a channel. Returns true if it was present.
func (s *subscriptionSet) Remove(channel string) bool {
	if _, ok := s.members[channel]; !ok {
		return false
	}
	delete(s.members, channel)
	for i, ch := range s.order {
		if ch == channel {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Channels fills dst with the channels in insertion order and returns it.
func (s *subscriptionSet) Channels(dst []string) []string {
	if dst == nil {
		dst = make([]string, 0, len(s.order))
	} else {
		dst = dst[:0]
	}
	return append(dst, s.order...)
}

// Len returns the number of channels.
func (s *subscriptionSet) Len() int {
	return len(s.order)
}

// Clear removes every channel.
func (s *subscriptionSet) Clear() {
	s.order = nil
	s.members = make(map[string]struct{})
}
