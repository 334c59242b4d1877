package session

import "sync"

// ProfileSignal is the process-wide "active profile changed" broadcast.
// Engines subscribe for the session's lifetime and unsubscribe on
// teardown, so a dead session can never react to a switch. Announce never
// blocks: a subscriber that has not drained yet keeps only the newest
// value.
type ProfileSignal struct {
	mu   sync.Mutex
	next int
	subs map[int]chan string
}

func NewProfileSignal() *ProfileSignal {
	return &ProfileSignal{subs: make(map[int]chan string)}
}

// Subscribe registers a listener and returns its id and channel.
func (s *ProfileSignal) Subscribe() (int, <-chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan string, 1)
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (s *ProfileSignal) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// Announce notifies every subscriber of the new active profile.
func (s *ProfileSignal) Announce(profileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- profileID:
		default:
			// Replace the stale undrained value with the newest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- profileID:
			default:
			}
		}
	}
}
