// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package realtime

import "sync"

// Subscriber is one live connection. Frames are queued on a bounded
// channel drained by the connection's writer.
type Subscriber struct {
	id     string
	userID int64
	send   chan []byte

	mu     sync.Mutex
	closed bool
	rooms  map[string]struct{}
}

func (s *Subscriber) ID() string { return s.id }

func (s *Subscriber) UserID() int64 { return s.userID }

// Frames is closed when the subscriber is unregistered.
func (s *Subscriber) Frames() <-chan []byte { return s.send }

func (s *Subscriber) deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close marks s closed and returns the rooms it was in. ok is false when
// it was already closed.
func (s *Subscriber) close() (rooms []string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	close(s.send)
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.rooms = nil
	return rooms, true
}

func (s *Subscriber) addRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.rooms[room] = struct{}{}
	return true
}

func (s *Subscriber) removeRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

func (s *Subscriber) inRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}
