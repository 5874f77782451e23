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

package models

import (
	"fmt"
	"time"
)

// Chat is a two party conversation. UpdatedAt is the recency marker moved
// forward by every accepted message.
type Chat struct {
	ID           int64     `json:"id"`
	Participants []int64   `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Has reports whether userID participates in the chat.
func (c *Chat) Has(userID int64) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the participant that is not userID.
func (c *Chat) Counterpart(userID int64) int64 {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return 0
}

// Room is the realtime room key for a chat.
func Room(chatID int64) string {
	return fmt.Sprintf("chat_%d", chatID)
}

// ChatSummary is the list view of a chat for one participant.
type ChatSummary struct {
	Chat
	Counterpart *Identity `json:"counterpart,omitempty"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
}

// OrderedPair returns a and b with the smaller id first. Direct chats are
// unique per ordered pair.
func OrderedPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}
