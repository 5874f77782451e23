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

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/apperr"
	"github.com/efchatnet/efdm/backend/instrument"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/e2ee"
)

// members maps chat id to its participants.
type members map[int64][]int64

func (m members) IsParticipant(_ context.Context, chatID, userID int64) (bool, error) {
	for _, id := range m[chatID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func message(chatID, senderID int64) *models.Message {
	return &models.Message{
		ID:       1,
		ChatID:   chatID,
		SenderID: senderID,
		Content: e2ee.Envelope{
			Format:     e2ee.FormatV1,
			Recipients: map[string]string{"1": "QQ==", "2": "Qg=="},
		},
		Signature: "c2ln",
	}
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := Encode(event, data)
	require.NoError(t, err)
	return raw
}

func next(t *testing.T, s *Subscriber) Frame {
	t.Helper()
	select {
	case raw := <-s.Frames():
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return Frame{}
	}
}

func assertSilent(t *testing.T, s *Subscriber) {
	t.Helper()
	select {
	case raw := <-s.Frames():
		t.Fatalf("unexpected frame %s", raw)
	default:
	}
}

func TestPublishReachesOthersButNotSender(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(Config{Authorizer: members{7: {1, 2}}})

	alice := hub.Register(1)
	bob := hub.Register(2)
	aliceTab := hub.Register(1)
	require.NoError(t, hub.Join(ctx, alice, 7))
	require.NoError(t, hub.Join(ctx, bob, 7))
	require.NoError(t, hub.Join(ctx, aliceTab, 7))

	require.NoError(t, hub.Publish(ctx, alice, message(7, 1)))

	f := next(t, bob)
	assert.Equal(t, EventMessageReceived, f.Event)
	var got models.Message
	require.NoError(t, json.Unmarshal(f.Data, &got))
	assert.Equal(t, int64(7), got.ChatID)
	assert.Equal(t, e2ee.FormatV1, got.Content.Format)

	// Other connections of the sender are still notified
	assert.Equal(t, EventMessageReceived, next(t, aliceTab).Event)
	assertSilent(t, alice)
}

func TestRoomsAreIsolated(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(Config{Authorizer: members{7: {1, 2}, 9: {1, 3}}})

	alice := hub.Register(1)
	bob := hub.Register(2)
	carol := hub.Register(3)
	require.NoError(t, hub.Join(ctx, alice, 7))
	require.NoError(t, hub.Join(ctx, alice, 9))
	require.NoError(t, hub.Join(ctx, bob, 7))
	require.NoError(t, hub.Join(ctx, carol, 9))

	require.NoError(t, hub.Publish(ctx, alice, message(7, 1)))
	next(t, bob)
	assertSilent(t, carol)
}

func TestJoinRequiresMembership(t *testing.T) {
	hub := NewHub(Config{Authorizer: members{7: {1, 2}}})
	mallory := hub.Register(3)

	err := hub.Join(context.Background(), mallory, 7)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	assert.Zero(t, hub.Members(models.Room(7)))

	err = hub.Join(context.Background(), mallory, 0)
	assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
}

func TestPublishRequiresJoinedRoomAndOwnSender(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(Config{Authorizer: members{7: {1, 2}}})
	alice := hub.Register(1)

	err := hub.Publish(ctx, alice, message(7, 1))
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	require.NoError(t, hub.Join(ctx, alice, 7))
	err = hub.Publish(ctx, alice, message(7, 2))
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(Config{Authorizer: members{7: {1, 2}}, Buffer: 2})
	alice := hub.Register(1)
	bob := hub.Register(2)
	require.NoError(t, hub.Join(ctx, alice, 7))
	require.NoError(t, hub.Join(ctx, bob, 7))

	before := instrument.Dropped()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			assert.NoError(t, hub.Publish(ctx, alice, message(7, 1)))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, bob.Frames(), 2)
	assert.Equal(t, float64(8), instrument.Dropped()-before)
}

func TestLeaveAndUnregister(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(Config{Authorizer: members{7: {1, 2}}})
	alice := hub.Register(1)
	bob := hub.Register(2)
	require.NoError(t, hub.Join(ctx, alice, 7))
	require.NoError(t, hub.Join(ctx, bob, 7))

	hub.Leave(bob, 7)
	require.NoError(t, hub.Publish(ctx, alice, message(7, 1)))
	assertSilent(t, bob)

	hub.Unregister(alice)
	hub.Unregister(alice)
	assert.Zero(t, hub.Members(models.Room(7)))
	_, open := <-alice.Frames()
	assert.False(t, open)

	err := hub.Join(ctx, alice, 7)
	assert.Error(t, err)
}

func TestNotifyDeletedReachesWholeRoom(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(Config{Authorizer: members{7: {1, 2}}})
	alice := hub.Register(1)
	bob := hub.Register(2)
	require.NoError(t, hub.Join(ctx, alice, 7))
	require.NoError(t, hub.Join(ctx, bob, 7))

	hub.NotifyDeleted(ctx, 7, 42)
	for _, s := range []*Subscriber{alice, bob} {
		f := next(t, s)
		assert.Equal(t, EventMessageDeleted, f.Event)
		assert.JSONEq(t, `{"id":42,"chatId":7}`, string(f.Data))
	}
}

func TestHandleDispatchesClientFrames(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(Config{Authorizer: members{7: {1, 2}}})
	alice := hub.Register(1)
	bob := hub.Register(2)

	hub.Handle(ctx, alice, frame(t, EventJoinChat, 7))
	hub.Handle(ctx, bob, frame(t, EventJoinChat, 7))
	assert.Equal(t, 2, hub.Members(models.Room(7)))

	hub.Handle(ctx, alice, frame(t, EventNewMessage, message(7, 1)))
	assert.Equal(t, EventMessageReceived, next(t, bob).Event)

	hub.Handle(ctx, bob, frame(t, EventLeaveChat, 7))
	assert.Equal(t, 1, hub.Members(models.Room(7)))

	for _, raw := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"event":"join_chat","data":"seven"}`),
		[]byte(`{"event":"typing"}`),
		[]byte(`{"event":"new message","data":{"chatId":7,"content":"x"}}`),
	} {
		hub.Handle(ctx, alice, raw)
		f := next(t, alice)
		assert.Equal(t, EventError, f.Event, string(raw))
	}
}

// memBroker connects hubs in process.
type memBroker struct {
	mu   sync.Mutex
	subs []func(Relay)
	wg   sync.WaitGroup
}

func (b *memBroker) Publish(_ context.Context, r Relay) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, deliver := range b.subs {
		deliver(r)
	}
	return nil
}

func (b *memBroker) Subscribe(ctx context.Context, deliver func(Relay)) error {
	b.mu.Lock()
	b.subs = append(b.subs, deliver)
	b.mu.Unlock()
	b.wg.Done()
	<-ctx.Done()
	return ctx.Err()
}

func TestBrokerRelaysAcrossNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authz := members{7: {1, 2}}
	broker := &memBroker{}
	broker.wg.Add(2)
	a := NewHub(Config{Authorizer: authz, Broker: broker})
	b := NewHub(Config{Authorizer: authz, Broker: broker})

	errs := make(chan error, 2)
	go func() { errs <- a.Run(ctx) }()
	go func() { errs <- b.Run(ctx) }()
	broker.wg.Wait()

	alice := a.Register(1)
	bob := b.Register(2)
	require.NoError(t, a.Join(ctx, alice, 7))
	require.NoError(t, b.Join(ctx, bob, 7))

	require.NoError(t, a.Publish(ctx, alice, message(7, 1)))
	assert.Equal(t, EventMessageReceived, next(t, bob).Event)
	assertSilent(t, alice)

	cancel()
	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
}

func TestRunWithoutBroker(t *testing.T) {
	hub := NewHub(Config{Authorizer: members{}})
	assert.NoError(t, hub.Run(context.Background()))
}
