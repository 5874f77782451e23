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

package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/apperr"
	"github.com/efchatnet/efdm/backend/instrument"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage/bolt"
	"github.com/efchatnet/efdm/backend/storage/storagetest"
	"github.com/efchatnet/efdm/backend/worker"
)

var (
	alice   = models.Caller{ID: 1, Username: "alice"}
	bob     = models.Caller{ID: 2, Username: "bob"}
	mallory = models.Caller{ID: 3, Username: "mallory"}
)

const validContent = `{"version":1,"algorithm":"RSA-OAEP","recipients":{"1":"QUJD","2":"REVG"}}`

func openStore(t *testing.T) *bolt.Store {
	t.Helper()
	s, err := bolt.Open(filepath.Join(t.TempDir(), "efdm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// directChat creates the chat between alice and bob.
func directChat(t *testing.T, s MessageBackend) int64 {
	t.Helper()
	chat, _, err := s.FindOrCreateDirectChat(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	return chat.ID
}

func sendRequest(chatID int64) SendRequest {
	raw, _ := json.Marshal(chatID)
	return SendRequest{ChatID: raw, Content: json.RawMessage(validContent), Signature: "c2ln"}
}

func memoryLogger(module string) (*logging.Logger, *logging.MemoryBackend) {
	mem := logging.NewMemoryBackend(32)
	log := logging.MustGetLogger(module)
	log.SetBackend(logging.AddModuleLevel(mem))
	return log, mem
}

func logged(mem *logging.MemoryBackend, level logging.Level, substr string) bool {
	for n := mem.Head(); n != nil; n = n.Next() {
		if n.Record.Level == level && strings.Contains(n.Record.Message(), substr) {
			return true
		}
	}
	return false
}

func requireCode(t *testing.T, code apperr.Code, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperr.CodeOf(err), err.Error())
}

func TestSendStoresMessageAndTouchesChat(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chatID := directChat(t, store)
	before, err := store.GetChat(ctx, chatID)
	require.NoError(t, err)

	w := &worker.Worker{}
	svc := NewMessageService(store, w, time.Second, nil)

	req := sendRequest(chatID)
	req.SenderID = json.RawMessage(`999`)
	msg, err := svc.Send(ctx, alice, req)
	require.NoError(t, err)
	w.Wait()

	assert.NotZero(t, msg.ID)
	assert.Equal(t, alice.ID, msg.SenderID)
	assert.Equal(t, &models.Sender{ID: 1, Username: "alice"}, msg.Sender)

	stored, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, stored.SenderID)
	assert.Equal(t, msg.Content, stored.Content)

	after, err := store.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.False(t, after.UpdatedAt.Before(msg.CreatedAt))
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
}

func TestSendRejectsBadShapesBeforeIO(t *testing.T) {
	// Any store call panics on the nil interface.
	svc := NewMessageService(struct{ MessageBackend }{}, &worker.Worker{}, time.Second, nil)

	good := sendRequest(7)
	for name, mutate := range map[string]func(r *SendRequest){
		"string chat id":   func(r *SendRequest) { r.ChatID = json.RawMessage(`"7"`) },
		"zero chat id":     func(r *SendRequest) { r.ChatID = json.RawMessage(`0`) },
		"negative chat id": func(r *SendRequest) { r.ChatID = json.RawMessage(`-4`) },
		"fractional":       func(r *SendRequest) { r.ChatID = json.RawMessage(`1.5`) },
		"missing chat id":  func(r *SendRequest) { r.ChatID = nil },
		"missing content":  func(r *SendRequest) { r.Content = nil },
		"string content":   func(r *SendRequest) { r.Content = json.RawMessage(`"hello"`) },
		"empty envelope":   func(r *SendRequest) { r.Content = json.RawMessage(`{}`) },
		"no signature":     func(r *SendRequest) { r.Signature = "" },
		"bad signature":    func(r *SendRequest) { r.Signature = "not base64!" },
	} {
		t.Run(name, func(t *testing.T) {
			req := good
			mutate(&req)
			_, err := svc.Send(context.Background(), alice, req)
			requireCode(t, apperr.CodeInvalidInput, err)
		})
	}
}

func TestSendAcceptsLegacyEnvelope(t *testing.T) {
	store := openStore(t)
	chatID := directChat(t, store)
	w := &worker.Worker{}
	svc := NewMessageService(store, w, time.Second, nil)

	req := sendRequest(chatID)
	req.Content = json.RawMessage(`{"1":"QUJD","2":"REVG"}`)
	msg, err := svc.Send(context.Background(), bob, req)
	require.NoError(t, err)
	w.Wait()

	ct, ok := msg.Content.CiphertextFor(1)
	assert.True(t, ok)
	assert.Equal(t, "QUJD", ct)
}

// barrierStore makes the membership check and the insert wait for each
// other, so Send only succeeds if it runs them concurrently.
type barrierStore struct {
	MessageBackend
	arrived sync.WaitGroup
}

func (b *barrierStore) meet() bool {
	b.arrived.Done()
	done := make(chan struct{})
	go func() {
		b.arrived.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

func (b *barrierStore) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	if !b.meet() {
		return false, errors.New("membership check ran alone")
	}
	return b.MessageBackend.IsParticipant(ctx, chatID, userID)
}

func (b *barrierStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if !b.meet() {
		return errors.New("insert ran alone")
	}
	return b.MessageBackend.InsertMessage(ctx, msg)
}

func TestSendRunsMembershipAndInsertConcurrently(t *testing.T) {
	store := openStore(t)
	chatID := directChat(t, store)
	b := &barrierStore{MessageBackend: store}
	b.arrived.Add(2)

	w := &worker.Worker{}
	svc := NewMessageService(b, w, time.Second, nil)
	_, err := svc.Send(context.Background(), alice, sendRequest(chatID))
	require.NoError(t, err)
	w.Wait()
}

func TestSendByNonMemberIsCompensated(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chatID := directChat(t, store)
	w := &worker.Worker{}
	svc := NewMessageService(store, w, time.Second, nil)

	_, err := svc.Send(ctx, mallory, sendRequest(chatID))
	requireCode(t, apperr.CodeForbidden, err)
	w.Wait()

	page, err := svc.FetchPage(ctx, alice, chatID, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Nil(t, page.NextCursor)

	last, err := store.LastMessage(ctx, chatID)
	require.NoError(t, err)
	assert.Nil(t, last)
}

// faultyStore fails the configured operations.
type faultyStore struct {
	MessageBackend
	deleteErr error
	touchErr  error
	authErr   error
}

func (f *faultyStore) DeleteMessage(ctx context.Context, id int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MessageBackend.DeleteMessage(ctx, id)
}

func (f *faultyStore) TouchChat(ctx context.Context, chatID int64, at time.Time) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	return f.MessageBackend.TouchChat(ctx, chatID, at)
}

func (f *faultyStore) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	if f.authErr != nil {
		return false, f.authErr
	}
	return f.MessageBackend.IsParticipant(ctx, chatID, userID)
}

func TestCompensationFailureIsLoggedAndCounted(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chatID := directChat(t, store)
	faulty := &faultyStore{MessageBackend: store, deleteErr: errors.New("disk detached")}

	log, mem := memoryLogger("efdm/test-compensation")
	w := &worker.Worker{}
	svc := NewMessageService(faulty, w, time.Second, log)

	failures := instrument.CompensationFailures()
	_, err := svc.Send(ctx, mallory, sendRequest(chatID))
	requireCode(t, apperr.CodeForbidden, err)
	w.Wait()

	assert.Equal(t, float64(1), instrument.CompensationFailures()-failures)
	assert.True(t, logged(mem, logging.ERROR, "disk detached"))

	// The orphan is still there; only the alert records it
	last, err := store.LastMessage(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, mallory.ID, last.SenderID)
}

func TestMembershipErrorIsInternalAndCompensated(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chatID := directChat(t, store)
	faulty := &faultyStore{MessageBackend: store, authErr: errors.New("connection reset")}

	w := &worker.Worker{}
	svc := NewMessageService(faulty, w, time.Second, nil)
	_, err := svc.Send(ctx, alice, sendRequest(chatID))
	requireCode(t, apperr.CodeInternal, err)
	assert.Equal(t, "Internal server error", apperr.PublicMessage(err))
	w.Wait()

	last, err := store.LastMessage(ctx, chatID)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestRecencyFailureDoesNotFailSend(t *testing.T) {
	store := openStore(t)
	chatID := directChat(t, store)
	faulty := &faultyStore{MessageBackend: store, touchErr: errors.New("timeout")}

	log, mem := memoryLogger("efdm/test-recency")
	w := &worker.Worker{}
	svc := NewMessageService(faulty, w, time.Second, log)
	_, err := svc.Send(context.Background(), alice, sendRequest(chatID))
	require.NoError(t, err)
	w.Wait()

	assert.True(t, logged(mem, logging.WARNING, "recency update"))
}

func fill(t *testing.T, store MessageBackend, chatID int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		sender, other := alice.ID, bob.ID
		if i%2 == 1 {
			sender, other = other, sender
		}
		require.NoError(t, store.InsertMessage(context.Background(), storagetest.Message(chatID, sender, other)))
	}
}

func TestFetchPageWalksHistoryOnce(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chatID := directChat(t, store)
	fill(t, store, chatID, 230)
	svc := NewMessageService(store, &worker.Worker{}, time.Second, nil)

	var (
		sizes  []int
		seen   = make(map[int64]bool)
		cursor *int64
		prev   int64
	)
	for {
		page, err := svc.FetchPage(ctx, bob, chatID, 100, cursor)
		require.NoError(t, err)
		sizes = append(sizes, len(page.Messages))
		for i, m := range page.Messages {
			assert.False(t, seen[m.ID], "message %d returned twice", m.ID)
			seen[m.ID] = true
			if i > 0 {
				assert.Greater(t, m.ID, page.Messages[i-1].ID, "page is oldest first")
			}
		}
		if len(page.Messages) > 0 {
			newest := page.Messages[len(page.Messages)-1].ID
			if prev != 0 {
				assert.Less(t, newest, prev, "pages move back in time")
			}
			prev = page.Messages[0].ID
		}
		if page.NextCursor == nil {
			break
		}
		assert.Equal(t, page.Messages[0].ID, *page.NextCursor)
		cursor = page.NextCursor
	}
	assert.Equal(t, []int{100, 100, 30}, sizes)
	assert.Len(t, seen, 230)
}

func TestFetchPageExactMultipleEndsWithEmptyPage(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chatID := directChat(t, store)
	fill(t, store, chatID, 20)
	svc := NewMessageService(store, &worker.Worker{}, time.Second, nil)

	var sizes []int
	var cursor *int64
	for i := 0; i < 5; i++ {
		page, err := svc.FetchPage(ctx, alice, chatID, 10, cursor)
		require.NoError(t, err)
		sizes = append(sizes, len(page.Messages))
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []int{10, 10, 0}, sizes)
}

func TestFetchPageLimits(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chatID := directChat(t, store)
	fill(t, store, chatID, 120)
	svc := NewMessageService(store, &worker.Worker{}, time.Second, nil)

	page, err := svc.FetchPage(ctx, alice, chatID, 0, nil)
	require.NoError(t, err)
	assert.Len(t, page.Messages, DefaultPageSize)

	page, err = svc.FetchPage(ctx, alice, chatID, 500, nil)
	require.NoError(t, err)
	assert.Len(t, page.Messages, MaxPageSize)
	assert.NotNil(t, page.NextCursor)

	_, err = svc.FetchPage(ctx, alice, chatID, -1, nil)
	requireCode(t, apperr.CodeInvalidInput, err)

	bad := int64(0)
	_, err = svc.FetchPage(ctx, alice, chatID, 10, &bad)
	requireCode(t, apperr.CodeInvalidInput, err)

	_, err = svc.FetchPage(ctx, mallory, chatID, 10, nil)
	requireCode(t, apperr.CodeForbidden, err)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chatID := directChat(t, store)
	w := &worker.Worker{}
	svc := NewMessageService(store, w, time.Second, nil)

	msg, err := svc.Send(ctx, alice, sendRequest(chatID))
	require.NoError(t, err)
	w.Wait()

	_, err = svc.Delete(ctx, bob, msg.ID)
	requireCode(t, apperr.CodeForbidden, err)

	deleted, err := svc.Delete(ctx, alice, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chatID, deleted.ChatID)

	_, err = svc.Delete(ctx, alice, msg.ID)
	requireCode(t, apperr.CodeNotFound, err)
}
