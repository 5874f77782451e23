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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/e2ee"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("efdm api: %d %s", e.Status, e.Message)
}

// API talks to the efdm HTTP surface with a bearer token.
type API struct {
	Base  string
	Token string
	HTTP  *http.Client
}

// NewAPI returns a client for the server at base, e.g. https://efchat.net.
func NewAPI(base, token string) *API {
	return &API{Base: strings.TrimRight(base, "/"), Token: token, HTTP: http.DefaultClient}
}

type response struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	NextCursor *int64          `json:"nextCursor"`

	UserID           int64  `json:"userId"`
	PublicKey        string `json:"publicKey"`
	SigningPublicKey string `json:"signingPublicKey"`
}

// RegisterKeys publishes the caller's public keys. created is false when
// the same keys were already registered.
func (c *API) RegisterKeys(ctx context.Context, reg models.KeyRegistration) (bool, error) {
	status, _, err := c.do(ctx, http.MethodPut, "/user/keys", reg)
	return status == http.StatusCreated, err
}

func (c *API) PublicKeys(ctx context.Context, userID int64) (*models.Identity, error) {
	_, resp, err := c.do(ctx, http.MethodGet, "/user/public-key/"+strconv.FormatInt(userID, 10), nil)
	if err != nil {
		return nil, err
	}
	return &models.Identity{
		UserID:           userID,
		EncryptPublicKey: resp.PublicKey,
		SignPublicKey:    resp.SigningPublicKey,
	}, nil
}

// AccessChat opens the chat with otherUserID, creating it if needed.
func (c *API) AccessChat(ctx context.Context, otherUserID int64) (*models.ChatSummary, bool, error) {
	req := struct {
		OtherUserID int64 `json:"otherUserId"`
	}{otherUserID}
	status, resp, err := c.do(ctx, http.MethodPost, "/chat/private", req)
	if err != nil {
		return nil, false, err
	}
	var chat models.ChatSummary
	if err := json.Unmarshal(resp.Data, &chat); err != nil {
		return nil, false, err
	}
	return &chat, status == http.StatusCreated, nil
}

func (c *API) ListChats(ctx context.Context) ([]models.ChatSummary, error) {
	_, resp, err := c.do(ctx, http.MethodGet, "/chat", nil)
	if err != nil {
		return nil, err
	}
	var chats []models.ChatSummary
	return chats, json.Unmarshal(resp.Data, &chats)
}

// SendMessage posts an encrypted message to chatID.
func (c *API) SendMessage(ctx context.Context, chatID int64, content e2ee.Envelope, signature string) (*models.Message, error) {
	req := struct {
		ChatID    int64         `json:"chatId"`
		Content   e2ee.Envelope `json:"content"`
		Signature string        `json:"signature"`
	}{chatID, content, signature}
	_, resp, err := c.do(ctx, http.MethodPost, "/message", req)
	if err != nil {
		return nil, err
	}
	var msg models.Message
	if err := json.Unmarshal(resp.Data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FetchMessages returns one page of history, oldest first. limit 0 lets
// the server choose.
func (c *API) FetchMessages(ctx context.Context, chatID int64, limit int, cursor *int64) (*models.Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != nil {
		q.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	path := "/message/" + strconv.FormatInt(chatID, 10)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	_, resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	page := &models.Page{NextCursor: resp.NextCursor}
	return page, json.Unmarshal(resp.Data, &page.Messages)
}

func (c *API) DeleteMessage(ctx context.Context, messageID int64) error {
	_, _, err := c.do(ctx, http.MethodDelete, "/message/"+strconv.FormatInt(messageID, 10), nil)
	return err
}

func (c *API) do(ctx context.Context, method, path string, in any) (int, *response, error) {
	var buf *bytes.Buffer
	if in != nil {
		buf = new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return 0, nil, err
		}
	}

	var req *http.Request
	var err error
	if buf != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.Base+"/api/v1"+path, buf)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.Base+"/api/v1"+path, nil)
	}
	if err != nil {
		return 0, nil, err
	}
	if buf != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var out response
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode/100 != 2 {
		msg := out.Message
		if decodeErr != nil || msg == "" {
			msg = resp.Status
		}
		return resp.StatusCode, nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return resp.StatusCode, nil, fmt.Errorf("efdm api %s %s: %w", method, path, decodeErr)
	}
	return resp.StatusCode, &out, nil
}
