package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pigeonchat/pigeon/internal/chat"
	"go.uber.org/zap"
)

// Client is the request/response gateway for history fetches, user search,
// and conversation access. It only seeds state; live updates arrive over the
// transport session.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a gateway client for the given REST base URL. The token,
// when non-empty, is attached as a bearer credential; obtaining it is the
// auth flow's concern, not ours.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// FetchHistory returns the message page for a user pair, newest first as
// delivered by the server. The primary endpoint shape is tried first; on
// failure exactly one fallback shape is attempted before the error surfaces
// as ErrHistoryUnavailable.
func (c *Client) FetchHistory(ctx context.Context, self, other int64, limit, offset int) ([]*chat.Message, error) {
	q := url.Values{
		"limit":  {fmt.Sprint(limit)},
		"offset": {fmt.Sprint(offset)},
	}
	primary := fmt.Sprintf("/v1/api/chat/old/%d/%d?%s", self, other, q.Encode())
	msgs, err := c.fetchHistoryPage(ctx, primary, self)
	if err == nil {
		return msgs, nil
	}
	c.logger.Warn("primary history fetch failed, trying fallback", zap.Error(err))

	fallback := fmt.Sprintf("/v1/api/chat/history/%d/%d?%s", self, other, q.Encode())
	msgs, ferr := c.fetchHistoryPage(ctx, fallback, self)
	if ferr != nil {
		return nil, fmt.Errorf("%w: primary: %v, fallback: %v", chat.ErrHistoryUnavailable, err, ferr)
	}
	return msgs, nil
}

func (c *Client) fetchHistoryPage(ctx context.Context, path string, self int64) ([]*chat.Message, error) {
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	msgs := make([]*chat.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		msgs = append(msgs, w.toMessage(self))
	}
	return msgs, nil
}

// FetchChattedUsers returns the conversation summaries seeding the Directory.
func (c *Client) FetchChattedUsers(ctx context.Context, userID int64) ([]*chat.Conversation, error) {
	body, err := c.get(ctx, fmt.Sprintf("/v1/api/chat/chatted-users/%d", userID))
	if err != nil {
		return nil, fmt.Errorf("fetch chatted users: %w", err)
	}
	var records []wireChattedUser
	if err := unwrapList(body, "chattedUsers", &records); err != nil {
		return nil, fmt.Errorf("decode chatted users: %w", err)
	}
	convs := make([]*chat.Conversation, 0, len(records))
	for _, w := range records {
		convs = append(convs, w.toConversation())
	}
	return convs, nil
}

// SearchUsers returns user records matching the query. Filtering of known
// counterparts and the current user happens in the Directory, which owns
// that state.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]chat.UserProfile, error) {
	q := url.Values{"q": {query}}
	body, err := c.get(ctx, "/v1/api/chat/search?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrSearchFailed, err)
	}
	var records []wireUser
	if err := unwrapList(body, "users", &records); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", chat.ErrSearchFailed, err)
	}
	profiles := make([]chat.UserProfile, 0, len(records))
	for _, w := range records {
		profiles = append(profiles, w.toProfile())
	}
	return profiles, nil
}

// AccessResult is the server's answer to an access-or-create call.
type AccessResult struct {
	ConversationID string
	Other          chat.UserProfile
}

// AccessConversation opens (or creates) the conversation with a counterpart
// and returns its id plus the counterpart's profile.
func (c *Client) AccessConversation(ctx context.Context, counterpartID int64) (*AccessResult, error) {
	payload, _ := json.Marshal(map[string]int64{"userId": counterpartID})
	body, err := c.post(ctx, "/v1/api/chat/access", payload)
	if err != nil {
		return nil, fmt.Errorf("access conversation: %w", err)
	}

	var envelope struct {
		Chat json.RawMessage `json:"chat"`
	}
	raw := body
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Chat) > 0 {
		raw = envelope.Chat
	}

	var wire struct {
		ID        json.Number `json:"id"`
		OtherUser wireUser    `json:"other_user"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("access conversation: decode: %w", err)
	}
	return &AccessResult{
		ConversationID: wire.ID.String(),
		Other:          wire.OtherUser.toProfile(),
	}, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return data, nil
}
