// Package transport implements the engine's external boundaries: the JSON
// mutation API, the push transport, and the token-balance oracle.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/veldt-labs/tokenhall/internal/domain"
	apperrors "github.com/veldt-labs/tokenhall/internal/platform/errors"
	"github.com/veldt-labs/tokenhall/internal/platform/timeouts"
)

// Client calls the backend mutation/fetch API over JSON HTTP with bearer
// authentication. Mutations are never auto-retried here; resubmission is the
// caller's decision.
type Client struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
	clock       func() time.Time
}

// NewClient creates an API client for the given base URL and bearer token.
func NewClient(baseURL string, bearerToken string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		bearerToken: strings.TrimSpace(bearerToken),
		httpClient: &http.Client{
			Timeout: timeouts.Request,
		},
		clock: time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *Client) SetClock(clock func() time.Time) {
	c.clock = clock
}

// SendMessageRequest is the minimum payload for a send-message mutation.
type SendMessageRequest struct {
	ChannelID   string   `json:"channelId"`
	ServerID    string   `json:"serverId"`
	Content     string   `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	ReplyTo     string   `json:"replyTo,omitempty"`
}

// CreatePostRequest is the minimum payload for a create-post mutation.
type CreatePostRequest struct {
	ChannelID   string   `json:"channelId"`
	ServerID    string   `json:"serverId"`
	Content     string   `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// JoinServerRequest is the payload for a join-server mutation.
type JoinServerRequest struct {
	TokenCA       string `json:"tokenCA"`
	WalletAddress string `json:"walletAddress"`
}

// SendMessage submits one message and returns the canonical record.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (domain.Message, error) {
	var message domain.Message
	if err := c.do(ctx, http.MethodPost, "/messages", req, &message); err != nil {
		return domain.Message{}, err
	}
	if err := domain.ValidateMessage(message); err != nil {
		return domain.Message{}, apperrors.Wrap(apperrors.CodeInvalid, "send message response", err)
	}
	return message, nil
}

// EditMessage submits a content edit and returns the canonical record.
func (c *Client) EditMessage(ctx context.Context, messageID string, content string) (domain.Message, error) {
	payload := struct {
		MessageID string `json:"messageId"`
		Content   string `json:"content,omitempty"`
	}{MessageID: messageID, Content: content}

	var message domain.Message
	if err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID), payload, &message); err != nil {
		return domain.Message{}, err
	}
	if err := domain.ValidateMessage(message); err != nil {
		return domain.Message{}, apperrors.Wrap(apperrors.CodeInvalid, "edit message response", err)
	}
	return message, nil
}

// DeleteMessage removes one message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

// CreatePost submits one feed post and returns the canonical record.
func (c *Client) CreatePost(ctx context.Context, req CreatePostRequest) (domain.Post, error) {
	var post domain.Post
	if err := c.do(ctx, http.MethodPost, "/posts", req, &post); err != nil {
		return domain.Post{}, err
	}
	if err := domain.ValidatePost(post); err != nil {
		return domain.Post{}, apperrors.Wrap(apperrors.CodeInvalid, "create post response", err)
	}
	return post, nil
}

// ToggleLike flips the caller's like on one post.
func (c *Client) ToggleLike(ctx context.Context, postID string) error {
	return c.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/like", nil, nil)
}

// ToggleRetweet flips the caller's retweet on one post.
func (c *Client) ToggleRetweet(ctx context.Context, postID string) error {
	return c.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/retweet", nil, nil)
}

// JoinServer requests membership on the server gated by tokenCA.
func (c *Client) JoinServer(ctx context.Context, req JoinServerRequest) (domain.Membership, error) {
	var membership domain.Membership
	if err := c.do(ctx, http.MethodPost, "/servers/join", req, &membership); err != nil {
		return domain.Membership{}, err
	}
	return membership, nil
}

// ListMembers fetches the full member roster for one server.
func (c *Client) ListMembers(ctx context.Context, serverID string) ([]domain.Member, error) {
	var members []domain.Member
	if err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(serverID)+"/members", nil, &members); err != nil {
		return nil, err
	}
	valid := members[:0]
	for _, member := range members {
		if err := domain.ValidateMember(member); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalid, "list members response", err)
		}
		valid = append(valid, member)
	}
	return valid, nil
}

// ListChannels fetches the channel list for one server.
func (c *Client) ListChannels(ctx context.Context, serverID string) ([]domain.Channel, error) {
	var channels []domain.Channel
	if err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(serverID)+"/channels", nil, &channels); err != nil {
		return nil, err
	}
	for _, channel := range channels {
		if err := domain.ValidateChannel(channel); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalid, "list channels response", err)
		}
	}
	return channels, nil
}

// ListMessages fetches one page of a channel's messages, newest first.
func (c *Client) ListMessages(ctx context.Context, serverID string, channelID string, cursor string, pageSize int) ([]domain.Message, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if pageSize > 0 {
		query.Set("limit", strconv.Itoa(pageSize))
	}
	path := "/servers/" + url.PathEscape(serverID) + "/channels/" + url.PathEscape(channelID) + "/messages"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var messages []domain.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// ListPosts fetches the feed for one channel, newest first.
func (c *Client) ListPosts(ctx context.Context, serverID string, channelID string) ([]domain.Post, error) {
	path := "/servers/" + url.PathEscape(serverID) + "/channels/" + url.PathEscape(channelID) + "/posts"
	var posts []domain.Post
	if err := c.do(ctx, http.MethodGet, path, nil, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method string, path string, payload any, out any) error {
	if c == nil || c.httpClient == nil {
		return apperrors.New(apperrors.CodeUnknown, "api client is not configured")
	}
	if c.bearerToken == "" {
		return apperrors.New(apperrors.CodeAuth, "bearer token is required")
	}
	if expired, expiry := bearerExpired(c.bearerToken, c.clock()); expired {
		return apperrors.WithMetadata(apperrors.CodeAuth, "bearer token is expired", map[string]string{
			"expired_at": expiry.UTC().Format(time.RFC3339),
		})
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInvalid, "encode request payload", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalid, "build api request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransient, fmt.Sprintf("call %s %s", method, path), err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil && err != io.EOF {
		return apperrors.Wrap(apperrors.CodeTransient, "decode api response", err)
	}

	if resp.StatusCode != http.StatusOK || !envelope.Success {
		code := apperrors.CodeFromHTTPStatus(resp.StatusCode)
		message := strings.TrimSpace(envelope.Error)
		if message == "" {
			message = fmt.Sprintf("%s %s returned status %d", method, path, resp.StatusCode)
		}
		return apperrors.New(code, message)
	}

	if out == nil {
		return nil
	}
	if len(envelope.Data) == 0 {
		return apperrors.New(apperrors.CodeInvalid, "api response missing data")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalid, "decode api response data", err)
	}
	return nil
}
