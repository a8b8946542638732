package relaychat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Workspace, Channel, User and ChannelMessage mirror the subset of the Slack
// Web API shapes the relay reads. Field tags follow the platform wire format.

type Workspace struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
}

type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPrivate  bool   `json:"is_private,omitempty"`
	IsArchived bool   `json:"is_archived,omitempty"`
}

type User struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	RealName string         `json:"real_name,omitempty"`
	IsBot    bool           `json:"is_bot,omitempty"`
	Profile  map[string]any `json:"profile,omitempty"`
}

type EditMarker struct {
	User string `json:"user,omitempty"`
	TS   string `json:"ts,omitempty"`
}

type ChannelMessage struct {
	Type       string      `json:"type,omitempty"`
	TS         string      `json:"ts"`
	User       string      `json:"user,omitempty"`
	Text       string      `json:"text,omitempty"`
	Team       string      `json:"team,omitempty"`
	Subtype    string      `json:"subtype,omitempty"`
	ThreadTS   string      `json:"thread_ts,omitempty"`
	ReplyCount int         `json:"reply_count,omitempty"`
	Edited     *EditMarker `json:"edited,omitempty"`
}

type ChannelPage struct {
	Channels   []Channel
	NextCursor string
}

type MessagePage struct {
	Messages   []ChannelMessage
	NextCursor string
}

// ChatClient abstracts the chat-platform read API. Paginated listings return
// an opaque continuation cursor; an empty cursor means the listing is
// exhausted.
type ChatClient interface {
	WorkspaceInfo(ctx context.Context) (Workspace, error)
	ListChannels(ctx context.Context, cursor string) (ChannelPage, error)
	ChannelHistory(ctx context.Context, channelID, oldest, cursor string) (MessagePage, error)
	ThreadReplies(ctx context.Context, channelID, threadTS, cursor string) (MessagePage, error)
	ChannelInfo(ctx context.Context, channelID string) (Channel, error)
	UserInfo(ctx context.Context, userID string) (User, error)
	MessageAt(ctx context.Context, channelID, ts string) (ChannelMessage, error)
}

// APIError is a non-rate-limit platform error ("ok": false responses).
type APIError struct {
	Method string
	Code   string
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s failed: status=%d code=%s", e.Method, e.Status, e.Code)
}

func (e *APIError) Is(target error) bool {
	if target != ErrNotFound {
		return false
	}
	switch e.Code {
	case "channel_not_found", "user_not_found", "message_not_found",
		"thread_not_found", "team_not_found", "not_in_channel":
		return true
	}
	return false
}

type ChatClientOptions struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	UserAgent      string
	PageSize       int
	CallsPerSecond float64
}

type HTTPChatClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	pageSize   int
	limiter    *rate.Limiter
}

func NewHTTPChatClient(opts ChatClientOptions) *HTTPChatClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://slack.com/api"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 100
	}
	callsPerSecond := opts.CallsPerSecond
	if callsPerSecond <= 0 {
		callsPerSecond = 1
	}
	return &HTTPChatClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		pageSize:   pageSize,
		limiter:    rate.NewLimiter(rate.Limit(callsPerSecond), 1),
	}
}

func (c *HTTPChatClient) WorkspaceInfo(ctx context.Context) (Workspace, error) {
	var out struct {
		Team Workspace `json:"team"`
	}
	if err := c.call(ctx, "team.info", nil, &out); err != nil {
		return Workspace{}, err
	}
	return out.Team, nil
}

func (c *HTTPChatClient) ListChannels(ctx context.Context, cursor string) (ChannelPage, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.pageSize))
	params.Set("exclude_archived", "true")
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var out struct {
		Channels []Channel `json:"channels"`
	}
	next, err := c.callPaginated(ctx, "conversations.list", params, &out)
	if err != nil {
		return ChannelPage{}, err
	}
	return ChannelPage{Channels: out.Channels, NextCursor: next}, nil
}

func (c *HTTPChatClient) ChannelHistory(ctx context.Context, channelID, oldest, cursor string) (MessagePage, error) {
	params := url.Values{}
	params.Set("channel", channelID)
	params.Set("limit", strconv.Itoa(c.pageSize))
	if oldest != "" {
		params.Set("oldest", oldest)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var out struct {
		Messages []ChannelMessage `json:"messages"`
	}
	next, err := c.callPaginated(ctx, "conversations.history", params, &out)
	if err != nil {
		return MessagePage{}, err
	}
	return MessagePage{Messages: out.Messages, NextCursor: next}, nil
}

func (c *HTTPChatClient) ThreadReplies(ctx context.Context, channelID, threadTS, cursor string) (MessagePage, error) {
	params := url.Values{}
	params.Set("channel", channelID)
	params.Set("ts", threadTS)
	params.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var out struct {
		Messages []ChannelMessage `json:"messages"`
	}
	next, err := c.callPaginated(ctx, "conversations.replies", params, &out)
	if err != nil {
		return MessagePage{}, err
	}
	return MessagePage{Messages: out.Messages, NextCursor: next}, nil
}

func (c *HTTPChatClient) ChannelInfo(ctx context.Context, channelID string) (Channel, error) {
	params := url.Values{}
	params.Set("channel", channelID)
	var out struct {
		Channel Channel `json:"channel"`
	}
	if err := c.call(ctx, "conversations.info", params, &out); err != nil {
		return Channel{}, err
	}
	return out.Channel, nil
}

func (c *HTTPChatClient) UserInfo(ctx context.Context, userID string) (User, error) {
	params := url.Values{}
	params.Set("user", userID)
	var out struct {
		User User `json:"user"`
	}
	if err := c.call(ctx, "users.info", params, &out); err != nil {
		return User{}, err
	}
	return out.User, nil
}

// MessageAt fetches the single message at ts via a one-element inclusive
// history window.
func (c *HTTPChatClient) MessageAt(ctx context.Context, channelID, ts string) (ChannelMessage, error) {
	params := url.Values{}
	params.Set("channel", channelID)
	params.Set("latest", ts)
	params.Set("oldest", ts)
	params.Set("inclusive", "true")
	params.Set("limit", "1")
	var out struct {
		Messages []ChannelMessage `json:"messages"`
	}
	if err := c.call(ctx, "conversations.history", params, &out); err != nil {
		return ChannelMessage{}, err
	}
	if len(out.Messages) == 0 || out.Messages[0].TS != ts {
		return ChannelMessage{}, fmt.Errorf("%w: message %s in %s", ErrNotFound, ts, channelID)
	}
	return out.Messages[0], nil
}

func (c *HTTPChatClient) callPaginated(ctx context.Context, method string, params url.Values, out any) (string, error) {
	body, err := c.do(ctx, method, params)
	if err != nil {
		return "", err
	}
	var meta struct {
		ResponseMetadata struct {
			NextCursor string `json:"next_cursor"`
		} `json:"response_metadata"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return "", err
	}
	return meta.ResponseMetadata.NextCursor, nil
}

func (c *HTTPChatClient) call(ctx context.Context, method string, params url.Values, out any) error {
	body, err := c.do(ctx, method, params)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *HTTPChatClient) do(ctx context.Context, method string, params url.Values) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("chat client is nil")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := c.baseURL + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After"))}
	}

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("slack %s failed: status=%d: %w", method, resp.StatusCode, err)
	}
	if !envelope.OK {
		if envelope.Error == "ratelimited" {
			return nil, &RateLimitError{RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After"))}
		}
		return nil, &APIError{Method: method, Code: envelope.Error, Status: resp.StatusCode}
	}
	return body, nil
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Second
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}
