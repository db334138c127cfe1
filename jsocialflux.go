// Package jsocialflux is a Go client for the JSocialFlux social network.
//
// It has two halves: a REST client for the request/response API, split into
// sub-clients, and RealtimeClient, a resilient WebSocket client that keeps
// channel subscriptions alive across reconnects.
//
// Example:
//
//	client := jsocialflux.NewClient(jsocialflux.WithBaseURL("https://api.example.com"))
//	_, _ = client.Auth.Login(ctx, "alice", "secret")
//
//	page, _ := client.Chats.List(ctx, nil, 20)
//
//	rt := client.NewRealtime("", nil)
//	defer rt.Close()
//	off := rt.OnMessage(func(ev jsocialflux.Event) { ... })
//	defer off()
//	_ = rt.Subscribe(ctx, "chat:42")
package jsocialflux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client

	Auth     *AuthClient
	Feed     *FeedClient
	Chats    *ChatsClient
	Messages *MessagesClient
	Posts    *PostsClient
	Photos   *PhotosClient
	Users    *UsersClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the HTTP client. A cookie jar is added when the
// client has none, so the session cookie set by login is kept.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a new JSocialFlux client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient.Jar == nil {
		// cookiejar.New only fails on a bad PublicSuffixList option.
		jar, _ := cookiejar.New(nil)
		c.httpClient.Jar = jar
	}

	c.Auth = &AuthClient{c: c}
	c.Feed = &FeedClient{c: c}
	c.Chats = &ChatsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Posts = &PostsClient{c: c}
	c.Photos = &PhotosClient{c: c}
	c.Users = &UsersClient{c: c}
	return c
}

// SetToken sets or clears the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RealtimeURL resolves the realtime endpoint, preferring override.
func (c *Client) RealtimeURL(override string) string {
	return ResolveRealtimeURL(override, c.baseURL, "")
}

// NewRealtime creates a RealtimeClient that shares this client's session
// cookies and bearer token. It starts connecting immediately.
func (c *Client) NewRealtime(override string, config *RealtimeConfig, opts ...RealtimeOption) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.Token()
	}
	if cfg.HTTPClient == nil {
		// Handshake uses the jar but must not inherit the request timeout.
		cfg.HTTPClient = &http.Client{Jar: c.httpClient.Jar, Transport: c.httpClient.Transport}
	}
	return NewRealtimeClient(c.RealtimeURL(override), &cfg, opts...)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, query url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader, query)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// newAPIError pulls a message out of a JSON error body, falling back to the
// raw text.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error", "message", "detail"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
				e.Message = v.String()
				return e
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 512 {
		e.Message = text
	}
	return e
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func getJSON[T any](ctx context.Context, c *Client, path string, query url.Values) (*T, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

func sendJSON[T any](ctx context.Context, c *Client, method, path string, body interface{}) (*T, error) {
	data, err := c.doRequest(ctx, method, path, body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func pageQuery(size int) url.Values {
	q := url.Values{}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	return q
}

func tsCursorQuery(cursor *TSCursor, size int) url.Values {
	q := pageQuery(size)
	if cursor != nil {
		q.Set("cursorTs", strconv.FormatInt(cursor.TS, 10))
		q.Set("cursorId", strconv.FormatInt(cursor.ID, 10))
	}
	return q
}

func epochCursorQuery(cursor *EpochCursor, size int) url.Values {
	q := pageQuery(size)
	if cursor != nil {
		q.Set("cursorEpochMs", strconv.FormatInt(cursor.EpochMs, 10))
		q.Set("cursorId", strconv.FormatInt(cursor.ID, 10))
	}
	return q
}

func userCursorQuery(cursor *int64, size int, search string) url.Values {
	q := pageQuery(size)
	if cursor != nil {
		q.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	if search != "" {
		q.Set("q", search)
	}
	return q
}

func id64(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ============================================================================
// Auth
// ============================================================================

type AuthClient struct{ c *Client }

// Me returns the signed-in user.
func (a *AuthClient) Me(ctx context.Context) (*Me, error) {
	return getJSON[Me](ctx, a.c, "/api/auth/me", nil)
}

// Login signs in. The session cookie is kept in the client's jar and a
// returned token becomes the client's bearer token.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*JwtResponse, error) {
	res, err := sendJSON[JwtResponse](ctx, a.c, http.MethodPost, "/api/auth/login", &Credentials{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	res.Success = true
	if res.Token != "" {
		a.c.SetToken(res.Token)
	}
	return res, nil
}

// Register creates an account. An existing username yields a 409 *APIError.
func (a *AuthClient) Register(ctx context.Context, username, password string) (*JwtResponse, error) {
	return sendJSON[JwtResponse](ctx, a.c, http.MethodPost, "/api/auth/register", &Credentials{Username: username, Password: password})
}

// Logout ends the session and clears the bearer token.
func (a *AuthClient) Logout(ctx context.Context) error {
	_, err := a.c.doRequest(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	a.c.SetToken("")
	return err
}

// ============================================================================
// Feed
// ============================================================================

type FeedClient struct{ c *Client }

// List returns one feed page. A nil cursor starts from the newest item.
func (f *FeedClient) List(ctx context.Context, cursor *FeedCursor, size int) (*FeedSlice, error) {
	q := pageQuery(size)
	if cursor != nil && cursor.TS != 0 && cursor.Type != "" {
		q.Set("cursorTs", strconv.FormatInt(cursor.TS, 10))
		q.Set("cursorType", string(cursor.Type))
		q.Set("cursorId", strconv.FormatInt(cursor.ID, 10))
	}
	return getJSON[FeedSlice](ctx, f.c, "/api/feed", q)
}

// DeleteItem removes a post or photo shown in the feed.
func (f *FeedClient) DeleteItem(ctx context.Context, typ FeedType, id int64) error {
	plural := "photos"
	if typ == FeedPost {
		plural = "posts"
	}
	_, err := f.c.doRequest(ctx, http.MethodDelete, "/api/"+plural+"/"+id64(id), nil, nil)
	return err
}

// ============================================================================
// Chats & Messages
// ============================================================================

type ChatsClient struct{ c *Client }

// List returns the caller's chats, most recent activity first.
func (ch *ChatsClient) List(ctx context.Context, cursor *EpochCursor, size int) (*ChatSlice, error) {
	return getJSON[ChatSlice](ctx, ch.c, "/api/chats", epochCursorQuery(cursor, size))
}

// StartPrivate opens (or creates) a one-to-one chat with username.
func (ch *ChatsClient) StartPrivate(ctx context.Context, username string) (*ChatOpen, error) {
	return sendJSON[ChatOpen](ctx, ch.c, http.MethodPost, "/api/chats/private", map[string]string{"username": username})
}

// CreateGroup creates a group chat with the given members.
func (ch *ChatsClient) CreateGroup(ctx context.Context, name string, usernames []string) (*ChatOpen, error) {
	return sendJSON[ChatOpen](ctx, ch.c, http.MethodPost, "/api/chats/group", &CreateGroupChatRequest{Name: name, Usernames: usernames})
}

type MessagesClient struct{ c *Client }

// List returns one page of chat history, newest first.
func (m *MessagesClient) List(ctx context.Context, chatID int64, cursor *EpochCursor, size int) (*MessageSlice, error) {
	q := epochCursorQuery(cursor, size)
	// The history endpoint sits behind caches that ignore Cache-Control.
	q.Set("_t", strconv.FormatInt(time.Now().UnixMilli(), 10))
	return getJSON[MessageSlice](ctx, m.c, "/api/chats/"+id64(chatID)+"/messages", q)
}

// Send posts a message. The server also pushes it on chat:<id>.
func (m *MessagesClient) Send(ctx context.Context, chatID int64, content string) (*MessageDTO, error) {
	body := map[string]interface{}{"chatId": chatID, "content": content}
	return sendJSON[MessageDTO](ctx, m.c, http.MethodPost, "/api/chats/"+id64(chatID)+"/messages", body)
}

func (m *MessagesClient) Delete(ctx context.Context, chatID, messageID int64) error {
	_, err := m.c.doRequest(ctx, http.MethodDelete, "/api/chats/"+id64(chatID)+"/messages/"+id64(messageID), nil, nil)
	return err
}

// ============================================================================
// Posts
// ============================================================================

type PostsClient struct{ c *Client }

func (p *PostsClient) Get(ctx context.Context, id int64) (*Post, error) {
	return getJSON[Post](ctx, p.c, "/api/posts/"+id64(id), nil)
}

func (p *PostsClient) Create(ctx context.Context, content string) (*PostCard, error) {
	return sendJSON[PostCard](ctx, p.c, http.MethodPost, "/api/posts", map[string]string{"content": content})
}

func (p *PostsClient) Update(ctx context.Context, id int64, content string) (*Post, error) {
	return sendJSON[Post](ctx, p.c, http.MethodPatch, "/api/posts/"+id64(id), map[string]string{"content": content})
}

func (p *PostsClient) Delete(ctx context.Context, id int64) error {
	_, err := p.c.doRequest(ctx, http.MethodDelete, "/api/posts/"+id64(id), nil, nil)
	return err
}

// ListByUser returns a page of username's posts.
func (p *PostsClient) ListByUser(ctx context.Context, username string, cursor *TSCursor, size int) (*Slice[PostCard], error) {
	return getJSON[Slice[PostCard]](ctx, p.c, "/api/users/"+url.PathEscape(username)+"/posts", tsCursorQuery(cursor, size))
}

func (p *PostsClient) ListComments(ctx context.Context, postID int64, cursor *TSCursor, size int) (*Slice[Comment], error) {
	return listComments(ctx, p.c, "posts", postID, cursor, size)
}

func (p *PostsClient) CreateComment(ctx context.Context, postID int64, content string) (*Comment, error) {
	return createComment(ctx, p.c, "posts", postID, content)
}

// DeleteComment removes a comment. It reports false when the caller may
// not delete it.
func (p *PostsClient) DeleteComment(ctx context.Context, postID, commentID int64) (bool, error) {
	return deleteComment(ctx, p.c, "posts", postID, commentID)
}

func listComments(ctx context.Context, c *Client, kind string, id int64, cursor *TSCursor, size int) (*Slice[Comment], error) {
	return getJSON[Slice[Comment]](ctx, c, "/api/"+kind+"/"+id64(id)+"/comments", tsCursorQuery(cursor, size))
}

func createComment(ctx context.Context, c *Client, kind string, id int64, content string) (*Comment, error) {
	return sendJSON[Comment](ctx, c, http.MethodPost, "/api/"+kind+"/"+id64(id)+"/comments", map[string]string{"content": content})
}

func deleteComment(ctx context.Context, c *Client, kind string, id, commentID int64) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/"+kind+"/"+id64(id)+"/comments/"+id64(commentID), nil, nil)
	if IsStatus(err, http.StatusForbidden) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ============================================================================
// Users
// ============================================================================

type UsersClient struct{ c *Client }

func (u *UsersClient) Profile(ctx context.Context, username string) (*UserProfile, error) {
	return getJSON[UserProfile](ctx, u.c, "/api/users/"+url.PathEscape(username), nil)
}

func (u *UsersClient) Follow(ctx context.Context, username string) error {
	_, err := u.c.doRequest(ctx, http.MethodPost, "/api/users/"+url.PathEscape(username)+"/follow", nil, nil)
	return err
}

func (u *UsersClient) Unfollow(ctx context.Context, username string) error {
	_, err := u.c.doRequest(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(username)+"/follow", nil, nil)
	return err
}

// Followers lists who follows username, optionally filtered by search.
func (u *UsersClient) Followers(ctx context.Context, username string, cursor *int64, size int, search string) (*UserSlice, error) {
	return getJSON[UserSlice](ctx, u.c, "/api/users/"+url.PathEscape(username)+"/followers", userCursorQuery(cursor, size, search))
}

// Following lists who username follows, optionally filtered by search.
func (u *UsersClient) Following(ctx context.Context, username string, cursor *int64, size int, search string) (*UserSlice, error) {
	return getJSON[UserSlice](ctx, u.c, "/api/users/"+url.PathEscape(username)+"/following", userCursorQuery(cursor, size, search))
}

// Search finds users by name.
func (u *UsersClient) Search(ctx context.Context, query string, cursor *int64, size int) (*UserSlice, error) {
	return getJSON[UserSlice](ctx, u.c, "/api/search", userCursorQuery(cursor, size, query))
}

// Suggestions returns users the caller might want to follow.
func (u *UsersClient) Suggestions(ctx context.Context, query string, cursor *int64, size int) (*UserSlice, error) {
	return getJSON[UserSlice](ctx, u.c, "/api/users/suggestions", userCursorQuery(cursor, size, query))
}
