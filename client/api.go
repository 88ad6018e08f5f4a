package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"travelchat/models"
)

const adminKeyHeader = "X-Admin-Key"

// APIError - ответ сервера с кодом не 2xx
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}

// Temporary - ошибку стоит повторить на следующем тике
func (e *APIError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError
}

// SendRequest - тело POST /api/v1/messages
type SendRequest struct {
	ConversationID string   `json:"conversation_id"`
	DisplayName    string   `json:"display_name,omitempty"`
	IsAdmin        bool     `json:"is_admin,omitempty"`
	Body           string   `json:"body"`
	AttachmentURLs []string `json:"attachment_urls,omitempty"`
}

// Settings - GET /api/v1/settings
type Settings struct {
	PollIntervalMs   int64  `json:"poll_interval_ms"`
	AdminDisplayName string `json:"admin_display_name"`
}

// PollInterval - интервал опроса сервера, DefaultPollInterval если не задан
func (s Settings) PollInterval() time.Duration {
	if s.PollIntervalMs <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// APIClient - HTTP-клиент чата. Гость работает с токеном, администратор с ключом.
type APIClient struct {
	baseURL  string
	http     *http.Client
	token    string
	adminKey string
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithGuestToken возвращает копию клиента с токеном гостя
func (c *APIClient) WithGuestToken(token string) *APIClient {
	cp := *c
	cp.token = token
	cp.adminKey = ""
	return &cp
}

// WithAdminKey возвращает копию клиента администратора
func (c *APIClient) WithAdminKey(key string) *APIClient {
	cp := *c
	cp.adminKey = key
	cp.token = ""
	return &cp
}

// GuestIdentity выдает новую идентичность или подтверждает переданный токен
func (c *APIClient) GuestIdentity(ctx context.Context, displayName, token string) (models.Identity, error) {
	var identity models.Identity
	body := map[string]string{"display_name": displayName, "token": token}
	// без заголовков авторизации: просроченный токен не должен давать 401
	err := c.anonymous().do(ctx, http.MethodPost, "/api/v1/guest/identity", body, &identity)
	return identity, err
}

func (c *APIClient) Settings(ctx context.Context) (Settings, error) {
	var settings Settings
	err := c.anonymous().do(ctx, http.MethodGet, "/api/v1/settings", nil, &settings)
	return settings, err
}

func (c *APIClient) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/api/v1/messages", req, &msg)
	return msg, err
}

// ListConversation реализует Source для сессии гостя
func (c *APIClient) ListConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/messages/"+url.PathEscape(conversationID), nil, &resp)
	return resp.Messages, err
}

func (c *APIClient) ListAll(ctx context.Context) ([]models.Message, error) {
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/messages", nil, &resp)
	return resp.Messages, err
}

func (c *APIClient) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &resp)
	return resp.Conversations, err
}

func (c *APIClient) MarkRead(ctx context.Context, conversationID string) (int64, error) {
	var resp struct {
		UpdatedCount int64 `json:"updated_count"`
	}
	path := "/api/v1/messages/" + url.PathEscape(conversationID) + "/read"
	err := c.do(ctx, http.MethodPatch, path, nil, &resp)
	return resp.UpdatedCount, err
}

func (c *APIClient) anonymous() *APIClient {
	cp := *c
	cp.token = ""
	cp.adminKey = ""
	return &cp
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *APIClient) authorize(h http.Header) {
	if c.adminKey != "" {
		h.Set(adminKeyHeader, c.adminKey)
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}
