package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatsync/internal/entity"
)

const (
	msgSessionExpired = "Session expired. Please log in again."
	msgServerError    = "Server error. Please try again later."
	msgForbidden      = "You do not have permission for this action."
	msgUnexpected     = "An unexpected error occurred."
)

// APIError is a non-2xx answer from the chat API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// ApiClient reads chats, messages and users from the chat server's REST API
// and uploads files to it. It implements every repository interface.
type ApiClient struct {
	baseUrl string
	token   string
	client  *http.Client
}

func NewApiClient(baseUrl, token string, client *http.Client) *ApiClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ApiClient{
		baseUrl: strings.TrimRight(baseUrl, "/"),
		token:   token,
		client:  client,
	}
}

func (c *ApiClient) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseUrl + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *ApiClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func apiError(status int, body []byte) error {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)

	switch {
	case status == http.StatusUnauthorized:
		if payload.Message != "" {
			return &APIError{Status: status, Message: payload.Message}
		}
		return &APIError{Status: status, Message: msgSessionExpired}
	case status >= 500:
		return &APIError{Status: status, Message: msgServerError}
	case status == http.StatusForbidden:
		return &APIError{Status: status, Message: msgForbidden}
	case payload.Message != "":
		return &APIError{Status: status, Message: payload.Message}
	}

	if text := strings.TrimSpace(string(body)); text != "" && !strings.HasPrefix(text, "{") {
		return &APIError{Status: status, Message: text}
	}
	return &APIError{Status: status, Message: msgUnexpected}
}

// Index implements ChatRepository: GET /chats?userId=&search=.
func (c *ApiClient) Index(ctx context.Context, userId, search string) ([]entity.Chat, error) {
	q := url.Values{}
	q.Set("userId", userId)
	if search != "" {
		q.Set("search", search)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/chats", q, nil)
	if err != nil {
		return nil, err
	}

	var chats []entity.Chat
	if err := c.do(req, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// GetByChatId implements MessageRepository.
func (c *ApiClient) GetByChatId(ctx context.Context, chatId string) ([]entity.Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/chats/getChatMessages/"+url.PathEscape(chatId), nil, nil)
	if err != nil {
		return nil, err
	}

	var messages []entity.Message
	if err := c.do(req, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Current returns the user the access token belongs to.
func (c *ApiClient) Current(ctx context.Context) (entity.User, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/users/userDetails", nil, nil)
	if err != nil {
		return entity.User{}, err
	}

	var user entity.User
	if err := c.do(req, &user); err != nil {
		return entity.User{}, err
	}
	return user, nil
}

// Get implements UserRepository. The API only exposes the current user and
// the full list, so other ids are looked up in the list.
func (c *ApiClient) Get(ctx context.Context, userId string) (entity.User, error) {
	current, err := c.Current(ctx)
	if err == nil && (userId == "" || current.Id == userId) {
		return current, nil
	}

	users, listErr := c.Users(ctx)
	if listErr != nil {
		if err != nil {
			return entity.User{}, err
		}
		return entity.User{}, listErr
	}
	for _, u := range users {
		if u.Id == userId {
			return u, nil
		}
	}
	return entity.User{}, ErrUserNotFound
}

// Users implements UserRepository: GET /users/all.
func (c *ApiClient) Users(ctx context.Context) ([]entity.User, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/users/all", nil, nil)
	if err != nil {
		return nil, err
	}

	var users []entity.User
	if err := c.do(req, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Upload implements FileRepository: multipart POST /chats/upload.
func (c *ApiClient) Upload(ctx context.Context, upload entity.FileUpload) (entity.UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", upload.FileName)
	if err != nil {
		return entity.UploadResponse{}, err
	}
	if _, err := io.Copy(part, upload.Content); err != nil {
		return entity.UploadResponse{}, err
	}
	if err := mw.WriteField("chatId", upload.ChatId); err != nil {
		return entity.UploadResponse{}, err
	}
	if err := mw.WriteField("senderId", upload.SenderId); err != nil {
		return entity.UploadResponse{}, err
	}
	if err := mw.Close(); err != nil {
		return entity.UploadResponse{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/chats/upload", nil, &buf)
	if err != nil {
		return entity.UploadResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp entity.UploadResponse
	if err := c.do(req, &resp); err != nil {
		return entity.UploadResponse{}, err
	}
	if !resp.Success {
		return resp, ErrUploadRejected
	}
	return resp, nil
}

var (
	_ ChatRepository    = (*ApiClient)(nil)
	_ MessageRepository = (*ApiClient)(nil)
	_ UserRepository    = (*ApiClient)(nil)
	_ FileRepository    = (*ApiClient)(nil)
)
