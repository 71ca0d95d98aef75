// Package rest is the request/response client for the support backend:
// session creation, image upload and message backlog.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/supportsync/supportsync-go/internal/domain"
)

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error (HTTP %d): %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client talks to the support backend REST surface.
type Client struct {
	baseURL    string
	authHeader string
	http       *http.Client
	validate   *validator.Validate
}

// NewClient creates a backend client. authHeader is sent verbatim as the
// Authorization header when non-empty.
func NewClient(baseURL, authHeader string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		authHeader: authHeader,
		http:       &http.Client{Timeout: timeout},
		validate:   validator.New(),
	}
}

// StartSession creates a chat session for the user.
func (c *Client) StartSession(ctx context.Context, req domain.SessionRequest) (*domain.ChatSession, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid session request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/chat.startSession", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	var session domain.ChatSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	log.Debug().Interface("session_id", session.ID).Msg("session created")
	return &session, nil
}

// UploadImage posts the image as multipart form data and returns the stored
// file reference. The caller supplies bytes already bounded by the
// compression collaborator; no resizing happens here.
func (c *Client) UploadImage(ctx context.Context, userID int64, filename string, image []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("userId", strconv.FormatInt(userID, 10)); err != nil {
		return "", fmt.Errorf("write userId part: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize multipart body: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/chat/uploadImage", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}

	var resp domain.UploadImageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if resp.FilePath == "" {
		return "", fmt.Errorf("upload image: empty file path in response")
	}
	return resp.FilePath, nil
}

// GetMessages fetches the stored backlog for a session.
func (c *Client) GetMessages(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	path := fmt.Sprintf("/chat/sessions/%d/messages", sessionID)
	data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	var messages []domain.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return messages, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
