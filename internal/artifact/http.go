package artifact

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

	"github.com/Iron-Ham/stagehand/internal/errors"
)

// UserAgent is sent with every remote request.
const UserAgent = "stagehand/0.1"

// APIError is a non-2xx response from the remote store.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("document store error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("document store error %d: %s", e.Status, e.Message)
}

// Is maps 401 to ErrUnauthorized and 404 to ErrNotFound.
func (e *APIError) Is(target error) bool {
	switch target {
	case errors.ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case errors.ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// HTTPClient is a Store backed by the remote document store REST API. Roots
// are books; artifacts are files addressed by path.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client. A zero timeout means 60 seconds.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// do sends a JSON request and decodes the "data" member of the envelope (or
// the whole body when there is none) into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		raw = env.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func apiError(status int, raw []byte) *APIError {
	e := &APIError{Status: status}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		e.Code = body.Error.Code
		e.Message = body.Error.Message
	}
	if e.Message == "" {
		switch status {
		case http.StatusUnauthorized:
			e.Message = "authentication failed"
		case http.StatusNotFound:
			e.Message = "not found"
		default:
			e.Message = http.StatusText(status)
		}
	}
	return e
}

func filesPath(root, op string) string {
	return fmt.Sprintf("/api/v1/books/%s/mcp/files/%s", url.PathEscape(root), op)
}

// CreateRoot creates a book.
func (c *HTTPClient) CreateRoot(ctx context.Context, title, description string) (string, error) {
	var book struct {
		Token string `json:"token"`
	}
	body := map[string]any{"book": map[string]any{"title": title, "description": description}}
	if err := c.do(ctx, http.MethodPost, "/api/v1/books", body, &book); err != nil {
		return "", err
	}
	if book.Token == "" {
		return "", fmt.Errorf("document store returned no book token")
	}
	return book.Token, nil
}

type commit struct {
	Token         string `json:"token"`
	FilesSnapshot []Node `json:"filesSnapshot"`
}

// GetStructure returns the files snapshot of the book's latest commit.
func (c *HTTPClient) GetStructure(ctx context.Context, root string) ([]Node, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/api/v1/books/%s/commits?limit=1", url.PathEscape(root))
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	var commits []commit
	if err := json.Unmarshal(raw, &commits); err != nil {
		var wrapped struct {
			Commits []commit `json:"commits"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to decode commits: %w", err)
		}
		commits = wrapped.Commits
	}
	if len(commits) == 0 {
		return nil, nil
	}
	return commits[0].FilesSnapshot, nil
}

type fileRequest struct {
	Path          string `json:"path"`
	Content       string `json:"content,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
}

// CreateArtifact creates a file. A 409/422 conflict maps to ErrExists.
func (c *HTTPClient) CreateArtifact(ctx context.Context, root, p, content, message string) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	err = c.do(ctx, http.MethodPost, filesPath(root, "create"),
		fileRequest{Path: clean, Content: content, CommitMessage: message}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusConflict || apiErr.Status == http.StatusUnprocessableEntity) {
		return fmt.Errorf("%w: %s", ErrExists, clean)
	}
	return err
}

// WriteArtifact updates an existing file.
func (c *HTTPClient) WriteArtifact(ctx context.Context, root, p, content, message string) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, filesPath(root, "update"),
		fileRequest{Path: clean, Content: content, CommitMessage: message}, nil)
}

// ReadArtifact reads a file.
func (c *HTTPClient) ReadArtifact(ctx context.Context, root, p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	var resp struct {
		Content string `json:"content"`
	}
	if err := c.do(ctx, http.MethodPost, filesPath(root, "read"), fileRequest{Path: clean}, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}
