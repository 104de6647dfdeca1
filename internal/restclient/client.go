// Package restclient persists annotations through the REST collaborator. It
// implements store.Persister.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	domainerrors "github.com/docmark/annotator/internal/errors"
	"github.com/docmark/annotator/internal/models"
)

// Identity headers sent with every request.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
)

var errMissingRecord = errors.New("response carries no annotation")

// Client talks to the annotations API.
type Client struct {
	baseURL    *url.URL
	user       models.UserRef
	logger     *zap.Logger
	httpClient *http.Client
}

// New creates a client for the API at baseURL acting as user.
func New(baseURL string, user models.UserRef, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q: scheme and host are required", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: u,
		user:    user,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// List fetches every annotation of a version.
func (c *Client) List(ctx context.Context, versionID string) ([]models.Annotation, error) {
	var out models.AnnotationsResponse
	q := url.Values{"version": {versionID}}
	if err := c.do(ctx, http.MethodGet, "/annotations", q, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return []models.Annotation{}, nil
	}
	return out.Data, nil
}

// Create persists a draft. The server assigns the id and timestamps.
func (c *Client) Create(ctx context.Context, versionID string, draft models.Annotation) (*models.Annotation, error) {
	draft.ID = ""
	draft.VersionID = versionID

	var out models.AnnotationResponse
	q := url.Values{"version": {versionID}}
	if err := c.do(ctx, http.MethodPost, "/annotations", q, draft, &out); err != nil {
		return nil, err
	}
	return record(out)
}

// Update sends a partial update.
func (c *Client) Update(ctx context.Context, id string, patch models.AnnotationPatch) (*models.Annotation, error) {
	var out models.AnnotationResponse
	if err := c.do(ctx, http.MethodPut, "/annotations/"+url.PathEscape(id), nil, patch, &out); err != nil {
		return nil, err
	}
	return record(out)
}

// record rejects a success response that carries no annotation, such as an
// empty body or a 204.
func record(out models.AnnotationResponse) (*models.Annotation, error) {
	if out.Data.ID == "" {
		return nil, domainerrors.Persistence("malformed response", errMissingRecord)
	}
	return &out.Data, nil
}

// Delete removes an annotation.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/annotations/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := *c.baseURL
	target.Path = c.baseURL.Path + path
	target.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderUserID, c.user.ID)
	req.Header.Set(HeaderUserName, c.user.Name)

	c.logger.Debug("API request",
		zap.String("method", method),
		zap.String("target", target.String()),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domainerrors.Persistence("annotation service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domainerrors.Persistence("failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, respBody)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return domainerrors.Persistence("malformed response", err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	code := domainerrors.CodeForStatus(status)

	var payload models.ErrorResponse
	msg := http.StatusText(status)
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		msg = payload.Message
	}

	return &domainerrors.Error{Code: code, Message: msg, Details: payload.Details}
}
