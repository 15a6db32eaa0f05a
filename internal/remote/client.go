package remote

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

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"go.uber.org/zap"
)

const (
	// HeaderDeviceID identifies the installation that issued a write.
	HeaderDeviceID = "X-Device-Id"
	// HeaderLocalID carries the client id of a created record so the server can deduplicate replays.
	HeaderLocalID = "X-Local-Id"

	defaultBaseURL = "http://127.0.0.1:8080"
	defaultTimeout = 15 * time.Second
)

// Record is the server representation of one entity.
type Record struct {
	EntityType entities.EntityType `json:"entity_type"`
	ID         string              `json:"id"`
	Version    int64               `json:"version"`
	Deleted    bool                `json:"deleted,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
	Data       json.RawMessage     `json:"data,omitempty"`
}

// ChangeFeed is one page of the server change log.
type ChangeFeed struct {
	Changes    []Record  `json:"changes"`
	NextCursor string    `json:"next_cursor,omitempty"`
	ServerTime time.Time `json:"server_time"`
}

// ErrorBody is the JSON error envelope shared by client and server.
type ErrorBody struct {
	Error   string  `json:"error"`
	Message string  `json:"message,omitempty"`
	Current *Record `json:"current,omitempty"`
}

// API is the authoritative server as seen by the reconciler. Implementations make exactly one
// attempt per call; retry policy belongs to the caller.
type API interface {
	Create(ctx context.Context, entityType entities.EntityType, localID string, payload json.RawMessage) (Record, error)
	Update(ctx context.Context, entityType entities.EntityType, id string, baseVersion int64, payload json.RawMessage) (Record, error)
	Delete(ctx context.Context, entityType entities.EntityType, id string, baseVersion int64) error
	Changes(ctx context.Context, since time.Time, cursor string, limit int) (ChangeFeed, error)
}

// Config describes how to reach the remote API.
type Config struct {
	BaseURL    string
	Token      string
	DeviceID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPClient implements API over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	deviceID   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient builds a client, applying defaults for empty fields.
func NewHTTPClient(cfg Config) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		deviceID:   strings.TrimSpace(cfg.DeviceID),
		httpClient: httpClient,
		logger:     logger,
	}
}

func entityPath(entityType entities.EntityType, id string) string {
	path := "/v1/entities/" + url.PathEscape(entityType.String())
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	return path
}

func versionHeader(baseVersion int64) map[string]string {
	return map[string]string{"If-Match": strconv.FormatInt(baseVersion, 10)}
}

func (c *HTTPClient) Create(ctx context.Context, entityType entities.EntityType, localID string, payload json.RawMessage) (Record, error) {
	headers := map[string]string{}
	if localID != "" {
		headers[HeaderLocalID] = localID
	}
	var out Record
	err := c.doJSON(ctx, http.MethodPost, entityPath(entityType, ""), headers, payload, &out)
	return out, err
}

func (c *HTTPClient) Update(ctx context.Context, entityType entities.EntityType, id string, baseVersion int64, payload json.RawMessage) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodPut, entityPath(entityType, id), versionHeader(baseVersion), payload, &out)
	return out, err
}

func (c *HTTPClient) Delete(ctx context.Context, entityType entities.EntityType, id string, baseVersion int64) error {
	return c.doJSON(ctx, http.MethodDelete, entityPath(entityType, id), versionHeader(baseVersion), nil, nil)
}

func (c *HTTPClient) Changes(ctx context.Context, since time.Time, cursor string, limit int) (ChangeFeed, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if strings.TrimSpace(cursor) != "" {
		q.Set("cursor", strings.TrimSpace(cursor))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	requestPath := "/v1/changes"
	if encoded := q.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var out ChangeFeed
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, nil, &out)
	return out, err
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body json.RawMessage,
	out any,
) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		req.Header.Set(HeaderDeviceID, c.deviceID)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed",
			zap.String("method", method),
			zap.String("path", requestPath),
			zap.Error(err))
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	c.logger.Debug("remote request",
		zap.String("method", method),
		zap.String("path", requestPath),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		if err := json.Unmarshal(payloadBytes, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, requestPath, err)
		}
		return nil
	}

	var errPayload ErrorBody
	_ = json.Unmarshal(payloadBytes, &errPayload)
	message := errPayload.Message
	if message == "" {
		message = strings.TrimSpace(string(payloadBytes))
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Error,
		Message:    message,
		Current:    errPayload.Current,
	}
}
