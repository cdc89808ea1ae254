// Package remote is the HTTP client for the clinsync record server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sentinel errors for common HTTP error classes. The rejection sentinels
// are terminal: retrying the same write can never succeed.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrRejectedImmutable = errors.New("rejected: server version is signed and immutable")
	ErrRejectedLocked    = errors.New("rejected: server version is locked")
)

// Terminal reports whether err is a rejection that must not be retried.
func Terminal(err error) bool {
	return errors.Is(err, ErrRejectedImmutable) || errors.Is(err, ErrRejectedLocked)
}

// Client is an HTTP client for the clinsync record server.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a new record server client.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Record is one tracked record on the wire. Payload carries the full row
// verbatim; the remaining fields are the metadata the resolver needs
// without decoding the payload.
type Record struct {
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Payload         json.RawMessage `json:"payload"`
	LastModifiedUTC time.Time       `json:"last_modified_utc"`
	ModifiedBy      string          `json:"modified_by_user_id"`
	SignatureHash   string          `json:"signature_hash,omitempty"`
	Locked          bool            `json:"locked,omitempty"`
	Deleted         bool            `json:"deleted,omitempty"`
	ServerUpdatedAt time.Time       `json:"server_updated_at,omitempty"`
}

// ChangeSet is a page of server-side changes since a cursor.
type ChangeSet struct {
	Records    []Record  `json:"records"`
	HasMore    bool      `json:"has_more"`
	ServerTime time.Time `json:"server_time"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck verifies server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchRecord fetches the server's current version of a record. A missing
// record returns (nil, nil) rather than an error; push treats that as no
// competing version.
func (c *Client) FetchRecord(ctx context.Context, entityType, entityID string) (*Record, error) {
	var rec Record
	err := c.do(ctx, "GET", fmt.Sprintf("/v1/records/%s/%s", entityType, entityID), nil, &rec)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PushRecord uploads a record version. The server enforces its own
// immutability rules and answers 409 when the stored version is signed or
// locked, which surfaces here as a terminal rejection sentinel.
func (c *Client) PushRecord(ctx context.Context, rec *Record) error {
	return c.do(ctx, "PUT", fmt.Sprintf("/v1/records/%s/%s", rec.EntityType, rec.EntityID), rec, nil)
}

// DeleteRecord propagates a soft delete to the server.
func (c *Client) DeleteRecord(ctx context.Context, entityType, entityID string) error {
	return c.do(ctx, "DELETE", fmt.Sprintf("/v1/records/%s/%s", entityType, entityID), nil, nil)
}

// Changes fetches records modified on the server since the cursor. A nil
// cursor fetches everything (first sync).
func (c *Client) Changes(ctx context.Context, since *time.Time, limit int) (*ChangeSet, error) {
	params := url.Values{}
	if since != nil {
		params.Set("since_utc", since.UTC().Format(time.RFC3339Nano))
	}
	params.Set("limit", strconv.Itoa(limit))

	var resp ChangeSet
	if err := c.do(ctx, "GET", "/v1/changes?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// errorBody is the standard error envelope from the server.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.Unmarshal(respBody, &eb)
		msg := eb.Error.Message
		if msg == "" {
			msg = string(respBody)
		}

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case http.StatusConflict:
			switch eb.Error.Code {
			case "rejected_locked":
				return fmt.Errorf("%w: %s", ErrRejectedLocked, msg)
			default:
				return fmt.Errorf("%w: %s", ErrRejectedImmutable, msg)
			}
		default:
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
