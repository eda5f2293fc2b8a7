package routersync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaylab/project-relay/internal/core/entity"
)

// HTTPClient talks to the router's member API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, client: client}
}

func (c *HTTPClient) CreateMember(ctx context.Context, member *entity.Member) (int64, error) {
	var created struct {
		ID int64 `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, c.baseURL+"/members", memberBody(member), &created)
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

func (c *HTTPClient) UpdateMember(ctx context.Context, remoteID int64, member *entity.Member) error {
	url := fmt.Sprintf("%s/members/%d", c.baseURL, remoteID)
	return c.do(ctx, http.MethodPut, url, memberBody(member), nil)
}

func (c *HTTPClient) DeleteMember(ctx context.Context, remoteID int64) error {
	url := fmt.Sprintf("%s/members/%d", c.baseURL, remoteID)
	return c.do(ctx, http.MethodDelete, url, nil, nil)
}

func memberBody(member *entity.Member) map[string]any {
	return map[string]any{
		"external_id": member.ID,
		"first_name":  member.FirstName,
		"last_name":   member.LastName,
		"email":       member.Email,
		"role":        member.Role,
		"is_active":   member.IsActive,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body map[string]any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal router request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach router: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("router returned %s for %s %s", resp.Status, method, url)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode router response: %w", err)
		}
	}
	return nil
}
