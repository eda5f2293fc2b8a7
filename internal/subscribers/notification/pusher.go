package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaylab/project-relay/internal/core/entity"
)

// HTTPPusher delivers notifications through a push-gateway endpoint that
// fans them out to the member's registered device.
type HTTPPusher struct {
	url    string
	client *http.Client
}

func NewHTTPPusher(url string, client *http.Client) *HTTPPusher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPusher{url: url, client: client}
}

func (p *HTTPPusher) Push(ctx context.Context, member *entity.Member, n Notification) error {
	body, err := json.Marshal(map[string]any{
		"device_token": member.DeviceToken,
		"type":         n.Type,
		"data":         n.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach push gateway: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %s", resp.Status)
	}
	return nil
}

// LogPusher logs instead of delivering. The default when no push gateway
// is configured, so environments without one still see what would be sent.
type LogPusher struct{}

func (LogPusher) Push(_ context.Context, member *entity.Member, n Notification) error {
	slog.Info("[Notification] Push (no gateway configured)",
		"member_id", member.ID,
		"type", n.Type,
		"data", n.Data)
	return nil
}
