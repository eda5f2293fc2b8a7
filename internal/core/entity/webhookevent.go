package entity

import "time"

// WebhookEvent is one delivery attempt of an event payload to a merchant
// webhook URL. Rows are append-only; the merchant's failure counter is
// maintained separately on the merchant record.
type WebhookEvent struct {
	ID         int64
	MerchantID int64
	EventID    int64

	URL        string
	Payload    map[string]any
	StatusCode int
	Success    bool
	Error      string

	CreatedAt time.Time
}
