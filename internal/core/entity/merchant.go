package entity

import "time"

// Merchant is the tenant: all data isolation, webhook routing and feature
// toggles hang off it.
type Merchant struct {
	ID   int64
	Name string

	// Webhook configuration. Token is the shared secret the receiver
	// validates out-of-band; URLs may be empty when webhooks are disabled.
	WebhookURLs  []string
	WebhookToken string

	// WebhookFailedTimes counts consecutive delivery failures across all
	// configured URLs. Past the abandonment threshold the merchant is
	// flagged and a periodic alerting job takes over.
	WebhookFailedTimes int
	WebhookAbandoned   bool

	EnableConcatenatedOrders bool
	NotifyNotAssignedOrders  bool

	// ChecklistID, when set, is the daily driver checklist template.
	ChecklistID *int64

	Timezone string

	UpdatedAt time.Time
}

func (m *Merchant) Ref() Ref        { return Ref{Kind: KindMerchant, ID: m.ID} }
func (m *Merchant) TenantID() int64 { return m.ID }
func (m *Merchant) StrRepr() string { return m.Name }

func (m *Merchant) Snapshot() map[string]any {
	return map[string]any{
		"name":                       m.Name,
		"enable_concatenated_orders": m.EnableConcatenatedOrders,
		"notify_not_assigned_orders": m.NotifyNotAssignedOrders,
	}
}

// Location returns the merchant's time zone, defaulting to UTC.
func (m *Merchant) Location() *time.Location {
	if m.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
