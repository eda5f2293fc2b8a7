package entity

import "time"

// Member roles.
const (
	RoleDriver  = "driver"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// Driver work statuses.
const (
	WorkStatusWorking    = "working"
	WorkStatusNotWorking = "not_working"
)

// Member is a platform user: driver, manager or admin of one merchant.
type Member struct {
	ID         int64
	MerchantID int64

	FirstName string
	LastName  string
	Email     string
	Role      string

	IsActive   bool
	WorkStatus string

	// DeviceToken is the push registration of the member's mobile device.
	// Empty means push is unavailable.
	DeviceToken string

	UpdatedAt time.Time
}

func (m *Member) Ref() Ref        { return Ref{Kind: KindMember, ID: m.ID} }
func (m *Member) TenantID() int64 { return m.MerchantID }
func (m *Member) StrRepr() string { return m.FirstName + " " + m.LastName }

func (m *Member) IsDriver() bool { return m.Role == RoleDriver }

// PushAvailable reports whether the member can receive push notifications.
func (m *Member) PushAvailable() bool { return m.DeviceToken != "" }

func (m *Member) Snapshot() map[string]any {
	return map[string]any{
		"first_name":  m.FirstName,
		"last_name":   m.LastName,
		"email":       m.Email,
		"role":        m.Role,
		"is_active":   m.IsActive,
		"work_status": m.WorkStatus,
	}
}
