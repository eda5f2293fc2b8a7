package entity

import "time"

// Checklist template kinds.
const (
	ChecklistStartOfDay = "start_of_day"
	ChecklistEndOfDay   = "end_of_day"
	ChecklistJob        = "job"
)

// ResultChecklist is one driver's answers against a checklist template,
// either per job or per working day.
type ResultChecklist struct {
	ID          int64
	ChecklistID int64
	MerchantID  int64

	DriverID *int64
	OrderID  *int64

	// Day is the merchant-local date the daily checklist belongs to
	// (zero for job checklists).
	Day time.Time

	ChecklistType string
	IsPassed      bool

	UpdatedAt time.Time
}

func (c *ResultChecklist) Ref() Ref        { return Ref{Kind: KindChecklist, ID: c.ID} }
func (c *ResultChecklist) TenantID() int64 { return c.MerchantID }
func (c *ResultChecklist) StrRepr() string { return "Checklist result" }

func (c *ResultChecklist) Snapshot() map[string]any {
	return map[string]any{
		"is_passed":      c.IsPassed,
		"checklist_type": c.ChecklistType,
	}
}
