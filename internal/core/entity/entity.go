package entity

import "fmt"

// Kind tags the concrete type behind a weak entity reference.
// The event log stores (kind, id) pairs instead of foreign keys so that
// events survive hard deletion of the rows they describe.
type Kind string

const (
	KindOrder             Kind = "order"
	KindConcatenatedOrder Kind = "concatenated_order"
	KindMember            Kind = "member"
	KindMerchant          Kind = "merchant"
	KindChecklist         Kind = "checklist"
)

// Known reports whether k is one of the kinds the event log supports.
func (k Kind) Known() bool {
	switch k {
	case KindOrder, KindConcatenatedOrder, KindMember, KindMerchant, KindChecklist:
		return true
	}
	return false
}

// Ref is a weak polymorphic reference to a tracked entity.
// Resolving a Ref may legitimately find nothing: the log outlives the entity.
type Ref struct {
	Kind Kind
	ID   int64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// IsZero reports whether the reference points at nothing.
func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == 0
}
