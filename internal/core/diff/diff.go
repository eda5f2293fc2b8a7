// Package diff computes field-level differences between two snapshots of a
// trackable entity. It is the first stage of the event pipeline: an empty
// delta means no events are created at all.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTimeTolerance is how far apart two timestamps may be and still
// compare equal under the fold_time policy. Sub-second drift shows up when
// the same value crosses layers that round to different precisions.
const DefaultTimeTolerance = time.Second

// Policy configures per-field equality folding. The zero value folds nothing.
//
// FoldEmpty treats nil and the empty string as equal, absorbing cross-layer
// defaulting ("" written where NULL was read). FoldTime treats two
// timestamps within TimeTolerance as equal.
type Policy struct {
	FoldEmpty     map[string]bool
	FoldTime      map[string]bool
	TimeTolerance time.Duration
}

func (p Policy) tolerance() time.Duration {
	if p.TimeTolerance > 0 {
		return p.TimeTolerance
	}
	return DefaultTimeTolerance
}

// Delta is the result of comparing two snapshots over an allow-list of
// fields. OldValues and NewValues are restricted to the changed keys.
type Delta struct {
	Changed   []string
	OldValues map[string]any
	NewValues map[string]any
}

// Empty reports whether no tracked field differs. Callers must not persist
// events for an empty delta.
func (d Delta) Empty() bool { return len(d.Changed) == 0 }

// Has reports whether field is among the changed keys.
func (d Delta) Has(field string) bool {
	for _, f := range d.Changed {
		if f == field {
			return true
		}
	}
	return false
}

// Compute diffs before against after, restricted to fields. Values compare
// by equality, not identity; a field missing from one snapshot compares as
// nil. Changed keys come back sorted for deterministic event ordering.
func Compute(before, after map[string]any, fields []string, pol Policy) Delta {
	d := Delta{
		OldValues: make(map[string]any),
		NewValues: make(map[string]any),
	}

	for _, field := range fields {
		oldVal := before[field]
		newVal := after[field]
		if valuesEqual(field, oldVal, newVal, pol) {
			continue
		}
		d.Changed = append(d.Changed, field)
		d.OldValues[field] = oldVal
		d.NewValues[field] = newVal
	}

	sort.Strings(d.Changed)
	return d
}

func valuesEqual(field string, oldVal, newVal any, pol Policy) bool {
	if pol.FoldEmpty[field] && isEmpty(oldVal) && isEmpty(newVal) {
		return true
	}

	if pol.FoldTime[field] {
		oldTime, oldOK := asTime(oldVal)
		newTime, newOK := asTime(newVal)
		if oldOK && newOK {
			delta := oldTime.Sub(newTime)
			if delta < 0 {
				delta = -delta
			}
			return delta < pol.tolerance()
		}
	}

	if oldDec, ok := oldVal.(decimal.Decimal); ok {
		if newDec, ok := newVal.(decimal.Decimal); ok {
			return oldDec.Equal(newDec)
		}
	}

	return CanonicalString(oldVal) == CanonicalString(newVal)
}

func isEmpty(v any) bool {
	return v == nil || v == ""
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// CanonicalString renders a snapshot value as a stable string. It is used
// both for equality comparison and for the new_value column of field-level
// change events, so two representations of the same value must collapse to
// one string here.
func CanonicalString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case decimal.Decimal:
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case json.Number:
		return t.String()
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
