package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

type ItemKind string

const (
	KindCheckbox ItemKind = "checkbox"
	KindText     ItemKind = "text"
	KindNumber   ItemKind = "number"
	KindSelect   ItemKind = "select"
	KindPhoto    ItemKind = "photo"
)

func (k ItemKind) Valid() bool {
	switch k {
	case KindCheckbox, KindText, KindNumber, KindSelect, KindPhoto:
		return true
	}
	return false
}

type ItemStatus string

const (
	ItemUnset         ItemStatus = "unset"
	ItemPass          ItemStatus = "pass"
	ItemFail          ItemStatus = "fail"
	ItemNotApplicable ItemStatus = "not_applicable"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemUnset, ItemPass, ItemFail, ItemNotApplicable:
		return true
	}
	return false
}

// ChecklistItem is a single inspection point. It has no identity outside the
// list that owns it; Order is its position and its key within that list.
type ChecklistItem struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Kind        ItemKind   `json:"kind" enum:"checkbox,text,number,select,photo"`
	Required    bool       `json:"required"`
	Order       int        `json:"order"`
	Status      ItemStatus `json:"status" enum:"unset,pass,fail,not_applicable"`
	Value       any        `json:"value,omitempty"`
	Options     []string   `json:"options,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Resolved reports whether the item carries an outcome.
func (it ChecklistItem) Resolved() bool {
	return it.Status != "" && it.Status != ItemUnset
}

// SetValue stores v after checking that its shape matches the item kind.
// Checkbox items derive their status from the value.
func (it *ChecklistItem) SetValue(v any) error {
	norm, err := it.normalize(v)
	if err != nil {
		return err
	}
	it.Value = norm
	if it.Kind == KindCheckbox {
		it.Status = checkboxStatus(norm)
	}
	return nil
}

func checkboxStatus(v any) ItemStatus {
	if b, ok := v.(bool); ok && b {
		return ItemPass
	}
	return ItemUnset
}

func (it ChecklistItem) normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	field := fmt.Sprintf("items[%d].value", it.Order)
	switch it.Kind {
	case KindCheckbox:
		b, ok := v.(bool)
		if !ok {
			return nil, ValidationError{Field: field, Reason: "checkbox expects a boolean"}
		}
		return b, nil
	case KindNumber:
		n, ok := toNumber(v)
		if !ok {
			return nil, ValidationError{Field: field, Reason: "number expects a numeric value"}
		}
		return n, nil
	case KindText, KindPhoto:
		s, ok := v.(string)
		if !ok {
			return nil, ValidationError{Field: field, Reason: fmt.Sprintf("%s expects a string", it.Kind)}
		}
		return s, nil
	case KindSelect:
		s, ok := v.(string)
		if !ok {
			return nil, ValidationError{Field: field, Reason: "select expects a string"}
		}
		if len(it.Options) > 0 && !slices.Contains(it.Options, s) {
			return nil, ValidationError{Field: field, Reason: fmt.Sprintf("%q is not one of the options", s)}
		}
		return s, nil
	}
	return nil, ValidationError{Field: fmt.Sprintf("items[%d].kind", it.Order), Reason: "unknown kind " + string(it.Kind)}
}

func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Validate checks the item in isolation. Checkbox statuses are recomputed as a
// side effect so stored data cannot disagree with the value.
func (it *ChecklistItem) Validate() error {
	field := fmt.Sprintf("items[%d]", it.Order)
	if strings.TrimSpace(it.Title) == "" {
		return ValidationError{Field: field + ".title", Reason: "title is required"}
	}
	if !it.Kind.Valid() {
		return ValidationError{Field: field + ".kind", Reason: "unknown kind " + string(it.Kind)}
	}
	if it.Order <= 0 {
		return ValidationError{Field: field + ".order", Reason: "order must be positive"}
	}
	if it.Status == "" {
		it.Status = ItemUnset
	}
	if !it.Status.Valid() {
		return ValidationError{Field: field + ".status", Reason: "unknown status " + string(it.Status)}
	}
	if it.Kind != KindSelect && len(it.Options) > 0 {
		return ValidationError{Field: field + ".options", Reason: "options are only allowed on select items"}
	}
	return it.SetValue(it.Value)
}

// Clone returns a deep copy.
func (it ChecklistItem) Clone() ChecklistItem {
	out := it
	if it.Options != nil {
		out.Options = slices.Clone(it.Options)
	}
	return out
}

// Reset clears the outcome of the item, keeping its structure.
func (it ChecklistItem) Reset() ChecklistItem {
	out := it.Clone()
	out.Status = ItemUnset
	out.Value = nil
	out.Notes = ""
	return out
}

func cloneItems(items []ChecklistItem) []ChecklistItem {
	if items == nil {
		return nil
	}
	out := make([]ChecklistItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// normalizeItems validates a full item collection: at least one item, orders
// unique and positive. When every order is zero they are assigned 1..n in
// slice order. The result is sorted by order.
func normalizeItems(items []ChecklistItem) ([]ChecklistItem, error) {
	if len(items) == 0 {
		return nil, ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	out := cloneItems(items)
	allZero := true
	for _, it := range out {
		if it.Order != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		for i := range out {
			out[i].Order = i + 1
		}
	}
	seen := make(map[int]struct{}, len(out))
	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[out[i].Order]; dup {
			return nil, ValidationError{Field: fmt.Sprintf("items[%d].order", out[i].Order), Reason: "duplicate order"}
		}
		seen[out[i].Order] = struct{}{}
	}
	slices.SortFunc(out, func(a, b ChecklistItem) int { return a.Order - b.Order })
	return out, nil
}
