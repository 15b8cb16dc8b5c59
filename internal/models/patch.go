package models

import (
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/rundown/internal/errors"
)

// FieldChange sets one field. An empty ItemID addresses the rundown itself.
type FieldChange struct {
	ItemID string `json:"itemId,omitempty"`
	Field  Field  `json:"field"`
	Value  string `json:"value"`
}

// OpKind names a structural operation.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpRemove  OpKind = "remove"
	OpReorder OpKind = "reorder"
)

// StructuralOp describes an add, remove or reorder by item identity.
type StructuralOp struct {
	Op OpKind `json:"op"`

	// add
	Item  *Item `json:"item,omitempty"`
	Index int   `json:"insertionIndex"` // negative appends

	// remove
	ItemID string `json:"itemId,omitempty"`

	// reorder
	Order []string `json:"fullIdSequence,omitempty"`
}

// Validate checks that the op carries what its kind needs.
func (op *StructuralOp) Validate() error {
	switch op.Op {
	case OpAdd:
		if op.Item == nil || op.Item.ID == "" {
			return errors.New(errors.ErrInvalid, "add op requires an item with an id")
		}
	case OpRemove:
		if op.ItemID == "" {
			return errors.New(errors.ErrInvalid, "remove op requires an item id")
		}
	case OpReorder:
		if len(op.Order) == 0 {
			return errors.New(errors.ErrInvalid, "reorder op requires an id sequence")
		}
	default:
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown op %q", op.Op))
	}
	return nil
}

// Patch is the partial-fields unit written to the store.
type Patch struct {
	Fields     []FieldChange    `json:"fields,omitempty"`
	Ops        []StructuralOp   `json:"ops,omitempty"`
	Showcaller *ShowcallerState `json:"showcallerState,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *Patch) IsEmpty() bool {
	return len(p.Fields) == 0 && len(p.Ops) == 0 && p.Showcaller == nil
}

// ApplyField sets one field. Changes to items that no longer exist fail
// with ErrStaleReference.
func (r *Rundown) ApplyField(change FieldChange) error {
	if err := change.Field.Validate(); err != nil {
		return err
	}

	if change.ItemID == "" {
		switch change.Field {
		case FieldTitle:
			r.Title = change.Value
		case FieldStartTime:
			r.StartTime = change.Value
		case FieldShowcaller:
			var state ShowcallerState
			if err := json.Unmarshal([]byte(change.Value), &state); err != nil {
				return errors.Wrap(errors.ErrInvalid, "malformed showcaller state", err)
			}
			r.Showcaller = state
		default:
			return errors.New(errors.ErrInvalid, fmt.Sprintf("field %q requires an item id", change.Field))
		}
		return nil
	}

	item := r.FindItem(change.ItemID)
	if item == nil {
		return errors.New(errors.ErrStaleReference, fmt.Sprintf("item %s no longer exists", change.ItemID))
	}
	return item.Set(change.Field, change.Value)
}

// ApplyOp applies a structural operation by item identity. Adding an id
// that already exists and removing one that does not are no-ops, so
// replaying an op is harmless.
func (r *Rundown) ApplyOp(op StructuralOp) error {
	if err := op.Validate(); err != nil {
		return err
	}

	switch op.Op {
	case OpAdd:
		if r.IndexOf(op.Item.ID) >= 0 {
			return nil
		}
		idx := op.Index
		if idx < 0 || idx > len(r.Items) {
			idx = len(r.Items)
		}
		item := op.Item.Clone()
		if item.Type == "" {
			item.Type = ItemTypeRegular
		}
		r.Items = append(r.Items, Item{})
		copy(r.Items[idx+1:], r.Items[idx:])
		r.Items[idx] = item

	case OpRemove:
		idx := r.IndexOf(op.ItemID)
		if idx < 0 {
			return nil
		}
		r.Items = append(r.Items[:idx], r.Items[idx+1:]...)

	case OpReorder:
		byID := make(map[string]Item, len(r.Items))
		for _, item := range r.Items {
			byID[item.ID] = item
		}
		ordered := make(ItemList, 0, len(r.Items))
		for _, id := range op.Order {
			if item, ok := byID[id]; ok {
				ordered = append(ordered, item)
				delete(byID, id)
			}
		}
		// Items the sequence does not mention (added concurrently) keep
		// their relative order at the end.
		for _, item := range r.Items {
			if _, ok := byID[item.ID]; ok {
				ordered = append(ordered, item)
			}
		}
		r.Items = ordered
	}
	return nil
}

// ApplyPatch applies every part of p in order: ops, fields, showcaller.
func (r *Rundown) ApplyPatch(p *Patch) error {
	for _, op := range p.Ops {
		if err := r.ApplyOp(op); err != nil {
			return err
		}
	}
	for _, change := range p.Fields {
		if err := r.ApplyField(change); err != nil {
			return err
		}
	}
	if p.Showcaller != nil {
		r.Showcaller = *p.Showcaller
	}
	return nil
}
