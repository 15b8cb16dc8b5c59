package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kimhsiao/rundown/internal/errors"
)

// ItemType distinguishes timed rows from section headers.
type ItemType string

const (
	ItemTypeRegular ItemType = "regular"
	ItemTypeHeader  ItemType = "header"
)

// Item is one row of a rundown.
type Item struct {
	ID           string            `json:"id"`
	Type         ItemType          `json:"type"`
	Name         string            `json:"name"`
	Duration     string            `json:"duration"`
	Script       string            `json:"script,omitempty"`
	Talent       string            `json:"talent,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Color        string            `json:"color,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
	IsFloating   bool              `json:"isFloating,omitempty"`
	IsFloated    bool              `json:"isFloated,omitempty"`
}

// IsHeader reports whether the item is a section header.
func (i *Item) IsHeader() bool {
	return i.Type == ItemTypeHeader
}

// IsFloat reports whether the item is soft-excluded from timing.
func (i *Item) IsFloat() bool {
	return i.IsFloating || i.IsFloated
}

// IsEligible reports whether the item counts toward timing and navigation.
func (i *Item) IsEligible() bool {
	return !i.IsHeader() && !i.IsFloat()
}

// DurationValue returns the parsed duration. Headers always count as zero.
func (i *Item) DurationValue() time.Duration {
	if i.IsHeader() {
		return 0
	}
	return ParseDuration(i.Duration)
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	if i.CustomFields != nil {
		custom := make(map[string]string, len(i.CustomFields))
		for k, v := range i.CustomFields {
			custom[k] = v
		}
		i.CustomFields = custom
	}
	return i
}

// Get returns the current string value of field f.
func (i *Item) Get(f Field) (string, error) {
	switch f {
	case FieldName:
		return i.Name, nil
	case FieldDuration:
		return i.Duration, nil
	case FieldScript:
		return i.Script, nil
	case FieldTalent:
		return i.Talent, nil
	case FieldNotes:
		return i.Notes, nil
	case FieldColor:
		return i.Color, nil
	case FieldIsFloating:
		return strconv.FormatBool(i.IsFloating), nil
	case FieldIsFloated:
		return strconv.FormatBool(i.IsFloated), nil
	}
	if f.IsCustom() {
		return i.CustomFields[f.CustomKey()], nil
	}
	return "", errors.New(errors.ErrInvalid, fmt.Sprintf("field %q is not an item field", f))
}

// Set assigns value to field f.
func (i *Item) Set(f Field, value string) error {
	switch f {
	case FieldName:
		i.Name = value
	case FieldDuration:
		i.Duration = value
	case FieldScript:
		i.Script = value
	case FieldTalent:
		i.Talent = value
	case FieldNotes:
		i.Notes = value
	case FieldColor:
		i.Color = value
	case FieldIsFloating, FieldIsFloated:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, fmt.Sprintf("field %q expects a boolean", f), err)
		}
		if f == FieldIsFloating {
			i.IsFloating = b
		} else {
			i.IsFloated = b
		}
	default:
		if !f.IsCustom() {
			return errors.New(errors.ErrInvalid, fmt.Sprintf("field %q is not an item field", f))
		}
		if i.CustomFields == nil {
			i.CustomFields = make(map[string]string)
		}
		i.CustomFields[f.CustomKey()] = value
	}
	return nil
}
